/*
Package runtime hosts the module tree and everything around it.

# Architecture Overview

A Service owns the root tree.Node. Modules are attached to the tree either
in-process (AddModule), from shared objects or WebAssembly files (Load,
LoadModules) or by the directory watcher. Every request is an
envelope.Envelope; propagating it through the root returns the union of the
results of every module whose schema matches the destination.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - the root module node and its invocation middleware
  - the loader and, when configured, the directory watcher
  - the combiner that reduces result collections
  - the cascade queue for HandleTrusted follow-ups
  - an optional Watermill router that consumes encoded envelopes
  - HTTP servers for metrics and the introspection API

## Invocation Middleware (middleware.go, hooks.go)

Each module call passes through, outermost first:
  - Tracer: OpenTelemetry span per invocation
  - Hooks: OnInvokeStart, OnInvokeDone and OnInvokeError callbacks
  - Stats: per-schema latency, throughput and error breakdown
  - Metrics: Prometheus counters and histograms
  - Timeout: bounds foreign calls by ForeignCallTimeout
  - Recoverer: turns panics of in-process modules into errors

## Cascade (cascade.go)

Data returned by HandleTrusted is fed back into the tree by a bounded worker
pool. Follow-ups deeper than CascadeMaxDepth are dropped.

## Ingress (ingress.go, publisher.go)

The router consumes the ingress topic. Each message payload is an encoded
envelope and the encoded results are published to the message's reply-to
topic or the configured reply topic.

## Stats & Monitoring (models.go, metrics.go, resources.go)

## WebUI (webui.go)

/api/modules lists the module table with stats; /api/cascade reports the
queue counters.

# Sub-packages

  - boundary/: native plugin and wasm module handles
  - combiner/: reduction of result collections
  - config/: TOML configuration with validation
  - contract/: the Module interface implemented by in-process modules
  - envelope/: envelope types and the binary codec
  - errors/: sentinel errors
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling utilities
  - loader/: opens module files into boundary handles
  - logging/: logger interface and adapters
  - metadata/: message metadata utilities
  - tree/: the module tree and propagation
  - watcher/: hot reload of a module directory

# Usage Example

	conf, err := config.Load("router.toml")
	if err != nil {
		return err
	}
	svc, err := runtime.NewService(ctx, conf, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	if _, err := svc.LoadModules(ctx); err != nil {
		return err
	}
	return svc.Start(ctx)
*/
package runtime

// Package protocols routes schema-addressed envelopes to dynamically loaded
// handler modules. A module is either a Go plugin exporting Init and
// PropagateFFI or a WebAssembly file run inside a wazero sandbox; both speak
// the same binary envelope encoding, so the router never links against the
// code that handles a schema.
//
// A Service owns the root Node of the module tree. Modules are added
// in-process with AddModule, from disk with Load and LoadModules, or by the
// directory watcher when WatchDir is set. Every request is an Envelope whose
// Destination selects the modules by schema; a nil destination broadcasts.
// Propagate returns the union of the results of every matching module in the
// node and its children. The typed helpers GetInfo, GenerateMessage,
// HandleTrusted and the three RPC methods combine those results into a single
// value.
//
// Data returned by HandleTrusted is fed back into the tree by the cascade
// queue, a bounded worker pool that drops follow-ups beyond CascadeMaxDepth.
//
// # Transports
//
// When PubSubSystem is set the Service consumes encoded envelopes from
// IngressTopic through Watermill and publishes the encoded results to the
// message's reply-to topic or ReplyTopic:
//   - channel: In-memory Go channels for testing
//   - kafka: High-throughput streaming with consumer groups
//   - rabbitmq: AMQP-based durable queues
//   - nats: Core NATS messaging
//   - http: Request/response messaging
//
// # Middleware
//
// Every module invocation passes through tracing, invocation hooks,
// per-schema stats, Prometheus metrics, the foreign call timeout and panic
// recovery. Custom middleware can be added via ServiceDependencies.Middlewares.
//
// # Writing a module
//
// Embed ModuleBase, override the operations the module serves and register
// it on a Node. A native plugin exports
//
//	func Init()
//	func PropagateFFI(in []byte) []byte
//
// where PropagateFFI is usually ServeFFI(ctx, node, in).
package protocols

package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	"github.com/zutils/protocols/internal/runtime/logging"
	"github.com/zutils/protocols/internal/runtime/metadata"
	"github.com/zutils/protocols/internal/runtime/tree"
)

const tracerName = "protocols-router"

// MiddlewareBuilder constructs an invocation middleware using the provided
// service instance. Returning a nil middleware skips it.
type MiddlewareBuilder func(*Service) (tree.InvokeMiddleware, error)

// MiddlewareRegistration captures how a middleware wraps module invocations.
type MiddlewareRegistration struct {
	Name       string
	Middleware tree.InvokeMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard invocation chain, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		TracerMiddleware(),
		HooksMiddleware(InvocationHooks{}),
		StatsMiddleware(),
		MetricsMiddleware(),
		TimeoutMiddleware(0),
		RecovererMiddleware(),
	}
}

// TracerMiddleware wraps each invocation in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// StatsMiddleware records per-schema stats shown by the introspection API.
func StatsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "stats",
		Builder: func(s *Service) (tree.InvokeMiddleware, error) {
			return s.statsMiddleware(), nil
		},
	}
}

// MetricsMiddleware records Prometheus invocation metrics when metrics are
// enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (tree.InvokeMiddleware, error) {
			if s.metrics == nil {
				return nil, nil
			}
			return s.metricsMiddleware(), nil
		},
	}
}

// TimeoutMiddleware bounds each invocation. A zero timeout uses the
// configured ForeignCallTimeout; when both are zero calls are unbounded.
func TimeoutMiddleware(timeout time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "timeout",
		Builder: func(s *Service) (tree.InvokeMiddleware, error) {
			d := timeout
			if d <= 0 && s.Conf != nil {
				d = s.Conf.ForeignCallTimeout
			}
			if d <= 0 {
				return nil, nil
			}
			return timeoutMiddleware(d, s.Logger), nil
		},
	}
}

// RecovererMiddleware converts panics of in-process modules into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recovererMiddleware,
	}
}

func (s *Service) buildMiddleware(cfg MiddlewareRegistration) (tree.InvokeMiddleware, error) {
	switch {
	case cfg.Middleware != nil:
		return cfg.Middleware, nil
	case cfg.Builder != nil:
		return cfg.Builder(s)
	default:
		return nil, errors.New("middleware registration requires Middleware or Builder")
	}
}

func (s *Service) buildMiddlewares(deps ServiceDependencies) ([]tree.InvokeMiddleware, error) {
	var registrations []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		registrations = append(registrations, DefaultMiddlewares()...)
	}
	registrations = append(registrations, deps.Middlewares...)

	var mws []tree.InvokeMiddleware
	for _, reg := range registrations {
		mw, err := s.buildMiddleware(reg)
		if err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return nil, fmt.Errorf("failed to build middleware %s: %w", name, err)
		}
		if mw != nil {
			mws = append(mws, mw)
		}
	}
	return mws, nil
}

func tracerMiddleware(next tree.InvokeFunc) tree.InvokeFunc {
	return func(ctx context.Context, call tree.Call) ([]*envelope.Envelope, error) {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "InvokeModule", trace.WithSpanKind(trace.SpanKindInternal))
		defer span.End()

		span.SetAttributes(
			attribute.String("protocols.schema", string(call.Schema)),
			attribute.String("protocols.request_type", call.Envelope.RequestType.String()),
			attribute.String("protocols.destination", call.Envelope.DestinationString()),
			attribute.String("protocols.correlation_id", metadata.CorrelationIDFromContext(ctx)),
		)
		out, err := next(ctx, call)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, err
	}
}

func (s *Service) statsMiddleware() tree.InvokeMiddleware {
	classifier := s.errorClassifier
	return func(next tree.InvokeFunc) tree.InvokeFunc {
		return func(ctx context.Context, call tree.Call) ([]*envelope.Envelope, error) {
			stats := s.stats.get(call.Schema)
			stats.onInvokeStart()
			start := time.Now()
			out, err := next(ctx, call)
			stats.onInvokeFinish(call.Envelope.RequestType.String(), time.Since(start), err, classifier)
			return out, err
		}
	}
}

func (s *Service) metricsMiddleware() tree.InvokeMiddleware {
	return func(next tree.InvokeFunc) tree.InvokeFunc {
		return func(ctx context.Context, call tree.Call) ([]*envelope.Envelope, error) {
			start := time.Now()
			out, err := next(ctx, call)
			s.metrics.ObserveInvocation(string(call.Schema), call.Envelope.RequestType.String(), time.Since(start), err)
			return out, err
		}
	}
}

type invocationResult struct {
	out []*envelope.Envelope
	err error
}

// timeoutMiddleware runs the call on its own goroutine and stops waiting
// after d. The call's context is cancelled too, which interrupts sandboxed
// guests; a native call keeps running and is abandoned.
func timeoutMiddleware(d time.Duration, log logging.ServiceLogger) tree.InvokeMiddleware {
	if log == nil {
		log = logging.Discard()
	}
	return func(next tree.InvokeFunc) tree.InvokeFunc {
		return func(ctx context.Context, call tree.Call) ([]*envelope.Envelope, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan invocationResult, 1)
			go func() {
				out, err := next(ctx, call)
				done <- invocationResult{out: out, err: err}
			}()

			select {
			case r := <-done:
				return r.out, r.err
			case <-ctx.Done():
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, ctx.Err()
				}
				fields := logging.LogFields{
					"schema":       string(call.Schema),
					"request_type": call.Envelope.RequestType.String(),
					"timeout":      d.String(),
				}
				if k, ok := call.Handle.(interface{ Kind() string }); ok {
					fields["kind"] = k.Kind()
				}
				log.Warn("Abandoning module call after timeout", fields)
				return nil, fmt.Errorf("%w: %s after %s", errspkg.ErrCallTimeout, call.Schema, d)
			}
		}
	}
}

func recovererMiddleware(next tree.InvokeFunc) tree.InvokeFunc {
	return func(ctx context.Context, call tree.Call) (out []*envelope.Envelope, err error) {
		defer func() {
			if r := recover(); r != nil {
				out = nil
				err = fmt.Errorf("module %s panicked: %v", call.Schema, r)
			}
		}()
		return next(ctx, call)
	}
}

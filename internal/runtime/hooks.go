package runtime

import (
	"context"
	"time"

	"github.com/zutils/protocols/internal/runtime/envelope"
	"github.com/zutils/protocols/internal/runtime/logging"
	"github.com/zutils/protocols/internal/runtime/metadata"
	"github.com/zutils/protocols/internal/runtime/tree"
)

// InvocationContext describes one module invocation to hooks.
type InvocationContext struct {
	// Schema is the schema the module was matched under.
	Schema envelope.Schema
	// RequestType is the operation being invoked.
	RequestType envelope.RequestType
	// CorrelationID identifies the dispatch the invocation belongs to.
	CorrelationID string
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set in OnInvokeDone and OnInvokeError.
	Duration time.Duration
	// Results is the number of envelopes returned (OnInvokeDone only).
	Results int
}

// InvocationHooks defines callbacks around module invocations.
// All hooks are optional - nil hooks are simply not called.
type InvocationHooks struct {
	OnInvokeStart func(ctx InvocationContext)
	OnInvokeDone  func(ctx InvocationContext)
	// OnInvokeError is called when the module returns an error. The error
	// still becomes an Error result of the propagation.
	OnInvokeError func(ctx InvocationContext, err error)
}

// Merge combines two InvocationHooks. The hooks from other are called after
// the hooks from h.
func (h InvocationHooks) Merge(other InvocationHooks) InvocationHooks {
	return InvocationHooks{
		OnInvokeStart: chainHooks(h.OnInvokeStart, other.OnInvokeStart),
		OnInvokeDone:  chainHooks(h.OnInvokeDone, other.OnInvokeDone),
		OnInvokeError: chainErrorHooks(h.OnInvokeError, other.OnInvokeError),
	}
}

func (h InvocationHooks) empty() bool {
	return h.OnInvokeStart == nil && h.OnInvokeDone == nil && h.OnInvokeError == nil
}

func chainHooks[C any](a, b func(C)) func(C) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx C) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks[C any](a, b func(C, error)) func(C, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx C, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// HooksMiddleware invokes hooks around every module invocation.
func HooksMiddleware(hooks InvocationHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "invocation_hooks",
		Builder: func(s *Service) (tree.InvokeMiddleware, error) {
			merged := s.hooks.Merge(hooks)
			if merged.empty() {
				return nil, nil
			}
			return invocationHooksMiddleware(merged), nil
		},
	}
}

func invocationHooksMiddleware(hooks InvocationHooks) tree.InvokeMiddleware {
	return func(next tree.InvokeFunc) tree.InvokeFunc {
		return func(ctx context.Context, call tree.Call) ([]*envelope.Envelope, error) {
			ictx := InvocationContext{
				Schema:        call.Schema,
				RequestType:   call.Envelope.RequestType,
				CorrelationID: metadata.CorrelationIDFromContext(ctx),
				Context:       ctx,
				StartedAt:     time.Now(),
			}
			if hooks.OnInvokeStart != nil {
				hooks.OnInvokeStart(ictx)
			}

			out, err := next(ctx, call)

			ictx.Duration = time.Since(ictx.StartedAt)
			if err != nil {
				if hooks.OnInvokeError != nil {
					hooks.OnInvokeError(ictx, err)
				}
				return out, err
			}
			ictx.Results = len(out)
			if hooks.OnInvokeDone != nil {
				hooks.OnInvokeDone(ictx)
			}
			return out, nil
		}
	}
}

// LoggingHooks returns hooks that log invocation lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) InvocationHooks {
	return InvocationHooks{
		OnInvokeStart: func(ctx InvocationContext) {
			logger.Debug("Invocation started", logging.LogFields{
				"schema":         string(ctx.Schema),
				"request_type":   ctx.RequestType.String(),
				"correlation_id": ctx.CorrelationID,
			})
		},
		OnInvokeDone: func(ctx InvocationContext) {
			logger.Debug("Invocation completed", logging.LogFields{
				"schema":         string(ctx.Schema),
				"request_type":   ctx.RequestType.String(),
				"correlation_id": ctx.CorrelationID,
				"results":        ctx.Results,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
		OnInvokeError: func(ctx InvocationContext, err error) {
			logger.Error("Invocation failed", err, logging.LogFields{
				"schema":         string(ctx.Schema),
				"request_type":   ctx.RequestType.String(),
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks returns hooks that only report failed invocations.
func AlertingHooks(alertFunc func(ctx InvocationContext, err error)) InvocationHooks {
	return InvocationHooks{
		OnInvokeError: alertFunc,
	}
}

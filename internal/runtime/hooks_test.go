package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zutils/protocols/internal/runtime/envelope"
	"github.com/zutils/protocols/internal/runtime/logging"
	"github.com/zutils/protocols/internal/runtime/metadata"
	"github.com/zutils/protocols/internal/runtime/tree"
)

func hookedCall(t *testing.T, hooks InvocationHooks, next tree.InvokeFunc) ([]*envelope.Envelope, error) {
	t.Helper()
	ctx := metadata.ContextWithCorrelationID(context.Background(), "corr-1")
	call := tree.Call{Schema: "test", Envelope: envelope.NewGetInfoRequest("test")}
	return invocationHooksMiddleware(hooks)(next)(ctx, call)
}

func TestInvocationHooks_OnInvokeStart(t *testing.T) {
	var captured InvocationContext
	hooks := InvocationHooks{
		OnInvokeStart: func(ctx InvocationContext) { captured = ctx },
	}

	_, err := hookedCall(t, hooks, func(context.Context, tree.Call) ([]*envelope.Envelope, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, envelope.Schema("test"), captured.Schema)
	assert.Equal(t, envelope.GetInfo, captured.RequestType)
	assert.Equal(t, "corr-1", captured.CorrelationID)
	assert.False(t, captured.StartedAt.IsZero())
}

func TestInvocationHooks_OnInvokeDone(t *testing.T) {
	var captured InvocationContext
	hooks := InvocationHooks{
		OnInvokeDone: func(ctx InvocationContext) { captured = ctx },
	}

	_, err := hookedCall(t, hooks, func(context.Context, tree.Call) ([]*envelope.Envelope, error) {
		time.Sleep(10 * time.Millisecond)
		return []*envelope.Envelope{envelope.NewResult(&envelope.VecModuleInfo{})}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, captured.Results)
	assert.GreaterOrEqual(t, captured.Duration, 10*time.Millisecond)
}

func TestInvocationHooks_OnInvokeError(t *testing.T) {
	expected := errors.New("module error")
	var (
		captured   error
		doneCalled bool
	)
	hooks := InvocationHooks{
		OnInvokeDone:  func(InvocationContext) { doneCalled = true },
		OnInvokeError: func(_ InvocationContext, err error) { captured = err },
	}

	_, err := hookedCall(t, hooks, func(context.Context, tree.Call) ([]*envelope.Envelope, error) {
		return nil, expected
	})
	assert.ErrorIs(t, err, expected)
	assert.ErrorIs(t, captured, expected)
	assert.False(t, doneCalled)
}

func TestInvocationHooks_Merge(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func(InvocationContext) {
		return func(InvocationContext) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	merged := InvocationHooks{OnInvokeStart: record("first")}.Merge(InvocationHooks{
		OnInvokeStart: record("second"),
		OnInvokeDone:  record("done"),
	})

	_, err := hookedCall(t, merged, func(context.Context, tree.Call) ([]*envelope.Envelope, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "done"}, order)
}

func TestInvocationHooks_MergeNil(t *testing.T) {
	merged := InvocationHooks{}.Merge(InvocationHooks{})
	assert.True(t, merged.empty())
}

func TestLoggingHooks(t *testing.T) {
	rec := logging.NewRecorder()
	hooks := LoggingHooks(rec)

	_, _ = hookedCall(t, hooks, func(context.Context, tree.Call) ([]*envelope.Envelope, error) {
		return nil, nil
	})
	_, _ = hookedCall(t, hooks, func(context.Context, tree.Call) ([]*envelope.Envelope, error) {
		return nil, errors.New("boom")
	})

	assert.Len(t, rec.Levels("debug"), 3)
	errs := rec.Levels("error")
	require.Len(t, errs, 1)
	assert.Equal(t, "Invocation failed", errs[0].Msg)
	assert.Equal(t, "corr-1", errs[0].Fields["correlation_id"])
}

func TestAlertingHooks(t *testing.T) {
	var alerted bool
	hooks := AlertingHooks(func(InvocationContext, error) { alerted = true })
	assert.Nil(t, hooks.OnInvokeStart)

	_, _ = hookedCall(t, hooks, func(context.Context, tree.Call) ([]*envelope.Envelope, error) {
		return nil, errors.New("boom")
	})
	assert.True(t, alerted)
}

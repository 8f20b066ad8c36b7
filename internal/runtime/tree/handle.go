package tree

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zutils/protocols/internal/runtime/contract"
	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	"github.com/zutils/protocols/internal/runtime/logging"
)

// Handle is the one call surface shared by in-process, native and sandboxed
// modules. Implementations must be comparable (pointer types) and safe for
// concurrent Invoke.
type Handle interface {
	// Info returns the infos recorded when the module was loaded.
	Info() []envelope.ModuleInfo
	Invoke(ctx context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error)
	Close(ctx context.Context) error
}

// LocalHandle runs a contract.Module in-process.
type LocalHandle struct {
	module contract.Module
	infos  []envelope.ModuleInfo
	log    logging.ServiceLogger
	closed atomic.Bool
}

// NewLocalHandle wraps m and records the infos it reports for a broadcast
// GetInfo.
func NewLocalHandle(ctx context.Context, m contract.Module, log logging.ServiceLogger) (*LocalHandle, error) {
	if log == nil {
		log = logging.Discard()
	}
	vec, err := m.GetInfo(ctx, &envelope.Destination{})
	if err != nil {
		return nil, fmt.Errorf("query module info: %w", err)
	}
	h := &LocalHandle{module: m, log: log}
	if vec != nil {
		h.infos = append(h.infos, vec.Infos...)
	}
	return h, nil
}

func (h *LocalHandle) Info() []envelope.ModuleInfo {
	return append([]envelope.ModuleInfo(nil), h.infos...)
}

// Invoke dispatches env to the module. Request types the module contract
// does not cover yield no results.
func (h *LocalHandle) Invoke(ctx context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
	if h.closed.Load() {
		return nil, errspkg.ErrModuleClosed
	}
	out, err := contract.Dispatch(ctx, h.module, env)
	if errors.Is(err, errspkg.ErrUnsupportedRequestType) {
		h.log.Warn("ignoring envelope with unsupported request type", logging.LogFields{
			"request_type": env.RequestType.String(),
		})
		return nil, nil
	}
	return out, err
}

// Close marks the handle closed. Modules implementing io.Closer semantics
// through a Close(ctx) method are closed too.
func (h *LocalHandle) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c, ok := h.module.(interface{ Close(context.Context) error }); ok {
		return c.Close(ctx)
	}
	return nil
}

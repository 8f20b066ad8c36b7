// Package boundary crosses into separately compiled modules. A Caller moves
// encoded envelopes across one boundary kind; Handle adapts any Caller to the
// propagation tree.
package boundary

import (
	"context"
	"fmt"
	"sync"

	"github.com/zutils/protocols/internal/runtime/envelope"
)

// Boundary kinds.
const (
	KindNative    = "native"
	KindSandboxed = "sandboxed"
)

// Caller moves an encoded Envelope into a module and returns the encoded
// VecEnvelope it produced.
type Caller interface {
	Init(ctx context.Context) error
	Call(ctx context.Context, in []byte) ([]byte, error)
	Close(ctx context.Context) error
	Kind() string
}

// Handle is the tree handle of a foreign module.
type Handle struct {
	path   string
	caller Caller

	mu    sync.RWMutex
	infos []envelope.ModuleInfo
}

func NewHandle(path string, caller Caller) *Handle {
	return &Handle{path: path, caller: caller}
}

func (h *Handle) Path() string { return h.path }
func (h *Handle) Kind() string { return h.caller.Kind() }

// SetInfo records the infos the module reported at load.
func (h *Handle) SetInfo(infos []envelope.ModuleInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.infos = append([]envelope.ModuleInfo(nil), infos...)
}

func (h *Handle) Info() []envelope.ModuleInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]envelope.ModuleInfo(nil), h.infos...)
}

// Invoke encodes env, calls across the boundary and decodes the results.
func (h *Handle) Invoke(ctx context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
	in, err := envelope.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope for %s: %w", h.path, err)
	}
	out, err := h.caller.Call(ctx, in)
	if err != nil {
		return nil, err
	}
	results, err := envelope.UnmarshalVec(out)
	if err != nil {
		return nil, fmt.Errorf("decode results from %s: %w", h.path, err)
	}
	return results, nil
}

func (h *Handle) Close(ctx context.Context) error {
	return h.caller.Close(ctx)
}

package contract

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
)

// RPCFunc serves one RPC method.
type RPCFunc func(ctx context.Context, rpc *envelope.RpcData) (*envelope.VecRpcData, error)

// RPCMux routes RpcData by method name. Names follow "<Service>/<method>".
type RPCMux struct {
	mu      sync.RWMutex
	methods map[string]RPCFunc
}

func NewRPCMux() *RPCMux {
	return &RPCMux{methods: make(map[string]RPCFunc)}
}

// MethodName joins a service and method into the routed name.
func MethodName(service, method string) string {
	return service + "/" + method
}

// Handle registers fn for method, replacing any previous handler.
func (m *RPCMux) Handle(method string, fn RPCFunc) *RPCMux {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[method] = fn
	return m
}

// HandleTyped registers a method whose argument is CBOR-decoded into A
// before fn runs.
func HandleTyped[A any](m *RPCMux, method string, fn func(ctx context.Context, arg A) (*envelope.VecRpcData, error)) *RPCMux {
	return m.Handle(method, func(ctx context.Context, rpc *envelope.RpcData) (*envelope.VecRpcData, error) {
		var arg A
		if err := DecodeArg(rpc.Arg, &arg); err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		return fn(ctx, arg)
	})
}

// Methods lists the registered method names in sorted order.
func (m *RPCMux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.methods))
	for name := range m.methods {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Serve routes rpc to its method. An unknown method is an error naming it.
func (m *RPCMux) Serve(ctx context.Context, rpc *envelope.RpcData) (*envelope.VecRpcData, error) {
	m.mu.RLock()
	fn, ok := m.methods[rpc.MethodName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q, available: [%s]",
			errspkg.ErrUnknownMethod, rpc.MethodName, strings.Join(m.Methods(), ", "))
	}
	return fn(ctx, rpc)
}

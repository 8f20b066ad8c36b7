package boundary

import (
	"context"
	"fmt"
	"plugin"
	"sync/atomic"

	errspkg "github.com/zutils/protocols/internal/runtime/errors"
)

// Exported symbols every native module provides.
const (
	SymbolInit      = "Init"
	SymbolPropagate = "PropagateFFI"
)

// SymbolTable resolves exported symbols. *plugin.Plugin satisfies it.
type SymbolTable interface {
	Lookup(name string) (plugin.Symbol, error)
}

// OpenPlugin opens a shared library. Tests replace it.
var OpenPlugin = func(path string) (SymbolTable, error) {
	return plugin.Open(path)
}

// Native calls a Go plugin through its typed exported functions. The
// symbols are resolved once when the module is opened.
type Native struct {
	path      string
	init      func()
	propagate func([]byte) []byte
	closed    atomic.Bool
}

// OpenNative opens the shared library at path and resolves its symbols.
func OpenNative(path string) (*Native, error) {
	table, err := OpenPlugin(path)
	if err != nil {
		return nil, fmt.Errorf("open native module %s: %w", path, err)
	}
	return NewNative(path, table)
}

// NewNative resolves the module symbols from table.
func NewNative(path string, table SymbolTable) (*Native, error) {
	n := &Native{path: path}

	sym, err := table.Lookup(SymbolInit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s: %v", path, errspkg.ErrMissingSymbol, SymbolInit, err)
	}
	if n.init, err = asFunc[func()](sym, path, SymbolInit); err != nil {
		return nil, err
	}

	sym, err = table.Lookup(SymbolPropagate)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s: %v", path, errspkg.ErrMissingSymbol, SymbolPropagate, err)
	}
	if n.propagate, err = asFunc[func([]byte) []byte](sym, path, SymbolPropagate); err != nil {
		return nil, err
	}
	return n, nil
}

func asFunc[F any](sym plugin.Symbol, path, name string) (F, error) {
	switch fn := sym.(type) {
	case F:
		return fn, nil
	case *F:
		if fn != nil {
			return *fn, nil
		}
	}
	var zero F
	return zero, fmt.Errorf("%s: %w: %s is %T", path, errspkg.ErrBadSymbol, name, sym)
}

func (n *Native) Kind() string { return KindNative }

func (n *Native) Init(ctx context.Context) error {
	return n.guard(ctx, func() { n.init() })
}

// Call passes in to PropagateFFI. A panic inside the module is returned as an
// error.
func (n *Native) Call(ctx context.Context, in []byte) ([]byte, error) {
	var out []byte
	err := n.guard(ctx, func() { out = n.propagate(in) })
	return out, err
}

// Close marks the module closed. Go plugins cannot be unloaded, so the code
// stays mapped for the life of the process.
func (n *Native) Close(context.Context) error {
	n.closed.Store(true)
	return nil
}

func (n *Native) guard(ctx context.Context, fn func()) (err error) {
	if n.closed.Load() {
		return errspkg.ErrModuleClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("native module %s panicked: %v", n.path, r)
		}
	}()
	fn()
	return nil
}

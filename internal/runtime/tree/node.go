// Package tree routes envelopes through a tree of module tables. Each node
// invokes its matching modules and recurses into its children, returning the
// union of every result.
package tree

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zutils/protocols/internal/runtime/contract"
	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	"github.com/zutils/protocols/internal/runtime/logging"
)

// Call is one module invocation as seen by middleware.
type Call struct {
	Schema   envelope.Schema
	Handle   Handle
	Envelope *envelope.Envelope
}

// InvokeFunc performs a module invocation.
type InvokeFunc func(ctx context.Context, call Call) ([]*envelope.Envelope, error)

// InvokeMiddleware wraps every module invocation of a node.
type InvokeMiddleware func(next InvokeFunc) InvokeFunc

// Option configures a Node.
type Option func(*Node)

// WithVersion sets the protocol version registered modules must report.
func WithVersion(version string) Option {
	return func(n *Node) { n.version = version }
}

// WithConcurrency caps parallel module invocations per propagation. Values
// below one leave invocations unbounded.
func WithConcurrency(limit int) Option {
	return func(n *Node) { n.limit = limit }
}

func WithLogger(log logging.ServiceLogger) Option {
	return func(n *Node) { n.log = log }
}

// WithMiddleware appends invocation middleware. The first one is outermost.
func WithMiddleware(mws ...InvokeMiddleware) Option {
	return func(n *Node) { n.middlewares = append(n.middlewares, mws...) }
}

// Node holds a table of modules keyed by schema and a list of children.
// Children are only appended, so the structure stays acyclic.
type Node struct {
	mu       sync.RWMutex
	modules  map[envelope.Schema]Handle
	children []*Node

	version     string
	limit       int
	log         logging.ServiceLogger
	middlewares []InvokeMiddleware
	invoke      InvokeFunc
}

// NewNode returns an empty node. An empty node propagates to nothing.
func NewNode(opts ...Option) *Node {
	n := &Node{
		modules: make(map[envelope.Schema]Handle),
		version: envelope.ProtocolVersion,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.log == nil {
		n.log = logging.Discard()
	}
	n.invoke = invokeHandle
	for i := len(n.middlewares) - 1; i >= 0; i-- {
		n.invoke = n.middlewares[i](n.invoke)
	}
	return n
}

func invokeHandle(ctx context.Context, call Call) ([]*envelope.Envelope, error) {
	return call.Handle.Invoke(ctx, call.Envelope)
}

// Version returns the protocol version this node accepts.
func (n *Node) Version() string { return n.version }

// ValidateInfos checks that a module reported at least one info, that every
// schema is non-empty and that every version equals version.
func ValidateInfos(infos []envelope.ModuleInfo, version string) error {
	if len(infos) == 0 {
		return errspkg.ErrNoModuleInfo
	}
	for _, info := range infos {
		if info.Schema == "" {
			return fmt.Errorf("%w (display name %q)", errspkg.ErrEmptySchema, info.DisplayName)
		}
		if info.ProtocolVersion != version {
			return fmt.Errorf("%w: schema %s reports %q, host expects %q",
				errspkg.ErrVersionMismatch, info.Schema, info.ProtocolVersion, version)
		}
	}
	return nil
}

// Register inserts h under every schema it reports. Validation and the
// ownership check happen before any insertion, so a rejected handle leaves
// the table unchanged. A schema held by a different handle is refused with
// ErrSchemaTaken; the holder must be unregistered first.
func (n *Node) Register(h Handle) error {
	infos := h.Info()
	if err := ValidateInfos(infos, n.version); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, info := range infos {
		if prev, ok := n.modules[info.Schema]; ok && prev != h {
			n.log.Warn("refusing module for schema already registered", logging.LogFields{"schema": string(info.Schema)})
			return fmt.Errorf("%w: %s", errspkg.ErrSchemaTaken, info.Schema)
		}
	}
	for _, info := range infos {
		n.modules[info.Schema] = h
	}
	return nil
}

// AddModule wraps an in-process module and registers it.
func (n *Node) AddModule(ctx context.Context, m contract.Module) (Handle, error) {
	h, err := NewLocalHandle(ctx, m, n.log)
	if err != nil {
		return nil, err
	}
	if err := n.Register(h); err != nil {
		_ = h.Close(ctx)
		return nil, err
	}
	return h, nil
}

// AddChild appends child to the node's children.
func (n *Node) AddChild(child *Node) error {
	if child == nil {
		return errspkg.ErrNodeRequired
	}
	if child == n || child.contains(n) {
		return errspkg.ErrNodeCycle
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children = append(n.children, child)
	return nil
}

// NewChild creates a child with the node's options and appends it.
func (n *Node) NewChild() *Node {
	child := NewNode(WithVersion(n.version), WithConcurrency(n.limit), WithLogger(n.log), WithMiddleware(n.middlewares...))
	n.mu.Lock()
	n.children = append(n.children, child)
	n.mu.Unlock()
	return child
}

func (n *Node) contains(target *Node) bool {
	n.mu.RLock()
	children := slices.Clone(n.children)
	n.mu.RUnlock()
	for _, c := range children {
		if c == target || c.contains(target) {
			return true
		}
	}
	return false
}

// Remove drops the module registered for schema on this node.
func (n *Node) Remove(schema envelope.Schema) (Handle, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.modules[schema]
	delete(n.modules, schema)
	return h, ok
}

// Unregister removes every schema of this node that maps to h and returns
// the removed schemas.
func (n *Node) Unregister(h Handle) []envelope.Schema {
	n.mu.Lock()
	defer n.mu.Unlock()
	var removed []envelope.Schema
	for schema, candidate := range n.modules {
		if candidate == h {
			delete(n.modules, schema)
			removed = append(removed, schema)
		}
	}
	slices.Sort(removed)
	return removed
}

// Lookup returns the handle registered for schema on this node.
func (n *Node) Lookup(schema envelope.Schema) (Handle, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.modules[schema]
	return h, ok
}

// Registration is one schema entry of a node table.
type Registration struct {
	Info   envelope.ModuleInfo
	Handle Handle
	Depth  int
}

// Modules lists the registrations of the node and its descendants, sorted by
// schema within each node.
func (n *Node) Modules() []Registration {
	return n.collect(0)
}

func (n *Node) collect(depth int) []Registration {
	n.mu.RLock()
	regs := make([]Registration, 0, len(n.modules))
	for schema, h := range n.modules {
		info := envelope.ModuleInfo{Schema: schema}
		for _, candidate := range h.Info() {
			if candidate.Schema == schema {
				info = candidate
				break
			}
		}
		regs = append(regs, Registration{Info: info, Handle: h, Depth: depth})
	}
	children := slices.Clone(n.children)
	n.mu.RUnlock()

	slices.SortFunc(regs, func(a, b Registration) int {
		switch {
		case a.Info.Schema < b.Info.Schema:
			return -1
		case a.Info.Schema > b.Info.Schema:
			return 1
		}
		return 0
	})
	for _, c := range children {
		regs = append(regs, c.collect(depth+1)...)
	}
	return regs
}

// Propagate delivers env to every matching module of the node and its
// descendants and returns the union of their results. A module error becomes
// an Error result; it never aborts the propagation.
func (n *Node) Propagate(ctx context.Context, env *envelope.Envelope) []*envelope.Envelope {
	if env == nil {
		return []*envelope.Envelope{}
	}

	calls, children := n.snapshot(env)

	var (
		mu      sync.Mutex
		results = []*envelope.Envelope{}
	)
	collect := func(out []*envelope.Envelope) {
		mu.Lock()
		results = append(results, out...)
		mu.Unlock()
	}

	var modules errgroup.Group
	if n.limit > 0 {
		modules.SetLimit(n.limit)
	}
	for _, call := range calls {
		modules.Go(func() error {
			out, err := n.invoke(ctx, call)
			if err != nil {
				n.log.Warn("module invocation failed", logging.LogFields{
					"schema": string(call.Schema),
					"error":  err.Error(),
				})
				out = []*envelope.Envelope{envelope.NewError(fmt.Sprintf("module error: %s: %v", call.Schema, err))}
			}
			collect(out)
			return nil
		})
	}

	var descendants errgroup.Group
	for _, child := range children {
		descendants.Go(func() error {
			collect(child.Propagate(ctx, env))
			return nil
		})
	}

	_ = modules.Wait()
	_ = descendants.Wait()
	return results
}

// snapshot copies the matching calls and the children under the read lock.
// A handle registered under several schemas is called once.
func (n *Node) snapshot(env *envelope.Envelope) ([]Call, []*Node) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	calls := make([]Call, 0, len(n.modules))
	seen := make(map[Handle]struct{}, len(n.modules))
	schemas := make([]envelope.Schema, 0, len(n.modules))
	for schema := range n.modules {
		schemas = append(schemas, schema)
	}
	slices.Sort(schemas)

	for _, schema := range schemas {
		if !envelope.Matches(env.Destination, schema) {
			continue
		}
		h := n.modules[schema]
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		calls = append(calls, Call{Schema: schema, Handle: h, Envelope: env})
	}
	return calls, slices.Clone(n.children)
}

// Close closes every distinct handle of the node and its descendants and
// empties the tables.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	handles := make(map[Handle]struct{}, len(n.modules))
	for _, h := range n.modules {
		handles[h] = struct{}{}
	}
	n.modules = make(map[envelope.Schema]Handle)
	children := slices.Clone(n.children)
	n.mu.Unlock()

	var errs []error
	for h := range handles {
		if err := h.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range children {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package loader opens module files, checks what they report about
// themselves and registers them into a propagation tree.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zutils/protocols/internal/runtime/boundary"
	"github.com/zutils/protocols/internal/runtime/combiner"
	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	"github.com/zutils/protocols/internal/runtime/logging"
	"github.com/zutils/protocols/internal/runtime/tree"
)

// SandboxedExtension selects the sandboxed boundary. Every other extension is
// opened as a native shared library.
const SandboxedExtension = ".wasm"

// NativeOpener opens a native module. Tests replace it.
var NativeOpener = func(path string) (boundary.Caller, error) {
	n, err := boundary.OpenNative(path)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// SandboxFactory builds the wasm runtime on first use. Tests replace it.
var SandboxFactory = func(ctx context.Context, cfg boundary.SandboxConfig) (SandboxOpener, error) {
	sb, err := boundary.NewSandbox(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return wasmRuntime{sb}, nil
}

// SandboxOpener opens sandboxed modules inside one shared runtime.
type SandboxOpener interface {
	Open(ctx context.Context, path string) (boundary.Caller, error)
	Close(ctx context.Context) error
}

type wasmRuntime struct {
	*boundary.Sandbox
}

func (w wasmRuntime) Open(ctx context.Context, path string) (boundary.Caller, error) {
	m, err := w.Sandbox.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Options configures a Loader.
type Options struct {
	// Version is the protocol version modules must report.
	Version string
	Logger  logging.ServiceLogger
	Sandbox boundary.SandboxConfig
	// CallTimeout bounds the load-time Init and GetInfo calls. Zero leaves
	// them unbounded.
	CallTimeout time.Duration
}

// Loader opens modules and remembers every path it loaded. Loaded handles stay
// referenced until they are unloaded, which keeps their code alive.
type Loader struct {
	version  string
	log      logging.ServiceLogger
	combiner *combiner.Combiner
	sbConfig boundary.SandboxConfig
	timeout  time.Duration

	openNative    func(path string) (boundary.Caller, error)
	openSandboxed func(ctx context.Context, path string) (boundary.Caller, error)

	mu      sync.Mutex
	sandbox SandboxOpener
	loaded  map[string]*boundary.Handle
	// pending holds paths whose load is in flight.
	pending map[string]struct{}
	// initialised holds native paths whose Init already ran. A Go plugin
	// stays mapped after unload, so its Init never runs twice.
	initialised map[string]struct{}
}

func New(opts Options) *Loader {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	version := opts.Version
	if version == "" {
		version = envelope.ProtocolVersion
	}
	if opts.Sandbox.Logger == nil {
		opts.Sandbox.Logger = log
	}

	l := &Loader{
		version:    version,
		log:        log,
		combiner:   combiner.New(log),
		sbConfig:    opts.Sandbox,
		timeout:     opts.CallTimeout,
		openNative:  NativeOpener,
		loaded:      make(map[string]*boundary.Handle),
		pending:     make(map[string]struct{}),
		initialised: make(map[string]struct{}),
	}
	l.openSandboxed = l.openInSandbox
	return l
}

func (l *Loader) openInSandbox(ctx context.Context, path string) (boundary.Caller, error) {
	l.mu.Lock()
	if l.sandbox == nil {
		sb, err := SandboxFactory(ctx, l.sbConfig)
		if err != nil {
			l.mu.Unlock()
			return nil, fmt.Errorf("start wasm runtime: %w", err)
		}
		l.sandbox = sb
	}
	sb := l.sandbox
	l.mu.Unlock()
	return sb.Open(ctx, path)
}

// Load opens the module at path, initialises it and validates the infos it
// reports for a broadcast GetInfo.
func (l *Loader) Load(ctx context.Context, path string) (*boundary.Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", abs, errspkg.ErrPathNotFound)
		}
		return nil, fmt.Errorf("load %s: %w", abs, err)
	}

	if err := l.reserve(abs); err != nil {
		return nil, fmt.Errorf("load %s: %w", abs, err)
	}
	defer l.release(abs)

	ext := strings.ToLower(filepath.Ext(abs))
	var caller boundary.Caller
	switch ext {
	case "":
		return nil, fmt.Errorf("load %s: %w", abs, errspkg.ErrUnknownExtension)
	case SandboxedExtension:
		caller, err = l.openSandboxed(ctx, abs)
	default:
		caller, err = l.openNative(abs)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", abs, err)
	}

	h, err := l.initialise(ctx, abs, caller)
	if err != nil {
		l.closeFailed(ctx, caller, err)
		return nil, fmt.Errorf("load %s: %w", abs, err)
	}

	l.mu.Lock()
	l.loaded[abs] = h
	l.mu.Unlock()

	l.log.Info("module loaded", logging.LogFields{
		"path":    abs,
		"kind":    caller.Kind(),
		"schemas": schemaList(h.Info()),
	})
	return h, nil
}

// reserve claims path for one in-flight load.
func (l *Loader) reserve(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.loaded[path]; ok {
		return errspkg.ErrAlreadyLoaded
	}
	if _, ok := l.pending[path]; ok {
		return errspkg.ErrAlreadyLoaded
	}
	l.pending[path] = struct{}{}
	return nil
}

func (l *Loader) release(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, path)
}

// closeFailed closes a module whose load failed. After a timeout the module
// may still be inside its call, so it is closed without waiting.
func (l *Loader) closeFailed(ctx context.Context, caller boundary.Caller, cause error) {
	if errors.Is(cause, errspkg.ErrCallTimeout) {
		go func() { _ = caller.Close(context.WithoutCancel(ctx)) }()
		return
	}
	_ = caller.Close(ctx)
}

func (l *Loader) initialise(ctx context.Context, path string, caller boundary.Caller) (*boundary.Handle, error) {
	native := caller.Kind() == boundary.KindNative
	l.mu.Lock()
	_, ran := l.initialised[path]
	l.mu.Unlock()

	if native && ran {
		l.log.Debug("module already initialised, skipping Init", logging.LogFields{"path": path})
	} else {
		if err := l.bounded(ctx, path, "init", caller.Init); err != nil {
			return nil, fmt.Errorf("init: %w", err)
		}
		if native {
			l.mu.Lock()
			l.initialised[path] = struct{}{}
			l.mu.Unlock()
		}
	}

	h := boundary.NewHandle(path, caller)
	var results []*envelope.Envelope
	err := l.bounded(ctx, path, "get info", func(ctx context.Context) error {
		var err error
		results, err = h.Invoke(ctx, envelope.NewGetInfoRequest(""))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get info: %w", err)
	}
	infos := l.combiner.ModuleInfo(results).Infos
	if err := tree.ValidateInfos(infos, l.version); err != nil {
		return nil, err
	}
	h.SetInfo(infos)
	return h, nil
}

// bounded runs fn under the configured call timeout. The context passed to fn
// is cancelled on expiry, which interrupts sandboxed guests; a native call
// cannot be interrupted and is abandoned.
func (l *Loader) bounded(ctx context.Context, path, op string, fn func(context.Context) error) error {
	if l.timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s of %s after %s: %v", errspkg.ErrCallTimeout, op, path, l.timeout, err)
		}
		return err
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		l.log.Warn("Abandoning module call after timeout", logging.LogFields{
			"path":    path,
			"call":    op,
			"timeout": l.timeout.String(),
		})
		return fmt.Errorf("%w: %s of %s after %s", errspkg.ErrCallTimeout, op, path, l.timeout)
	}
}

// LoadInto loads path and registers it into node. A handle whose
// registration fails is closed and forgotten.
func (l *Loader) LoadInto(ctx context.Context, node *tree.Node, path string) (*boundary.Handle, error) {
	if node == nil {
		return nil, errspkg.ErrNodeRequired
	}
	h, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := node.Register(h); err != nil {
		l.forget(h.Path())
		_ = h.Close(ctx)
		return nil, fmt.Errorf("register %s: %w", h.Path(), err)
	}
	return h, nil
}

// Unload removes h from node, closes it and forgets its path.
func (l *Loader) Unload(ctx context.Context, node *tree.Node, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	h, ok := l.loaded[abs]
	delete(l.loaded, abs)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unload %s: %w", abs, errspkg.ErrPathNotFound)
	}
	if node != nil {
		node.Unregister(h)
	}
	return h.Close(ctx)
}

// Reload replaces a loaded sandboxed module with the current file contents.
// Native modules cannot be replaced in a running process.
func (l *Loader) Reload(ctx context.Context, node *tree.Node, path string) (*boundary.Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	old, ok := l.loaded[abs]
	l.mu.Unlock()

	if !ok {
		return l.LoadInto(ctx, node, abs)
	}
	if old.Kind() != boundary.KindSandboxed {
		return nil, fmt.Errorf("reload %s: %w", abs, errspkg.ErrAlreadyLoaded)
	}
	if err := l.Unload(ctx, node, abs); err != nil {
		l.log.Warn("closing replaced module failed", logging.LogFields{"path": abs, "error": err.Error()})
	}
	return l.LoadInto(ctx, node, abs)
}

// Loaded lists the loaded paths in sorted order.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	paths := make([]string, 0, len(l.loaded))
	for p := range l.loaded {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// IsLoaded reports whether path is loaded.
func (l *Loader) IsLoaded(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[abs]
	return ok
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.loaded, path)
}

// Close shuts down the wasm runtime, if one was started. Handles are closed
// by the tree that owns them.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	sb := l.sandbox
	l.sandbox = nil
	l.mu.Unlock()
	if sb == nil {
		return nil
	}
	return sb.Close(ctx)
}

func schemaList(infos []envelope.ModuleInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = string(info.Schema)
	}
	return out
}

package boundary

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	"github.com/zutils/protocols/internal/runtime/logging"
)

// Guest and host function names of the sandboxed module ABI.
const (
	HostModule       = "env"
	HostGetArgData   = "get_arg_data"
	HostReturnData   = "return_data"
	GuestInit        = "init"
	GuestHandle      = "handle_request_ffi_wasm"
	GuestMemory      = "memory"
	guestInitializer = "_initialize"
)

// SandboxConfig tunes the shared wasm runtime.
type SandboxConfig struct {
	// MemoryLimitPages caps each guest's memory in 64KiB pages. Zero keeps
	// the wazero default.
	MemoryLimitPages uint32
	Logger           logging.ServiceLogger
}

// memory is the part of api.Memory the host functions use.
type memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

type callTokenKey struct{}

func withCallToken(ctx context.Context, token uint64) context.Context {
	return context.WithValue(ctx, callTokenKey{}, token)
}

func callToken(ctx context.Context) uint64 {
	token, _ := ctx.Value(callTokenKey{}).(uint64)
	return token
}

// Sandbox is the wasm runtime shared by every sandboxed module it opens. It
// owns the argument and return rendezvous tables used by the host functions.
type Sandbox struct {
	runtime wazero.Runtime
	log     logging.ServiceLogger

	args    *rendezvous
	returns *rendezvous
	tokens  atomic.Uint64
	names   atomic.Uint64

	closeOnce sync.Once
}

// NewSandbox builds the runtime, instantiates WASI and the host module. Guests
// are interrupted when the context of their call is done.
func NewSandbox(ctx context.Context, cfg SandboxConfig) (*Sandbox, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	s := &Sandbox{
		runtime: wazero.NewRuntimeWithConfig(ctx, rc),
		log:     log.With(logging.LogFields{"boundary": KindSandboxed}),
		args:    newRendezvous(),
		returns: newRendezvous(),
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, s.runtime); err != nil {
		_ = s.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	_, err := s.runtime.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32, id int32) {
			s.getArgData(ctx, m.Memory(), ptr, length, id)
		}).
		Export(HostGetArgData).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32, id int32) {
			s.returnData(ctx, m.Memory(), ptr, length, id)
		}).
		Export(HostReturnData).
		Instantiate(ctx)
	if err != nil {
		_ = s.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return s, nil
}

// getArgData copies the argument stored under id into guest memory. A length
// that differs from the stored argument writes nothing.
func (s *Sandbox) getArgData(ctx context.Context, mem memory, ptr, length uint32, id int32) {
	data, err := s.args.take(callToken(ctx), id)
	if err != nil {
		s.log.Warn("guest requested an unavailable argument", logging.LogFields{"id": id, "error": err.Error()})
		return
	}
	if uint32(len(data)) != length {
		s.log.Warn("guest argument length mismatch", logging.LogFields{
			"id":       id,
			"expected": len(data),
			"got":      length,
		})
		return
	}
	if mem == nil || !mem.Write(ptr, data) {
		s.log.Warn("guest argument buffer out of range", logging.LogFields{"id": id, "ptr": ptr, "len": length})
	}
}

// returnData copies a result out of guest memory and stores it under id.
// Reusing a live identifier is ignored.
func (s *Sandbox) returnData(ctx context.Context, mem memory, ptr, length uint32, id int32) {
	if mem == nil {
		s.log.Warn("guest has no memory to return data from", logging.LogFields{"id": id})
		return
	}
	view, ok := mem.Read(ptr, length)
	if !ok {
		s.log.Warn("guest return buffer out of range", logging.LogFields{"id": id, "ptr": ptr, "len": length})
		return
	}
	data := make([]byte, len(view))
	copy(data, view)

	if err := s.returns.put(callToken(ctx), id, data); err != nil {
		s.log.Warn("guest reused a live return identifier", logging.LogFields{"id": id, "error": err.Error()})
	}
}

// Open compiles and instantiates the wasm module at path.
func (s *Sandbox) Open(ctx context.Context, path string) (*SandboxModule, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sandboxed module %s: %w", path, err)
	}
	compiled, err := s.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("compile sandboxed module %s: %w", path, err)
	}

	name := fmt.Sprintf("%s#%d", filepath.Base(path), s.names.Add(1))
	mod, err := s.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(name).WithStartFunctions(guestInitializer))
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("instantiate sandboxed module %s: %w", path, err)
	}

	sm := &SandboxModule{sandbox: s, path: path, module: mod, compiled: compiled}
	if sm.handle, err = exported(mod, path, GuestHandle); err != nil {
		_ = sm.Close(ctx)
		return nil, err
	}
	if sm.init, err = exported(mod, path, GuestInit); err != nil {
		_ = sm.Close(ctx)
		return nil, err
	}
	if mod.Memory() == nil {
		_ = sm.Close(ctx)
		return nil, fmt.Errorf("%s: %w: %s", path, errspkg.ErrMissingSymbol, GuestMemory)
	}
	return sm, nil
}

func exported(mod api.Module, path, name string) (api.Function, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("%s: %w: %s", path, errspkg.ErrMissingSymbol, name)
	}
	return fn, nil
}

// Close closes the runtime and every module it instantiated.
func (s *Sandbox) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() { err = s.runtime.Close(ctx) })
	return err
}

// guestFunction is the part of api.Function a call uses.
type guestFunction interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// SandboxModule is one instantiated guest. Calls into it are serialized.
type SandboxModule struct {
	sandbox  *Sandbox
	path     string
	module   api.Module
	compiled wazero.CompiledModule
	init     guestFunction
	handle   guestFunction

	mu     sync.Mutex
	closed bool
}

func (m *SandboxModule) Kind() string { return KindSandboxed }

func (m *SandboxModule) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errspkg.ErrModuleClosed
	}
	if _, err := m.init.Call(ctx); err != nil {
		return fmt.Errorf("init %s: %w", m.path, err)
	}
	return nil
}

// Call hands in to the guest through the argument table and collects the
// result it stored in the return table. Every table entry created during the
// call is removed before Call returns.
func (m *SandboxModule) Call(ctx context.Context, in []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errspkg.ErrModuleClosed
	}
	return m.sandbox.call(ctx, m.handle, in)
}

func (s *Sandbox) call(ctx context.Context, fn guestFunction, in []byte) ([]byte, error) {
	owner := s.tokens.Add(1)
	ctx = withCallToken(ctx, owner)
	defer s.args.release(owner)
	defer s.returns.release(owner)

	argID := s.args.insert(owner, in)
	res, err := fn.Call(ctx, api.EncodeI32(argID), api.EncodeI32(int32(len(in))))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", errspkg.ErrCallTimeout, errors.Join(ctxErr, err))
		}
		return nil, fmt.Errorf("call %s: %w", GuestHandle, err)
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("call %s: %w: returned %d values", GuestHandle, errspkg.ErrBadSymbol, len(res))
	}

	out, err := s.returns.take(owner, api.DecodeI32(res[0]))
	if err != nil {
		return nil, fmt.Errorf("collect result of %s: %w", GuestHandle, err)
	}
	return out, nil
}

// Close closes the guest instance and its compiled code.
func (m *SandboxModule) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return errors.Join(m.module.Close(ctx), m.compiled.Close(ctx))
}

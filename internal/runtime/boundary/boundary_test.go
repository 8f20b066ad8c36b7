package boundary

import (
	"context"
	"errors"
	"plugin"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
)

type fakeCaller struct {
	out    []byte
	err    error
	in     []byte
	closed bool
}

func (f *fakeCaller) Init(context.Context) error { return nil }
func (f *fakeCaller) Kind() string               { return "fake" }
func (f *fakeCaller) Close(context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeCaller) Call(_ context.Context, in []byte) ([]byte, error) {
	f.in = in
	return f.out, f.err
}

func TestHandleEncodesAndDecodes(t *testing.T) {
	results := []*envelope.Envelope{envelope.NewResult(&envelope.VecModuleInfo{Infos: []envelope.ModuleInfo{{Schema: "test"}}})}
	out, err := envelope.MarshalVec(results)
	require.NoError(t, err)

	caller := &fakeCaller{out: out}
	h := NewHandle("/modules/test.so", caller)
	h.SetInfo([]envelope.ModuleInfo{{Schema: "test"}})

	got, err := h.Invoke(context.Background(), envelope.NewGetInfoRequest("test"))
	require.NoError(t, err)
	assert.Equal(t, results, got)

	sent, err := envelope.Unmarshal(caller.in)
	require.NoError(t, err)
	assert.Equal(t, envelope.GetInfo, sent.RequestType)

	assert.Equal(t, "fake", h.Kind())
	assert.Equal(t, "/modules/test.so", h.Path())
	assert.Equal(t, envelope.Schema("test"), h.Info()[0].Schema)

	require.NoError(t, h.Close(context.Background()))
	assert.True(t, caller.closed)
}

func TestHandleDecodeFailureIsError(t *testing.T) {
	h := NewHandle("bad.so", &fakeCaller{out: []byte{0xff, 0xff}})
	_, err := h.Invoke(context.Background(), envelope.NewGetInfoRequest(""))
	require.ErrorIs(t, err, errspkg.ErrDecode)
	assert.Contains(t, err.Error(), "bad.so")
}

func TestHandleCallErrorPassesThrough(t *testing.T) {
	boom := errors.New("boom")
	h := NewHandle("x.so", &fakeCaller{err: boom})
	_, err := h.Invoke(context.Background(), envelope.NewGetInfoRequest(""))
	assert.ErrorIs(t, err, boom)
}

type symbols map[string]plugin.Symbol

func (s symbols) Lookup(name string) (plugin.Symbol, error) {
	sym, ok := s[name]
	if !ok {
		return nil, errors.New("symbol " + name + " not found")
	}
	return sym, nil
}

func TestNativeResolvesTypedSymbols(t *testing.T) {
	var inits int
	propagate := func(in []byte) []byte { return append([]byte("echo:"), in...) }

	n, err := NewNative("echo.so", symbols{
		SymbolInit:      func() { inits++ },
		SymbolPropagate: &propagate,
	})
	require.NoError(t, err)
	assert.Equal(t, KindNative, n.Kind())

	require.NoError(t, n.Init(context.Background()))
	assert.Equal(t, 1, inits)

	out, err := n.Call(context.Background(), []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:hi"), out)
}

func TestNativeMissingAndBadSymbols(t *testing.T) {
	_, err := NewNative("a.so", symbols{SymbolInit: func() {}})
	require.ErrorIs(t, err, errspkg.ErrMissingSymbol)
	assert.Contains(t, err.Error(), SymbolPropagate)

	_, err = NewNative("b.so", symbols{
		SymbolInit:      func() {},
		SymbolPropagate: func(string) string { return "" },
	})
	require.ErrorIs(t, err, errspkg.ErrBadSymbol)
	assert.Contains(t, err.Error(), "b.so")

	_, err = NewNative("c.so", symbols{SymbolInit: 42, SymbolPropagate: func([]byte) []byte { return nil }})
	assert.ErrorIs(t, err, errspkg.ErrBadSymbol)
}

func TestNativeRecoversPanics(t *testing.T) {
	n, err := NewNative("panic.so", symbols{
		SymbolInit:      func() {},
		SymbolPropagate: func([]byte) []byte { panic("kaboom") },
	})
	require.NoError(t, err)

	_, err = n.Call(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestNativeClosedAndCancelled(t *testing.T) {
	n, err := NewNative("x.so", symbols{SymbolInit: func() {}, SymbolPropagate: func(b []byte) []byte { return b }})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = n.Call(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, n.Close(context.Background()))
	_, err = n.Call(context.Background(), nil)
	assert.ErrorIs(t, err, errspkg.ErrModuleClosed)
}

func TestOpenNativeWrapsOpenError(t *testing.T) {
	orig := OpenPlugin
	t.Cleanup(func() { OpenPlugin = orig })
	OpenPlugin = func(string) (SymbolTable, error) { return nil, errors.New("not a plugin") }

	_, err := OpenNative("/tmp/x.so")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/tmp/x.so")
}

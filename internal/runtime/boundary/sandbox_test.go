package boundary

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	"github.com/zutils/protocols/internal/runtime/logging"
)

type fakeMemory struct {
	buf []byte
}

func newFakeMemory() *fakeMemory { return &fakeMemory{buf: make([]byte, 4096)} }

func (m *fakeMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset:end], true
}

func (m *fakeMemory) Write(offset uint32, v []byte) bool {
	end := uint64(offset) + uint64(len(v))
	if end > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

// guestFunc simulates handle_request_ffi_wasm against a fake memory.
type guestFunc func(ctx context.Context, argID int32, length uint32) ([]uint64, error)

func (g guestFunc) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return g(ctx, api.DecodeI32(params[0]), api.DecodeU32(params[1]))
}

func newTestSandbox() (*Sandbox, *logging.Recorder) {
	rec := logging.NewRecorder()
	return &Sandbox{log: rec, args: newRendezvous(), returns: newRendezvous()}, rec
}

// upperGuest reads its argument, upper-cases it and returns it under retID.
func upperGuest(s *Sandbox, mem *fakeMemory, retID int32) guestFunc {
	return func(ctx context.Context, argID int32, length uint32) ([]uint64, error) {
		s.getArgData(ctx, mem, 0, length, argID)
		in, _ := mem.Read(0, length)
		out := make([]byte, len(in))
		for i, b := range in {
			if b >= 'a' && b <= 'z' {
				b -= 'a' - 'A'
			}
			out[i] = b
		}
		mem.Write(2048, out)
		s.returnData(ctx, mem, 2048, uint32(len(out)), retID)
		return []uint64{api.EncodeI32(retID)}, nil
	}
}

func TestSandboxCallRoundTrip(t *testing.T) {
	s, _ := newTestSandbox()
	mem := newFakeMemory()

	out, err := s.call(context.Background(), upperGuest(s, mem, 77), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO"), out)

	// The result must be a copy, not a view of guest memory.
	mem.Write(2048, []byte("xxxxx"))
	assert.Equal(t, []byte("HELLO"), out)

	assert.Zero(t, s.args.size())
	assert.Zero(t, s.returns.size())
}

func TestSandboxReusedReturnIdentifierIsIgnored(t *testing.T) {
	s, rec := newTestSandbox()
	mem := newFakeMemory()

	guest := guestFunc(func(ctx context.Context, _ int32, _ uint32) ([]uint64, error) {
		mem.Write(0, []byte("first"))
		s.returnData(ctx, mem, 0, 5, 9)
		mem.Write(0, []byte("again"))
		s.returnData(ctx, mem, 0, 5, 9)
		return []uint64{api.EncodeI32(9)}, nil
	})

	out, err := s.call(context.Background(), guest, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), out)
	require.Len(t, rec.Levels("warn"), 1)
	assert.Contains(t, rec.Levels("warn")[0].Fields["error"], errspkg.ErrIdentifierInUse.Error())
}

func TestSandboxRejectsSpoofedReturnIdentifier(t *testing.T) {
	s, _ := newTestSandbox()
	require.NoError(t, s.returns.put(999, 5, []byte("someone else's result")))

	guest := guestFunc(func(context.Context, int32, uint32) ([]uint64, error) {
		return []uint64{api.EncodeI32(5)}, nil
	})

	_, err := s.call(context.Background(), guest, []byte("x"))
	require.ErrorIs(t, err, errspkg.ErrForeignIdentifier)

	// The other call's entry survives; this call's argument is gone.
	assert.Equal(t, 1, s.returns.size())
	assert.Zero(t, s.args.size())
}

func TestSandboxUnknownReturnIdentifier(t *testing.T) {
	s, _ := newTestSandbox()
	guest := guestFunc(func(context.Context, int32, uint32) ([]uint64, error) {
		return []uint64{api.EncodeI32(1234)}, nil
	})
	_, err := s.call(context.Background(), guest, nil)
	assert.ErrorIs(t, err, errspkg.ErrIdentifierNotFound)
}

func TestSandboxLengthMismatchWritesNothing(t *testing.T) {
	s, rec := newTestSandbox()
	mem := newFakeMemory()
	var seen []byte

	guest := guestFunc(func(ctx context.Context, argID int32, length uint32) ([]uint64, error) {
		s.getArgData(ctx, mem, 0, length+1, argID)
		seen, _ = mem.Read(0, length)
		seen = append([]byte(nil), seen...)
		s.returnData(ctx, mem, 0, 0, 3)
		return []uint64{api.EncodeI32(3)}, nil
	})

	_, err := s.call(context.Background(), guest, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0}, seen)
	require.NotEmpty(t, rec.Levels("warn"))
	assert.Equal(t, "guest argument length mismatch", rec.Levels("warn")[0].Msg)
	assert.Zero(t, s.args.size(), "argument removed after the call")
}

func TestSandboxCleansUpOnGuestError(t *testing.T) {
	s, _ := newTestSandbox()
	mem := newFakeMemory()

	guest := guestFunc(func(ctx context.Context, _ int32, _ uint32) ([]uint64, error) {
		s.returnData(ctx, mem, 0, 4, 11)
		return nil, errors.New("trap")
	})

	_, err := s.call(context.Background(), guest, []byte("payload"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trap")
	assert.Zero(t, s.args.size())
	assert.Zero(t, s.returns.size())
}

func TestSandboxCancelledCallIsTimeout(t *testing.T) {
	s, _ := newTestSandbox()
	ctx, cancel := context.WithCancel(context.Background())

	guest := guestFunc(func(context.Context, int32, uint32) ([]uint64, error) {
		cancel()
		return nil, errors.New("module closed with context canceled")
	})

	_, err := s.call(ctx, guest, nil)
	assert.ErrorIs(t, err, errspkg.ErrCallTimeout)
}

func TestSandboxArgumentOnlyReadableByItsCall(t *testing.T) {
	s, rec := newTestSandbox()
	mem := newFakeMemory()
	foreignID := s.args.insert(42, []byte("secret"))

	guest := guestFunc(func(ctx context.Context, _ int32, _ uint32) ([]uint64, error) {
		s.getArgData(ctx, mem, 0, 6, foreignID)
		s.returnData(ctx, mem, 0, 6, 1)
		return []uint64{api.EncodeI32(1)}, nil
	})

	out, err := s.call(context.Background(), guest, nil)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 6), out)
	assert.Equal(t, "guest requested an unavailable argument", rec.Levels("warn")[0].Msg)
}

func TestRendezvousInsertSkipsCollisions(t *testing.T) {
	r := newRendezvous()
	ids := []int32{7, 7, 8}
	r.nextID = func() int32 {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	assert.Equal(t, int32(7), r.insert(1, []byte("a")))
	assert.Equal(t, int32(8), r.insert(1, []byte("b")))

	r.release(1)
	assert.Zero(t, r.size())
}

func TestRendezvousTakeIsSingleUse(t *testing.T) {
	r := newRendezvous()
	require.NoError(t, r.put(1, 3, []byte("x")))

	got, err := r.take(1, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)

	_, err = r.take(1, 3)
	assert.ErrorIs(t, err, errspkg.ErrIdentifierNotFound)
}

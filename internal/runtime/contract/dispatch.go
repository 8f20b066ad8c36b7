package contract

import (
	"context"
	"fmt"

	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
)

// Dispatch runs the operation env asks for and wraps its output in a result
// envelope. None and unknown request types return
// errors.ErrUnsupportedRequestType.
func Dispatch(ctx context.Context, m Module, env *envelope.Envelope) ([]*envelope.Envelope, error) {
	if env == nil {
		return nil, errspkg.ErrEnvelopeRequired
	}

	var (
		out envelope.Payload
		err error
	)
	switch env.RequestType {
	case envelope.GetInfo:
		p, ok := env.Payload.(*envelope.Destination)
		if !ok {
			return nil, mismatch(env)
		}
		r, e := m.GetInfo(ctx, p)
		out, err = nonNil(r, e)
	case envelope.GenerateMessage:
		p, ok := env.Payload.(*envelope.GenerateMessageInfo)
		if !ok {
			return nil, mismatch(env)
		}
		r, e := m.GenerateMessage(ctx, p)
		out, err = nonNil(r, e)
	case envelope.HandleTrusted:
		p, ok := env.Payload.(*envelope.Data)
		if !ok {
			return nil, mismatch(env)
		}
		r, e := m.HandleTrusted(ctx, p)
		out, err = nonNil(r, e)
	case envelope.ReceiveRPCAsClient, envelope.ReceiveRPCAsServer, envelope.ReceivePublicRPC:
		p, ok := env.Payload.(*envelope.RpcData)
		if !ok {
			return nil, mismatch(env)
		}
		r, e := rpcOperation(m, env.RequestType)(ctx, p)
		out, err = nonNil(r, e)
	default:
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnsupportedRequestType, env.RequestType)
	}
	if err != nil {
		return nil, err
	}
	return []*envelope.Envelope{envelope.NewResult(out)}, nil
}

func rpcOperation(m Module, rt envelope.RequestType) func(context.Context, *envelope.RpcData) (*envelope.VecRpcData, error) {
	switch rt {
	case envelope.ReceiveRPCAsClient:
		return m.ReceiveRPCAsClient
	case envelope.ReceiveRPCAsServer:
		return m.ReceiveRPCAsServer
	default:
		return m.ReceivePublicRPC
	}
}

// nonNil substitutes an empty value for a nil result so every successful
// operation yields exactly one result envelope.
func nonNil[T any, P interface {
	*T
	envelope.Payload
}](p P, err error) (envelope.Payload, error) {
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = new(T)
	}
	return p, nil
}

func mismatch(env *envelope.Envelope) error {
	return fmt.Errorf("%w: %s request carries %T", errspkg.ErrDecode, env.RequestType, env.Payload)
}

// Package contract defines the operations every handler module implements and
// the single place where an envelope's request type selects one of them.
package contract

import (
	"context"
	"fmt"

	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
)

// Module is the set of operations a handler module serves for its schemas.
type Module interface {
	GetInfo(ctx context.Context, dest *envelope.Destination) (*envelope.VecModuleInfo, error)
	GenerateMessage(ctx context.Context, info *envelope.GenerateMessageInfo) (*envelope.Data, error)
	HandleTrusted(ctx context.Context, data *envelope.Data) (*envelope.VecData, error)
	ReceiveRPCAsClient(ctx context.Context, rpc *envelope.RpcData) (*envelope.VecRpcData, error)
	ReceiveRPCAsServer(ctx context.Context, rpc *envelope.RpcData) (*envelope.VecRpcData, error)
	ReceivePublicRPC(ctx context.Context, rpc *envelope.RpcData) (*envelope.VecRpcData, error)
}

// Base answers every operation as unsupported. Embed it and override the
// operations a module serves.
type Base struct{}

func (Base) GetInfo(context.Context, *envelope.Destination) (*envelope.VecModuleInfo, error) {
	return nil, unsupported("GetInfo")
}

func (Base) GenerateMessage(context.Context, *envelope.GenerateMessageInfo) (*envelope.Data, error) {
	return nil, unsupported("GenerateMessage")
}

func (Base) HandleTrusted(context.Context, *envelope.Data) (*envelope.VecData, error) {
	return nil, unsupported("HandleTrusted")
}

func (Base) ReceiveRPCAsClient(context.Context, *envelope.RpcData) (*envelope.VecRpcData, error) {
	return nil, unsupported("ReceiveRPCAsClient")
}

func (Base) ReceiveRPCAsServer(context.Context, *envelope.RpcData) (*envelope.VecRpcData, error) {
	return nil, unsupported("ReceiveRPCAsServer")
}

func (Base) ReceivePublicRPC(context.Context, *envelope.RpcData) (*envelope.VecRpcData, error) {
	return nil, unsupported("ReceivePublicRPC")
}

func unsupported(op string) error {
	return fmt.Errorf("%s: %w", op, errspkg.ErrUnsupportedOperation)
}

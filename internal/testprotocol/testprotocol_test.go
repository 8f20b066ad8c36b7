package testprotocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zutils/protocols/internal/runtime/contract"
	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
)

func TestGenerateAndHandle(t *testing.T) {
	ctx := context.Background()
	m := New()

	data, err := m.GenerateMessage(ctx, &envelope.GenerateMessageInfo{
		Schema: Schema, Template: Template, Args: [][]byte{[]byte("alice"), []byte("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, Schema, data.Schema)

	out, err := m.HandleTrusted(ctx, data)
	require.NoError(t, err)
	assert.Empty(t, out.Items)
	assert.Equal(t, []Test{{Name: "alice", Data: "hello"}}, m.Received())
}

func TestGenerateRejectsUnknownTemplateAndShortArgs(t *testing.T) {
	m := New()
	_, err := m.GenerateMessage(context.Background(), &envelope.GenerateMessageInfo{Schema: Schema, Template: "Root"})
	require.ErrorIs(t, err, errspkg.ErrUnknownTemplate)
	assert.Contains(t, err.Error(), "[Test]")

	_, err = m.GenerateMessage(context.Background(), &envelope.GenerateMessageInfo{Schema: Schema, Template: Template, Args: [][]byte{[]byte("only")}})
	assert.ErrorContains(t, err, "needs name and data")

	_, err = m.GenerateMessage(context.Background(), &envelope.GenerateMessageInfo{Schema: Schema, Template: Template, Args: [][]byte{{0xff}, []byte("x")}})
	assert.ErrorContains(t, err, "not valid UTF-8")
}

func TestRPCMethodsRouteByKind(t *testing.T) {
	ctx := context.Background()
	m := New()
	arg, err := contract.EncodeArg(Test{Name: "n", Data: "d"})
	require.NoError(t, err)

	_, err = m.ReceiveRPCAsClient(ctx, &envelope.RpcData{MethodName: ClientMethod, Schema: Schema, Arg: arg})
	require.NoError(t, err)
	_, err = m.ReceiveRPCAsServer(ctx, &envelope.RpcData{MethodName: ServerMethod, Schema: Schema, Arg: arg})
	require.NoError(t, err)
	out, err := m.ReceivePublicRPC(ctx, &envelope.RpcData{MethodName: PublicMethod, Schema: Schema, Arg: arg})
	require.NoError(t, err)
	assert.Empty(t, out.Items)

	_, err = m.ReceivePublicRPC(ctx, &envelope.RpcData{MethodName: ClientMethod, Schema: Schema, Arg: arg})
	assert.ErrorIs(t, err, errspkg.ErrUnknownMethod)

	assert.Equal(t, []string{"ClientRPC/receive_test", "ServerRPC/receive_test", "PublicRPC/receive_test"}, m.Calls())
}

func TestInfoReportsVersion(t *testing.T) {
	vec, err := NewWithVersion("protocols/0").GetInfo(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, envelope.ModuleInfo{Schema: "test", DisplayName: "Test", ProtocolVersion: "protocols/0"}, vec.Infos[0])
}

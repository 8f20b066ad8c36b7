// Package testprotocol is a small in-process module serving the "test"
// schema. The examples and the router tests use it as a reference module.
package testprotocol

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/zutils/protocols/internal/runtime/contract"
	"github.com/zutils/protocols/internal/runtime/envelope"
)

const (
	Schema      envelope.Schema = "test"
	DisplayName                 = "Test"
	Template                    = "Test"
)

// RPC method names served by the module.
var (
	ClientMethod = contract.MethodName("ClientRPC", "receive_test")
	ServerMethod = contract.MethodName("ServerRPC", "receive_test")
	PublicMethod = contract.MethodName("PublicRPC", "receive_test")
)

// Test is the message of the "test" schema.
type Test struct {
	Name string `cbor:"name"`
	Data string `cbor:"data"`
}

// Encode returns t as a Data payload of the test schema.
func (t Test) Encode() (envelope.Data, error) {
	b, err := contract.EncodeArg(t)
	if err != nil {
		return envelope.Data{}, err
	}
	return envelope.Data{Schema: Schema, Payload: b}, nil
}

// Module serves the test schema.
type Module struct {
	contract.Base

	version   string
	templates *contract.Templates
	client    *contract.RPCMux
	server    *contract.RPCMux
	public    *contract.RPCMux

	mu       sync.Mutex
	received []Test
	calls    []string
}

// New returns a module reporting the current protocol version.
func New() *Module {
	return NewWithVersion(envelope.ProtocolVersion)
}

// NewWithVersion returns a module reporting version, for exercising the
// loader's version gate.
func NewWithVersion(version string) *Module {
	m := &Module{
		version:   version,
		templates: contract.NewTemplates(Schema),
	}
	m.templates.Register(Template, generateTest)
	m.client = contract.HandleTyped(contract.NewRPCMux(), ClientMethod, m.receiveTest(ClientMethod))
	m.server = contract.HandleTyped(contract.NewRPCMux(), ServerMethod, m.receiveTest(ServerMethod))
	m.public = contract.HandleTyped(contract.NewRPCMux(), PublicMethod, m.receiveTest(PublicMethod))
	return m
}

func generateTest(_ context.Context, args [][]byte) ([]byte, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("template %s needs name and data, got %d arguments", Template, len(args))
	}
	for i, arg := range args[:2] {
		if !utf8.Valid(arg) {
			return nil, fmt.Errorf("template %s: argument %d is not valid UTF-8", Template, i)
		}
	}
	return contract.EncodeArg(Test{Name: string(args[0]), Data: string(args[1])})
}

func (m *Module) receiveTest(method string) func(context.Context, Test) (*envelope.VecRpcData, error) {
	return func(_ context.Context, t Test) (*envelope.VecRpcData, error) {
		m.mu.Lock()
		m.calls = append(m.calls, method)
		m.received = append(m.received, t)
		m.mu.Unlock()
		return &envelope.VecRpcData{}, nil
	}
}

func (m *Module) GetInfo(context.Context, *envelope.Destination) (*envelope.VecModuleInfo, error) {
	return &envelope.VecModuleInfo{Infos: []envelope.ModuleInfo{{
		Schema:          Schema,
		DisplayName:     DisplayName,
		ProtocolVersion: m.version,
	}}}, nil
}

func (m *Module) GenerateMessage(ctx context.Context, info *envelope.GenerateMessageInfo) (*envelope.Data, error) {
	return m.templates.Generate(ctx, info)
}

// HandleTrusted records the decoded message and produces no follow-ups.
func (m *Module) HandleTrusted(_ context.Context, data *envelope.Data) (*envelope.VecData, error) {
	var t Test
	if err := contract.DecodeArg(data.Payload, &t); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.received = append(m.received, t)
	m.mu.Unlock()
	return &envelope.VecData{}, nil
}

func (m *Module) ReceiveRPCAsClient(ctx context.Context, rpc *envelope.RpcData) (*envelope.VecRpcData, error) {
	return m.client.Serve(ctx, rpc)
}

func (m *Module) ReceiveRPCAsServer(ctx context.Context, rpc *envelope.RpcData) (*envelope.VecRpcData, error) {
	return m.server.Serve(ctx, rpc)
}

func (m *Module) ReceivePublicRPC(ctx context.Context, rpc *envelope.RpcData) (*envelope.VecRpcData, error) {
	return m.public.Serve(ctx, rpc)
}

// Received returns every Test message delivered so far.
func (m *Module) Received() []Test {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Test(nil), m.received...)
}

// Calls returns the RPC methods invoked so far.
func (m *Module) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

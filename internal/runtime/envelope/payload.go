package envelope

import "google.golang.org/protobuf/encoding/protowire"

// Payload is one of the envelope payload variants. The set is closed.
type Payload interface {
	payloadField() protowire.Number
}

// Payload oneof field numbers inside the DataType message.
const (
	fieldDestination         protowire.Number = 1
	fieldGenerateMessageInfo protowire.Number = 2
	fieldData                protowire.Number = 3
	fieldRPCData             protowire.Number = 4
	fieldError               protowire.Number = 5
	fieldVecModuleInfo       protowire.Number = 6
	fieldVecData             protowire.Number = 7
	fieldVecRPCData          protowire.Number = 8
)

// Destination addresses a request that carries nothing but a schema.
type Destination struct {
	Schema Schema
}

// GenerateMessageInfo asks a module to build a message from a named template.
type GenerateMessageInfo struct {
	Schema   Schema
	Template string
	Args     [][]byte
}

// Data is an encoded message together with the schema it was encoded with.
type Data struct {
	Schema  Schema
	Payload []byte
}

// RpcData carries one RPC call. MethodName is "<Service>/<method>".
type RpcData struct {
	MethodName string
	Schema     Schema
	Arg        []byte
}

// Error reports a failure as a value.
type Error struct {
	Message string
}

// ModuleInfo describes one schema a module serves.
type ModuleInfo struct {
	Schema          Schema
	DisplayName     string
	ProtocolVersion string
}

type VecModuleInfo struct {
	Infos []ModuleInfo
}

type VecData struct {
	Items []Data
}

type VecRpcData struct {
	Items []RpcData
}

func (*Destination) payloadField() protowire.Number         { return fieldDestination }
func (*GenerateMessageInfo) payloadField() protowire.Number { return fieldGenerateMessageInfo }
func (*Data) payloadField() protowire.Number                { return fieldData }
func (*RpcData) payloadField() protowire.Number             { return fieldRPCData }
func (*Error) payloadField() protowire.Number               { return fieldError }
func (*VecModuleInfo) payloadField() protowire.Number       { return fieldVecModuleInfo }
func (*VecData) payloadField() protowire.Number             { return fieldVecData }
func (*VecRpcData) payloadField() protowire.Number          { return fieldVecRPCData }

// expectedPayload maps each known request type onto the payload field it
// must carry. None is handled separately.
var expectedPayload = map[RequestType]protowire.Number{
	GetInfo:            fieldDestination,
	GenerateMessage:    fieldGenerateMessageInfo,
	HandleTrusted:      fieldData,
	ReceiveRPCAsClient: fieldRPCData,
	ReceiveRPCAsServer: fieldRPCData,
	ReceivePublicRPC:   fieldRPCData,
}

func isResultField(n protowire.Number) bool {
	switch n {
	case fieldData, fieldError, fieldVecModuleInfo, fieldVecData, fieldVecRPCData:
		return true
	}
	return false
}

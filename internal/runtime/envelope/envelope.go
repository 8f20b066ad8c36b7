// Package envelope defines the schema-addressed message envelope, its payload
// variants and the binary wire format shared by the host and every module.
package envelope

import "fmt"

// ProtocolVersion is the version tag every module must report in its
// ModuleInfo. Modules reporting anything else are refused at load.
const ProtocolVersion = "protocols/1"

// Schema identifies the schema a payload was encoded with. It is opaque and
// compared by exact equality.
type Schema string

// Ptr returns a pointer to s, for use as an envelope destination.
func (s Schema) Ptr() *Schema { return &s }

// RequestType selects the module operation an envelope asks for.
type RequestType int32

const (
	// None marks a result envelope.
	None RequestType = iota
	GetInfo
	GenerateMessage
	HandleTrusted
	ReceiveRPCAsClient
	ReceiveRPCAsServer
	ReceivePublicRPC
)

var requestTypeNames = map[RequestType]string{
	None:               "None",
	GetInfo:            "GetInfo",
	GenerateMessage:    "GenerateMessage",
	HandleTrusted:      "HandleTrusted",
	ReceiveRPCAsClient: "ReceiveRPCAsClient",
	ReceiveRPCAsServer: "ReceiveRPCAsServer",
	ReceivePublicRPC:   "ReceivePublicRPC",
}

func (r RequestType) String() string {
	if name, ok := requestTypeNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RequestType(%d)", int32(r))
}

// Known reports whether r is one of the request types this version understands.
func (r RequestType) Known() bool {
	_, ok := requestTypeNames[r]
	return ok
}

// Envelope is the unit of routing. A nil Destination broadcasts to every
// module of the tree.
type Envelope struct {
	RequestType RequestType
	Destination *Schema
	Payload     Payload
}

// DestinationString renders the destination for logs and metrics.
func (e *Envelope) DestinationString() string {
	if e == nil || e.Destination == nil {
		return "*"
	}
	return string(*e.Destination)
}

// Matches reports whether a module registered under moduleSchema accepts an
// envelope addressed to destination.
func Matches(destination *Schema, moduleSchema Schema) bool {
	return destination == nil || *destination == moduleSchema
}

package envelope

// destinationOf addresses a request at schema. The empty schema broadcasts.
func destinationOf(schema Schema) *Schema {
	if schema == "" {
		return nil
	}
	return schema.Ptr()
}

// NewGetInfoRequest asks modules to describe themselves. An empty schema asks
// every module of the tree.
func NewGetInfoRequest(schema Schema) *Envelope {
	return &Envelope{
		RequestType: GetInfo,
		Destination: destinationOf(schema),
		Payload:     &Destination{Schema: schema},
	}
}

// NewGenerateMessageRequest asks the module serving info.Schema to build a
// message from a template.
func NewGenerateMessageRequest(info GenerateMessageInfo) *Envelope {
	return &Envelope{
		RequestType: GenerateMessage,
		Destination: info.Schema.Ptr(),
		Payload:     &info,
	}
}

// NewHandleTrustedRequest delivers data to the modules serving data.Schema.
func NewHandleTrustedRequest(data Data) *Envelope {
	return &Envelope{
		RequestType: HandleTrusted,
		Destination: data.Schema.Ptr(),
		Payload:     &data,
	}
}

// NewRPCRequest builds one of the three RPC request kinds. It returns nil
// for any other request type.
func NewRPCRequest(rt RequestType, rpc RpcData) *Envelope {
	switch rt {
	case ReceiveRPCAsClient, ReceiveRPCAsServer, ReceivePublicRPC:
	default:
		return nil
	}
	return &Envelope{
		RequestType: rt,
		Destination: rpc.Schema.Ptr(),
		Payload:     &rpc,
	}
}

// NewResult wraps a result payload in a None envelope.
func NewResult(p Payload) *Envelope {
	return &Envelope{RequestType: None, Payload: p}
}

// NewError builds a result envelope carrying an error message.
func NewError(message string) *Envelope {
	return NewResult(&Error{Message: message})
}

// AsError returns the error message of a result envelope.
func AsError(env *Envelope) (string, bool) {
	if env == nil {
		return "", false
	}
	e, ok := env.Payload.(*Error)
	if !ok {
		return "", false
	}
	return e.Message, true
}

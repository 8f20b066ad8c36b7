package envelope

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	errspkg "github.com/zutils/protocols/internal/runtime/errors"
)

// Envelope field numbers.
const (
	fieldRequestType protowire.Number = 1
	fieldDestSchema  protowire.Number = 2
	fieldPayload     protowire.Number = 3
)

// Field number of the repeated element of every collection message.
const fieldRepeated protowire.Number = 1

// Marshal encodes env in protobuf wire format.
func Marshal(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errspkg.ErrEnvelopeRequired
	}
	return appendEnvelope(nil, env)
}

// Unmarshal decodes an envelope. Unknown fields are skipped and unknown
// request types are preserved. A payload that does not agree with the request
// type is an error wrapping errors.ErrDecode.
func Unmarshal(b []byte) (*Envelope, error) {
	env, err := consumeEnvelope(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrDecode, err)
	}
	return env, nil
}

// MarshalVec encodes a result collection (the VecEnvelope message).
func MarshalVec(envs []*Envelope) ([]byte, error) {
	var b []byte
	for i, env := range envs {
		if env == nil {
			return nil, fmt.Errorf("envelope %d: %w", i, errspkg.ErrEnvelopeRequired)
		}
		inner, err := appendEnvelope(nil, env)
		if err != nil {
			return nil, fmt.Errorf("envelope %d: %w", i, err)
		}
		b = protowire.AppendTag(b, fieldRepeated, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b, nil
}

// UnmarshalVec decodes a result collection. An empty input is an empty
// collection.
func UnmarshalVec(b []byte) ([]*Envelope, error) {
	envs := []*Envelope{}
	err := walk(b, func(f field) error {
		if f.num != fieldRepeated {
			return nil
		}
		if err := f.want(protowire.BytesType); err != nil {
			return err
		}
		env, err := consumeEnvelope(f.bytes)
		if err != nil {
			return fmt.Errorf("envelope %d: %w", len(envs), err)
		}
		envs = append(envs, env)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrDecode, err)
	}
	return envs, nil
}

func appendEnvelope(b []byte, env *Envelope) ([]byte, error) {
	if env.RequestType != None {
		b = protowire.AppendTag(b, fieldRequestType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(env.RequestType)))
	}
	if env.Destination != nil {
		b = protowire.AppendTag(b, fieldDestSchema, protowire.BytesType)
		b = protowire.AppendString(b, string(*env.Destination))
	}
	if env.Payload != nil {
		body, err := appendPayload(nil, env.Payload)
		if err != nil {
			return nil, err
		}
		var dataType []byte
		dataType = protowire.AppendTag(dataType, env.Payload.payloadField(), protowire.BytesType)
		dataType = protowire.AppendBytes(dataType, body)

		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, dataType)
	}
	return b, nil
}

func appendPayload(b []byte, p Payload) ([]byte, error) {
	switch v := p.(type) {
	case *Destination:
		b = appendString(b, 1, string(v.Schema))
	case *GenerateMessageInfo:
		b = appendString(b, 1, string(v.Schema))
		b = appendString(b, 2, v.Template)
		for _, arg := range v.Args {
			b = protowire.AppendTag(b, 3, protowire.BytesType)
			b = protowire.AppendBytes(b, arg)
		}
	case *Data:
		b = appendData(b, *v)
	case *RpcData:
		b = appendRPCData(b, *v)
	case *Error:
		b = appendString(b, 1, v.Message)
	case *VecModuleInfo:
		for _, info := range v.Infos {
			var inner []byte
			inner = appendString(inner, 1, string(info.Schema))
			inner = appendString(inner, 2, info.DisplayName)
			inner = appendString(inner, 3, info.ProtocolVersion)
			b = appendMessage(b, fieldRepeated, inner)
		}
	case *VecData:
		for _, d := range v.Items {
			b = appendMessage(b, fieldRepeated, appendData(nil, d))
		}
	case *VecRpcData:
		for _, r := range v.Items {
			b = appendMessage(b, fieldRepeated, appendRPCData(nil, r))
		}
	default:
		return nil, fmt.Errorf("unsupported payload type %T", p)
	}
	return b, nil
}

func appendData(b []byte, d Data) []byte {
	b = appendString(b, 1, string(d.Schema))
	return appendBytes(b, 2, d.Payload)
}

func appendRPCData(b []byte, r RpcData) []byte {
	b = appendString(b, 1, r.MethodName)
	b = appendString(b, 2, string(r.Schema))
	return appendBytes(b, 3, r.Arg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessage(b []byte, num protowire.Number, inner []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

// field is one decoded tag/value pair. bytes aliases the input buffer.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func (f field) want(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("field %d: unexpected wire type %d", f.num, f.typ)
	}
	return nil
}

func (f field) str() string { return string(f.bytes) }

func (f field) copyBytes() []byte {
	out := make([]byte, len(f.bytes))
	copy(out, f.bytes)
	return out
}

func walk(b []byte, visit func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func consumeEnvelope(b []byte) (*Envelope, error) {
	env := &Envelope{}
	var payloadField protowire.Number
	err := walk(b, func(f field) error {
		switch f.num {
		case fieldRequestType:
			if err := f.want(protowire.VarintType); err != nil {
				return err
			}
			env.RequestType = RequestType(int32(f.varint))
		case fieldDestSchema:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			dest := Schema(f.str())
			env.Destination = &dest
		case fieldPayload:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			num, p, err := consumeDataType(f.bytes)
			if err != nil {
				return fmt.Errorf("payload: %w", err)
			}
			if p != nil {
				payloadField, env.Payload = num, p
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := checkPayload(env.RequestType, payloadField, env.Payload); err != nil {
		return nil, err
	}
	return env, nil
}

func checkPayload(rt RequestType, num protowire.Number, p Payload) error {
	if rt == None {
		if p != nil && !isResultField(num) {
			return fmt.Errorf("result envelope carries request payload %T", p)
		}
		return nil
	}
	want, known := expectedPayload[rt]
	if !known {
		return nil
	}
	if p == nil {
		return fmt.Errorf("%s request has no payload", rt)
	}
	if num != want {
		return fmt.Errorf("%s request carries mismatched payload %T", rt, p)
	}
	return nil
}

// consumeDataType decodes the payload oneof. The last variant present wins,
// as in protobuf.
func consumeDataType(b []byte) (protowire.Number, Payload, error) {
	var (
		num protowire.Number
		out Payload
	)
	err := walk(b, func(f field) error {
		if f.num < fieldDestination || f.num > fieldVecRPCData {
			return nil
		}
		if err := f.want(protowire.BytesType); err != nil {
			return err
		}
		p, err := consumePayload(f.num, f.bytes)
		if err != nil {
			return err
		}
		num, out = f.num, p
		return nil
	})
	return num, out, err
}

func consumePayload(num protowire.Number, b []byte) (Payload, error) {
	switch num {
	case fieldDestination:
		d := &Destination{}
		return d, walkStrings(b, map[protowire.Number]func(string){
			1: func(s string) { d.Schema = Schema(s) },
		})
	case fieldGenerateMessageInfo:
		g := &GenerateMessageInfo{}
		err := walk(b, func(f field) error {
			if f.num < 1 || f.num > 3 {
				return nil
			}
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			switch f.num {
			case 1:
				g.Schema = Schema(f.str())
			case 2:
				g.Template = f.str()
			case 3:
				g.Args = append(g.Args, f.copyBytes())
			}
			return nil
		})
		return g, err
	case fieldData:
		d, err := consumeData(b)
		return &d, err
	case fieldRPCData:
		r, err := consumeRPCData(b)
		return &r, err
	case fieldError:
		e := &Error{}
		return e, walkStrings(b, map[protowire.Number]func(string){
			1: func(s string) { e.Message = s },
		})
	case fieldVecModuleInfo:
		v := &VecModuleInfo{}
		return v, walkRepeated(b, func(inner []byte) error {
			var info ModuleInfo
			err := walkStrings(inner, map[protowire.Number]func(string){
				1: func(s string) { info.Schema = Schema(s) },
				2: func(s string) { info.DisplayName = s },
				3: func(s string) { info.ProtocolVersion = s },
			})
			v.Infos = append(v.Infos, info)
			return err
		})
	case fieldVecData:
		v := &VecData{}
		return v, walkRepeated(b, func(inner []byte) error {
			d, err := consumeData(inner)
			v.Items = append(v.Items, d)
			return err
		})
	case fieldVecRPCData:
		v := &VecRpcData{}
		return v, walkRepeated(b, func(inner []byte) error {
			r, err := consumeRPCData(inner)
			v.Items = append(v.Items, r)
			return err
		})
	}
	return nil, fmt.Errorf("unknown payload field %d", num)
}

func consumeData(b []byte) (Data, error) {
	var d Data
	err := walk(b, func(f field) error {
		if f.num != 1 && f.num != 2 {
			return nil
		}
		if err := f.want(protowire.BytesType); err != nil {
			return err
		}
		if f.num == 1 {
			d.Schema = Schema(f.str())
		} else {
			d.Payload = f.copyBytes()
		}
		return nil
	})
	return d, err
}

func consumeRPCData(b []byte) (RpcData, error) {
	var r RpcData
	err := walk(b, func(f field) error {
		if f.num < 1 || f.num > 3 {
			return nil
		}
		if err := f.want(protowire.BytesType); err != nil {
			return err
		}
		switch f.num {
		case 1:
			r.MethodName = f.str()
		case 2:
			r.Schema = Schema(f.str())
		case 3:
			r.Arg = f.copyBytes()
		}
		return nil
	})
	return r, err
}

func walkStrings(b []byte, setters map[protowire.Number]func(string)) error {
	return walk(b, func(f field) error {
		set, ok := setters[f.num]
		if !ok {
			return nil
		}
		if err := f.want(protowire.BytesType); err != nil {
			return err
		}
		set(f.str())
		return nil
	})
}

func walkRepeated(b []byte, each func([]byte) error) error {
	return walk(b, func(f field) error {
		if f.num != fieldRepeated {
			return nil
		}
		if err := f.want(protowire.BytesType); err != nil {
			return err
		}
		return each(f.bytes)
	})
}

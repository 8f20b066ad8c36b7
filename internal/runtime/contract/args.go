package contract

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var argEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("contract: failed to create CBOR enc mode: %v", err))
	}
	argEncMode = em
}

// EncodeArg serializes a typed RPC argument or data payload to canonical CBOR.
func EncodeArg(v any) ([]byte, error) {
	b, err := argEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("contract: encode arg: %w", err)
	}
	return b, nil
}

// DecodeArg deserializes CBOR bytes produced by EncodeArg into v.
func DecodeArg(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("contract: decode arg: %w", err)
	}
	return nil
}

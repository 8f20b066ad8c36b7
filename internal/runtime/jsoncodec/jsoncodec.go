// Package jsoncodec is the JSON codec of the introspection API. Output is
// deterministic: map keys are sorted and nil slices or maps encode as empty
// collections, so a module table with no modules renders as [].
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	NoNullSliceOrMap: true,
	ValidateString:   true,
}.Froze()

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Encode writes v followed by a newline.
func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return api.NewDecoder(r).Decode(v)
}

// Render returns v as compact JSON for log fields, or a placeholder when v
// cannot be encoded.
func Render(v any) string {
	data, err := Marshal(v)
	if err != nil {
		return "<unrenderable>"
	}
	return string(data)
}

// Package json is the codec used across the module. It is backed by
// bytedance/sonic in standard-library compatible mode, so results match
// encoding/json (sorted map keys, HTML escaping) while decoding stays fast.
package json

import (
	stdjson "encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// Marshal returns the JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalIndent returns the indented JSON encoding of v.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Unmarshal parses the JSON-encoded data and stores the result in v.
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid reports whether data is a valid JSON encoding.
func Valid(data []byte) bool {
	return api.Valid(data)
}

// Types shared with encoding/json so values cross package boundaries untouched.
type (
	RawMessage         = stdjson.RawMessage
	Number             = stdjson.Number
	Marshaler          = stdjson.Marshaler
	Unmarshaler        = stdjson.Unmarshaler
	SyntaxError        = stdjson.SyntaxError
	UnmarshalTypeError = stdjson.UnmarshalTypeError
)

// Encoder writes JSON values to an output stream.
type Encoder = sonic.Encoder

// Decoder reads JSON values from an input stream.
type Decoder = sonic.Decoder

// NewEncoder returns an encoder that writes to w.
func NewEncoder(w io.Writer) Encoder {
	return api.NewEncoder(w)
}

// NewDecoder returns a decoder that reads from r.
func NewDecoder(r io.Reader) Decoder {
	return api.NewDecoder(r)
}

// MustMarshal is Marshal for values that are known to encode, such as
// plain structs built in code. It panics on failure.
func MustMarshal(v any) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic("json: " + err.Error())
	}
	return data
}

package entity

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
)

// Codec (de)serializes an entity to and from its wire form. The stored
// blob must round-trip id, version, etag and all application fields
// unchanged; JSON is the default, pluggable for binary alternatives.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec is the default wire encoding: camelCase JSON with field order
// following the struct definition (encoding/json preserves it).
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// GobCodec is the pluggable binary alternative named in spec.md §6.
// It preserves the same fields as JSONCodec; callers must register
// concrete types with gob.Register when storing interface-typed fields.
type GobCodec struct{}

func (GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// DefaultCodec is used by backends that accept no explicit Codec option.
var DefaultCodec Codec = JSONCodec{}

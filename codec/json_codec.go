package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json. Human-readable, easy to inspect with a packet dump,
// at the cost of repeated field names in every frame.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

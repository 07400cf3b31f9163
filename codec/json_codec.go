package codec

import (
	"encoding/json"

	"sockrpc/message"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// It is the default: human-readable and easy to inspect on the wire.
type JSONCodec struct{}

func (c *JSONCodec) Encode(p *message.Payload) ([]byte, error) {
	return json.Marshal(p)
}

func (c *JSONCodec) Decode(data []byte, p *message.Payload) error {
	return json.Unmarshal(data, p)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

package codec

import (
	"github.com/fxamacker/cbor/v2"

	"sockrpc/message"
)

var (
	cborEnc = must(cbor.CanonicalEncOptions().EncMode())
	cborDec = must(cbor.DecOptions{TimeTag: cbor.DecTagIgnored}.DecMode())
)

// CBORCodec encodes payloads as canonical CBOR with integer keys.
// Data stays opaque JSON inside a CBOR byte string.
type CBORCodec struct{}

func (c *CBORCodec) Encode(p *message.Payload) ([]byte, error) {
	return cborEnc.Marshal(p)
}

func (c *CBORCodec) Decode(data []byte, p *message.Payload) error {
	return cborDec.Unmarshal(data, p)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

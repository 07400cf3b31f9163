// Package codec turns a message.Payload into bytes and back.
//
// The codec type travels in every frame header, so endpoints configured with
// different codecs can still talk to each other through the same hub.
package codec

import (
	"fmt"
	"strings"

	"sockrpc/message"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
	CodecTypeCBOR   CodecType = 2
)

type Codec interface {
	Encode(p *message.Payload) ([]byte, error)
	Decode(data []byte, p *message.Payload) error
	Type() CodecType // 0=JSON, 1=Binary, 2=CBOR
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeCBOR:
		return "cbor"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

// Valid reports whether t names a known codec.
func (t CodecType) Valid() bool {
	return t <= CodecTypeCBOR
}

// GetCodec returns the codec for codecType, falling back to JSON for unknown values.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeBinary:
		return &BinaryCodec{}
	case CodecTypeCBOR:
		return &CBORCodec{}
	}
	return &JSONCodec{}
}

// Parse maps a configuration name ("json", "binary", "cbor") to a CodecType.
func Parse(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	case "cbor":
		return CodecTypeCBOR, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

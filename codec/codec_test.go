package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sockrpc/message"
)

func samplePayload() *message.Payload {
	return &message.Payload{
		ID:    "7d1c",
		Type:  message.TypeCmd,
		From:  "peer-a",
		To:    "peer-b",
		Event: "add",
		Data:  json.RawMessage(`[{"a":1,"b":2}]`),
	}
}

func TestCodecsRoundTrip(t *testing.T) {
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeBinary, CodecTypeCBOR} {
		t.Run(ct.String(), func(t *testing.T) {
			c := GetCodec(ct)
			require.Equal(t, ct, c.Type())

			original := samplePayload()
			data, err := c.Encode(original)
			require.NoError(t, err)

			var decoded message.Payload
			require.NoError(t, c.Decode(data, &decoded))
			assert.Equal(t, original.ID, decoded.ID)
			assert.Equal(t, original.Type, decoded.Type)
			assert.Equal(t, original.From, decoded.From)
			assert.Equal(t, original.To, decoded.To)
			assert.Equal(t, original.Event, decoded.Event)
			assert.JSONEq(t, string(original.Data), string(decoded.Data))
			assert.Empty(t, decoded.Error)
		})
	}
}

func TestResultErrorSurvivesEncoding(t *testing.T) {
	res := samplePayload().Reply(nil, "division by zero")
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeBinary, CodecTypeCBOR} {
		c := GetCodec(ct)
		data, err := c.Encode(res)
		require.NoError(t, err)

		var decoded message.Payload
		require.NoError(t, c.Decode(data, &decoded))
		assert.Equal(t, "division by zero", decoded.Error, ct.String())
		assert.Equal(t, "peer-a", decoded.To, ct.String())
		assert.Empty(t, decoded.Data, ct.String())
	}
}

func TestBinaryCodecRejectsTruncatedInput(t *testing.T) {
	c := &BinaryCodec{}
	data, err := c.Encode(samplePayload())
	require.NoError(t, err)

	var p message.Payload
	err = c.Decode(data[:len(data)-3], &p)
	assert.ErrorIs(t, err, ErrShortBuffer)

	err = c.Decode(append(data, 0x00), &p)
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	ct, err := Parse("CBOR")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeCBOR, ct)

	ct, err = Parse("")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeJSON, ct)

	_, err = Parse("xml")
	assert.Error(t, err)
}

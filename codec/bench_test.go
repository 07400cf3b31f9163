package codec

import (
	"testing"

	"sockrpc/message"
)

func benchmarkCodec(b *testing.B, ct CodecType) {
	cdc := GetCodec(ct)
	p := samplePayload()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.Encode(p)
		if err != nil {
			b.Fatal(err)
		}
		var out message.Payload
		if err := cdc.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecJSON(b *testing.B)   { benchmarkCodec(b, CodecTypeJSON) }
func BenchmarkCodecBinary(b *testing.B) { benchmarkCodec(b, CodecTypeBinary) }
func BenchmarkCodecCBOR(b *testing.B)   { benchmarkCodec(b, CodecTypeCBOR) }

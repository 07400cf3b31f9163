package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"sockrpc/message"
)

var ErrShortBuffer = errors.New("BinaryCodec: short buffer")

// BinaryCodec writes the payload fields as length-prefixed big-endian strings:
//
//	id, type, from, to, event, error: 2-byte length + bytes
//	data:                             4-byte length + bytes
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(p *message.Payload) ([]byte, error) {
	strs := []string{p.ID, string(p.Type), p.From, p.To, p.Event, p.Error}
	total := 4 + len(p.Data)
	for _, s := range strs {
		if len(s) > math.MaxUint16 {
			return nil, fmt.Errorf("BinaryCodec: field too long (%d bytes)", len(s))
		}
		total += 2 + len(s)
	}
	buf := make([]byte, 0, total)

	for _, s := range strs[:5] {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
		buf = append(buf, s...)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Data)))
	buf = append(buf, p.Data...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Error)))
	buf = append(buf, p.Error...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, p *message.Payload) error {
	r := binaryReader{buf: data}

	p.ID = r.str16()
	p.Type = message.Type(r.str16())
	p.From = r.str16()
	p.To = r.str16()
	p.Event = r.str16()
	if body := r.bytes32(); len(body) > 0 {
		p.Data = body
	} else {
		p.Data = nil
	}
	p.Error = r.str16()

	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return fmt.Errorf("BinaryCodec: %d trailing bytes", len(data)-r.off)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type binaryReader struct {
	buf []byte
	off int
	err error
}

func (r *binaryReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binaryReader) str16() string {
	l := r.take(2)
	if l == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(l))))
}

func (r *binaryReader) bytes32() []byte {
	l := r.take(4)
	if l == nil {
		return nil
	}
	b := r.take(int(binary.BigEndian.Uint32(l)))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Package protocol implements the binary frame that wraps every encoded payload.
//
// A fixed-size 10-byte header is followed by a variable-length body. Stream
// transports (TCP) read the header first to learn the body length; message
// transports (WebSocket) carry one complete frame per message.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...    │
//	│ srp  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// Correlation lives in the payload ID, not in the header: the hub forwards
// frames between peers verbatim, so the header must not carry anything that
// is only meaningful to one hop.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "srp" (sock rpc protocol).
// Rejects non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte   = 0x73 // 's'
	MagicByte2  byte   = 0x72 // 'r'
	MagicByte3  byte   = 0x70 // 'p'
	Version     byte   = 0x01
	HeaderSize  int    = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)
	MaxBodySize uint32 = 16 << 20
)

// MsgType mirrors the payload type so routers can skip work without decoding.
type MsgType byte

const (
	MsgTypeCmd       MsgType = 0 // Invocation request
	MsgTypeResult    MsgType = 1 // Response to a prior cmd
	MsgTypeControl   MsgType = 2 // Handshake and presence notices
	MsgTypeHeartbeat MsgType = 3 // KeepAlive probe (no body)
)

// Codec type bounds, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON byte = 0
	CodecTypeCBOR byte = 2
)

// Header represents the fixed 10-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=Binary, 2=CBOR
	MsgType   MsgType // Cmd, Result, Control or Heartbeat
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	_, err := w.Write(Pack(h, body))
	return err
}

// Pack returns header and body as one contiguous frame. BodyLen is taken from body.
func Pack(h *Header, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf
}

// ReadFrame reads one complete frame from r and returns it undecoded.
// The header is validated before the body is read.
func ReadFrame(r io.Reader) ([]byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, err
	}
	h, err := parseHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, HeaderSize+int(h.BodyLen))
	copy(frame, headerBuf)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// Decode reads a complete frame (header + body) from r.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return nil, nil, err
	}
	return Unpack(frame)
}

// Unpack splits an in-memory frame into its header and body.
// The body aliases frame.
func Unpack(frame []byte) (*Header, []byte, error) {
	if len(frame) < HeaderSize {
		return nil, nil, fmt.Errorf("short frame: %d bytes", len(frame))
	}
	h, err := parseHeader(frame[:HeaderSize])
	if err != nil {
		return nil, nil, err
	}
	if int(h.BodyLen) != len(frame)-HeaderSize {
		return nil, nil, fmt.Errorf("body length mismatch: header %d, frame %d", h.BodyLen, len(frame)-HeaderSize)
	}
	return h, frame[HeaderSize:], nil
}

// IsHeartbeat reports whether frame is a heartbeat probe.
func IsHeartbeat(frame []byte) bool {
	return len(frame) >= HeaderSize && bytes.HasPrefix(frame, []byte{MagicNumber, MagicByte2, MagicByte3}) &&
		MsgType(frame[5]) == MsgTypeHeartbeat
}

func parseHeader(headerBuf []byte) (*Header, error) {
	// Validate magic number, reject non-protocol connections
	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] > CodecTypeCBOR {
		return nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypeHeartbeat {
		return nil, fmt.Errorf("unsupported message type: %d", msgType)
	}
	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodySize {
		return nil, fmt.Errorf("body too large: %d bytes", bodyLen)
	}
	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		BodyLen:   bodyLen,
	}, nil
}

// Package transport provides the duplex message channel endpoints talk over.
//
// A Conn moves complete protocol frames: Send writes one frame, Recv returns the
// next one. Heartbeat frames and keepalive probes are consumed inside the
// transport and never surface from Recv.
//
//	peer ──Send(frame)──→ Conn ══ TCP | WebSocket | pipe ══ Conn ──Recv()──→ hub
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sockrpc/protocol"
)

var ErrClosed = errors.New("transport: connection closed")

var maxFrameSize = protocol.HeaderSize + int(protocol.MaxBodySize)

// Conn is one end of a persistent, message-oriented connection.
// Send is safe for concurrent use; Recv must be called from a single goroutine.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Listener accepts inbound Conns for a hub.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() string
}

// Kind names a transport implementation in configuration.
type Kind string

const (
	KindWebSocket Kind = "ws"
	KindTCP       Kind = "tcp"
)

// ParseKind maps a configuration value to a Kind. Empty means WebSocket.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindWebSocket, "websocket":
		return KindWebSocket, nil
	case KindTCP:
		return KindTCP, nil
	}
	return "", fmt.Errorf("unknown transport %q", s)
}

// Dial connects to a hub listening at addr with the given transport kind.
func Dial(ctx context.Context, kind Kind, addr string, opts Options) (Conn, error) {
	switch kind {
	case KindTCP:
		return DialTCP(ctx, addr, opts)
	case KindWebSocket, "":
		return DialWebSocket(ctx, addr, opts)
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}

// Listen opens a hub listener on addr with the given transport kind.
func Listen(kind Kind, addr string, opts Options) (Listener, error) {
	switch kind {
	case KindTCP:
		return ListenTCP(addr, opts)
	case KindWebSocket, "":
		return ListenWebSocket(addr, opts)
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}

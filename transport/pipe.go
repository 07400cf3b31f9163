package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// pipeConn is an in-process Conn. Frames are copied on Send so neither side can
// observe the other's later buffer mutations.
type pipeConn struct {
	name   string
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	peer   *pipeConn
	once   sync.Once
}

// Pipe returns two connected in-memory Conns. Closing either end closes both.
func Pipe() (Conn, Conn) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	a := &pipeConn{name: "pipe-a", in: b2a, out: a2b, closed: make(chan struct{})}
	b := &pipeConn{name: "pipe-b", in: a2b, out: b2a, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeConn) Send(ctx context.Context, frame []byte) error {
	buf := append([]byte(nil), frame...)
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-p.peer.closed:
		// Drain what the peer sent before it went away
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) RemoteAddr() string {
	return p.peer.name
}

// MemListener is an in-process Listener; Dial hands the server side of a
// fresh Pipe to Accept.
type MemListener struct {
	conns  chan Conn
	closed chan struct{}
	once   sync.Once
	seq    atomic.Int64
}

func NewMemListener() *MemListener {
	return &MemListener{
		conns:  make(chan Conn),
		closed: make(chan struct{}),
	}
}

// Dial returns the client side of a new pipe whose server side is accepted by l.
func (l *MemListener) Dial(ctx context.Context) (Conn, error) {
	client, server := Pipe()
	n := l.seq.Add(1)
	client.(*pipeConn).name = fmt.Sprintf("mem-client-%d", n)
	server.(*pipeConn).name = fmt.Sprintf("mem-server-%d", n)
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *MemListener) Addr() string {
	return "mem"
}

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sockrpc/protocol"
)

// tcpConn carries protocol frames over a raw TCP stream.
//
// A single goroutine reads (Recv) because TCP is a byte stream and reads must be
// sequential to parse frame boundaries. Writes from many goroutines are serialized
// by the sending mutex so one frame's header never interleaves with another's body.
type tcpConn struct {
	conn    net.Conn
	opts    Options
	sending sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

// NewTCPConn wraps an established net.Conn and starts its heartbeat loop.
func NewTCPConn(conn net.Conn, opts Options) Conn {
	t := &tcpConn{
		conn: conn,
		opts: opts.withDefaults(),
		done: make(chan struct{}),
	}
	go t.heartbeatLoop(t.opts.HeartbeatInterval)
	return t
}

// DialTCP connects to a hub over plain TCP.
func DialTCP(ctx context.Context, addr string, opts Options) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPConn(conn, opts), nil
}

func (t *tcpConn) Send(ctx context.Context, frame []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.sending.Lock()
	defer t.sending.Unlock()

	deadline := time.Now().Add(t.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	_, err := t.conn.Write(frame)
	return t.mapErr(err)
}

func (t *tcpConn) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.IdleTimeout))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		frame, err := protocol.ReadFrame(t.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, t.mapErr(err)
		}
		// Heartbeats only refresh the idle deadline
		if protocol.IsHeartbeat(frame) {
			continue
		}
		return frame, nil
	}
}

func (t *tcpConn) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)
	return t.conn.Close()
}

func (t *tcpConn) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *tcpConn) mapErr(err error) error {
	if err != nil && (t.closed.Load() || errors.Is(err, net.ErrClosed)) {
		return ErrClosed
	}
	return err
}

// heartbeatLoop sends periodic heartbeat frames so the remote idle deadline
// keeps moving while no payload traffic flows.
func (t *tcpConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	beat := protocol.Pack(&protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.Send(context.Background(), beat); err != nil {
				return
			}
		}
	}
}

type tcpListener struct {
	ln   net.Listener
	opts Options
}

// ListenTCP opens a TCP hub listener.
func ListenTCP(addr string, opts Options) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln, opts: opts}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return NewTCPConn(conn, l.opts), nil
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

func (l *tcpListener) Addr() string {
	return l.ln.Addr().String()
}

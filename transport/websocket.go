package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn carries one protocol frame per binary WebSocket message.
// Keepalive uses WebSocket ping/pong: any pong pushes the read deadline forward.
type wsConn struct {
	conn    *websocket.Conn
	opts    Options
	sending sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

func newWSConn(conn *websocket.Conn, opts Options) *wsConn {
	c := &wsConn{
		conn: conn,
		opts: opts.withDefaults(),
		done: make(chan struct{}),
	}
	conn.SetReadLimit(int64(maxFrameSize))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	})
	go c.pingLoop()
	return c
}

// DialWebSocket connects to a hub's WebSocket endpoint. addr may be "host:port"
// or a full ws:// / wss:// URL.
func DialWebSocket(ctx context.Context, addr string, opts Options) (Conn, error) {
	opts = opts.withDefaults()
	target := addr
	if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
		target = (&url.URL{Scheme: "ws", Host: addr, Path: opts.Path}).String()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn, opts), nil
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.sending.Lock()
	defer c.sending.Unlock()

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.mapErr(c.conn.WriteMessage(websocket.BinaryMessage, frame))
}

func (c *wsConn) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, c.mapErr(err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsConn) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if c.closed.Load() || errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrClosed
	}
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with WriteMessage
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

type wsListener struct {
	ln       net.Listener
	srv      *http.Server
	opts     Options
	conns    chan *wsConn
	closed   chan struct{}
	closeOne sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ListenWebSocket serves the upgrade endpoint on addr and hands upgraded
// connections to Accept.
func ListenWebSocket(addr string, opts Options) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewWebSocketListener(ln, opts), nil
}

// NewWebSocketListener serves WebSocket upgrades on an existing net.Listener.
func NewWebSocketListener(ln net.Listener, opts Options) Listener {
	opts = opts.withDefaults()
	l := &wsListener{
		ln:     ln,
		opts:   opts,
		conns:  make(chan *wsConn),
		closed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(opts.Path, l.handleUpgrade)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = l.srv.Serve(ln) }()
	return l
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the HTTP error
	}
	c := newWSConn(conn, l.opts)
	select {
	case l.conns <- c:
	case <-l.closed:
		_ = c.Close()
	case <-r.Context().Done():
		_ = c.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closeOne.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() string {
	return l.ln.Addr().String()
}

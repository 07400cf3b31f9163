// Package hub implements the relay at the center of the star: it accepts peer
// connections, answers invocations addressed to itself, and forwards
// everything else between peers.
//
// Inbound pipeline per connection:
//
//	Accept conn → handleConn: handshake (Hello → Welcome, join announced)
//	  → read loop (single goroutine per connection)
//	    → route: to hub      → endpoint dispatch (go serve per cmd)
//	             to "all"    → go relayBroadcast (one correlation per recipient)
//	             to peer X   → forward frame bytes verbatim
//	             to unknown  → "route not found" result
//	  → on close: deregister, fail pending calls to the peer, announce leave
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sockrpc/codec"
	"sockrpc/endpoint"
	"sockrpc/message"
	"sockrpc/middleware"
	"sockrpc/registry"
	"sockrpc/transport"
)

const (
	DefaultAddr             = ":8933"
	DefaultHandshakeTimeout = 10 * time.Second
)

var ErrServerClosed = errors.New("hub: server closed")

type Config struct {
	ID               string // generated when empty
	Addr             string // listen address for ListenAndServe; DefaultAddr when empty
	Transport        transport.Kind
	TransportOptions transport.Options
	Codec            codec.CodecType
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	HandlerTimeout   time.Duration
	Middlewares      []middleware.Middleware

	// Inbound frames per second allowed on each connection; zero disables limiting.
	RateLimit float64
	RateBurst int

	// Discovery. Registry nil means the hub is not announced anywhere.
	Registry      registry.Registry
	AdvertiseAddr string // address peers should dial; the listener address when empty
	Weight        int
	Version       string
	RegistryTTL   time.Duration

	Logger *zap.Logger
}

// Hub is safe for concurrent use. A Hub serves one listener for its lifetime.
type Hub struct {
	cfg    Config
	ep     *endpoint.Endpoint
	logger *zap.Logger

	ctx    context.Context // canceled by Shutdown
	cancel context.CancelFunc

	mu        sync.RWMutex
	conns     map[string]*peerConn // handshaken peers by ID
	listener  transport.Listener
	advertise string // address registered in discovery, "" if not registered

	wg       sync.WaitGroup // connection goroutines + in-flight broadcasts
	shutdown atomic.Bool
}

func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = int(cfg.RateLimit) + 1
	}
	ep := endpoint.New(endpoint.Options{
		ID:             cfg.ID,
		Codec:          cfg.Codec,
		RequestTimeout: cfg.RequestTimeout,
		HandlerTimeout: cfg.HandlerTimeout,
		Middlewares:    cfg.Middlewares,
		Logger:         cfg.Logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:    cfg,
		ep:     ep,
		logger: ep.Logger(),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*peerConn),
	}
}

func (h *Hub) ID() string {
	return h.ep.ID()
}

// Addr returns the address the hub is listening on, or "" before Serve.
func (h *Hub) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr()
}

// On registers fn for event addressed to the hub itself.
func (h *Hub) On(event string, fn endpoint.HandlerFunc) error {
	return h.ep.On(event, fn)
}

// Handle registers an ordinary func for event, see endpoint.Func.
func (h *Hub) Handle(event string, fn any) error {
	return h.ep.Handle(event, fn)
}

// AwaitPeer returns once peerID has completed its handshake.
func (h *Hub) AwaitPeer(ctx context.Context, peerID string) error {
	return h.ep.AwaitPeer(ctx, peerID)
}

// Peers lists the connected peer IDs in sorted order.
func (h *Hub) Peers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListenAndServe listens on cfg.Addr with the configured transport and serves.
func (h *Hub) ListenAndServe() error {
	ln, err := transport.Listen(h.cfg.Transport, h.cfg.Addr, h.cfg.TransportOptions)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.cfg.Addr, err)
	}
	return h.Serve(ln)
}

// Serve registers the hub with discovery (if configured) and accepts
// connections on ln until Shutdown. It returns nil after Shutdown.
func (h *Hub) Serve(ln transport.Listener) error {
	if h.shutdown.Load() {
		ln.Close()
		return ErrServerClosed
	}
	h.mu.Lock()
	if h.listener != nil {
		h.mu.Unlock()
		return errors.New("hub: already serving")
	}
	h.listener = ln
	h.mu.Unlock()

	if err := h.register(ln.Addr()); err != nil {
		ln.Close()
		return err
	}

	h.logger.Info("hub listening",
		zap.String("addr", ln.Addr()),
		zap.String("transport", string(h.cfg.Transport)),
		zap.String("codec", h.cfg.Codec.String()),
	)

	// Accept loop: one goroutine per connection
	for {
		conn, err := ln.Accept(h.ctx)
		if err != nil {
			// Shutdown closes the listener; that error is expected
			if h.shutdown.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		// Checked under mu so no Add can follow Shutdown's Wait.
		h.mu.Lock()
		if h.shutdown.Load() {
			h.mu.Unlock()
			conn.Close()
			return nil
		}
		h.wg.Add(1)
		h.mu.Unlock()
		go h.handleConn(conn)
	}
}

func (h *Hub) register(listenAddr string) error {
	if h.cfg.Registry == nil {
		return nil
	}
	addr := h.cfg.AdvertiseAddr
	if addr == "" {
		addr = listenAddr
	}
	inst := registry.Instance{
		ID:      h.ID(),
		Addr:    addr,
		Weight:  h.cfg.Weight,
		Version: h.cfg.Version,
	}
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	if err := h.cfg.Registry.Register(ctx, registry.ServiceHub, inst, h.cfg.RegistryTTL); err != nil {
		return fmt.Errorf("register hub: %w", err)
	}
	h.mu.Lock()
	h.advertise = addr
	h.mu.Unlock()
	h.logger.Info("registered with discovery", zap.String("advertise", addr))
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister from discovery (peers stop picking this hub)
//  2. Stop accepting
//  3. Drain in-flight handlers; cmds arriving from now on get ErrClosed (with timeout)
//  4. Close every peer connection and fail calls still waiting
func (h *Hub) Shutdown(timeout time.Duration) error {
	if !h.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	h.mu.Lock()
	ln, advertise := h.listener, h.advertise
	h.mu.Unlock()

	if advertise != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.cfg.Registry.Deregister(ctx, registry.ServiceHub, h.ID()); err != nil {
			h.logger.Warn("deregister failed", zap.Error(err))
		}
		cancel()
	}
	if ln != nil {
		ln.Close()
	}

	deadline := time.After(timeout)
	var err error
	if !waitTimeout(h.ep.Drain, deadline) {
		err = errors.New("timeout waiting for ongoing requests to finish")
	}

	h.mu.RLock()
	conns := make([]*peerConn, 0, len(h.conns))
	for _, pc := range h.conns {
		conns = append(conns, pc)
	}
	h.mu.RUnlock()
	for _, pc := range conns {
		pc.conn.Close()
	}
	h.cancel()
	h.ep.Pending().FailAll(endpoint.ErrClosed)

	if !waitTimeout(h.wg.Wait, deadline) && err == nil {
		err = errors.New("timeout waiting for connections to close")
	}
	h.logger.Info("hub stopped", zap.Error(err))
	return err
}

func waitTimeout(wait func(), deadline <-chan time.Time) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-deadline:
		return false
	}
}

// Broadcast invokes event on every connected peer, each with its own
// correlation ID, and returns their outcomes sorted by peer ID.
func (h *Hub) Broadcast(ctx context.Context, event string, args ...any) ([]message.BroadcastResult, error) {
	if h.shutdown.Load() {
		return nil, endpoint.ErrClosed
	}
	return h.fanOut(ctx, h.openConns(""), event, args), nil
}

// SendTo invokes event on peerID and waits for its result.
func (h *Hub) SendTo(ctx context.Context, event, peerID string, args ...any) (json.RawMessage, error) {
	pc, ok := h.lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", endpoint.ErrRouteNotFound, peerID)
	}
	return h.ep.Call(ctx, pc, peerID, event, args...)
}

func (h *Hub) lookup(id string) (*peerConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pc, ok := h.conns[id]
	return pc, ok
}

// openConns snapshots the connected peers, minus except.
func (h *Hub) openConns(except string) []*peerConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*peerConn, 0, len(h.conns))
	for id, pc := range h.conns {
		if id != except {
			conns = append(conns, pc)
		}
	}
	return conns
}

func (h *Hub) fanOut(ctx context.Context, targets []*peerConn, event string, args []any) []message.BroadcastResult {
	results := make([]message.BroadcastResult, len(targets))
	var wg sync.WaitGroup
	for i, pc := range targets {
		i, pc := i, pc
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := h.ep.Call(ctx, pc, pc.id, event, args...)
			if errors.Is(err, context.DeadlineExceeded) {
				err = endpoint.ErrTimeout
			}
			results[i] = message.BroadcastResult{Peer: pc.id, Data: data}
			if err != nil {
				results[i].Error = errorMessage(err)
			}
		}()
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Peer < results[j].Peer })
	return results
}

// errorMessage unwraps the remote message of an InvocationError.
func errorMessage(err error) string {
	var inv *endpoint.InvocationError
	if errors.As(err, &inv) && inv.Message != "" {
		return inv.Message
	}
	return endpoint.ErrorText(err)
}

// relayTimeout bounds each recipient of a peer-initiated broadcast. It is
// shorter than the request timeout so a slow recipient is reported in the
// aggregate before the originator, with the same default timeout, gives up.
func (h *Hub) relayTimeout() time.Duration {
	return h.ep.RequestTimeout() * 3 / 4
}

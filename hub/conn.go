package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"sockrpc/endpoint"
	"sockrpc/message"
	"sockrpc/middleware"
	"sockrpc/transport"
)

// ConnState is the lifecycle of one peer connection.
type ConnState int32

const (
	StateConnecting ConnState = iota // accepted, handshake pending
	StateOpen                        // registered, routable
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// peerConn is the hub's side of one peer connection.
type peerConn struct {
	id      string
	conn    transport.Conn
	limiter *rate.Limiter // nil when rate limiting is off
	state   atomic.Int32

	// ready is closed once the Welcome has been written, so nothing routed to
	// this peer can overtake it.
	ready chan struct{}
}

func (pc *peerConn) State() ConnState {
	return ConnState(pc.state.Load())
}

// Send waits for the handshake to finish, then writes frame.
func (pc *peerConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-pc.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if pc.State() == StateClosed {
		return transport.ErrClosed
	}
	return pc.conn.Send(ctx, frame)
}

// handleConn owns one connection from accept to close.
func (h *Hub) handleConn(conn transport.Conn) {
	defer h.wg.Done()
	defer conn.Close()

	pc, err := h.handshake(conn)
	if err != nil {
		h.logger.Warn("handshake failed", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}
	log := h.logger.With(zap.String("peer", pc.id))
	log.Info("peer joined", zap.String("remote", conn.RemoteAddr()))
	h.announce(message.TypeJoin, pc.id)

	for {
		frame, err := conn.Recv(h.ctx)
		if err != nil {
			if !h.shutdown.Load() && !errors.Is(err, transport.ErrClosed) {
				log.Warn("connection lost", zap.Error(err))
			}
			break
		}
		h.route(pc, frame)
	}

	h.unregister(pc)
	log.Info("peer left")
	h.announce(message.TypeLeave, pc.id)
}

// handshake reads the Hello, reserves the ID and answers with Welcome.
// A rejected peer gets a Welcome carrying the reason.
func (h *Hub) handshake(conn transport.Conn) (*peerConn, error) {
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.HandshakeTimeout)
	defer cancel()

	frame, err := conn.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("await hello: %w", err)
	}
	p, err := h.ep.Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("await hello: %w", err)
	}
	if p.Type != message.TypeHello {
		return nil, fmt.Errorf("await hello: unexpected %s payload", p.Type)
	}
	var hello message.Hello
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, &hello); err != nil {
			return nil, fmt.Errorf("decode hello: %w", err)
		}
	}
	id := hello.ID
	if id == "" {
		id = p.From
	}

	pc := &peerConn{id: id, conn: conn, ready: make(chan struct{})}
	if h.cfg.RateLimit > 0 {
		pc.limiter = rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst)
	}
	defer close(pc.ready)

	peers, reason := h.reserve(pc, p.From)
	welcome := message.Welcome{HubID: h.ID(), Peers: peers, Error: reason}
	data, _ := json.Marshal(welcome)
	to := id
	if to == "" {
		to = p.From
	}
	reply := &message.Payload{Type: message.TypeWelcome, From: h.ID(), To: to, Data: data}
	if err := h.ep.Send(ctx, conn, reply); err != nil {
		if reason == "" {
			h.unregister(pc)
		}
		return nil, fmt.Errorf("send welcome: %w", err)
	}
	if reason != "" {
		return nil, fmt.Errorf("rejected %q: %s", id, reason)
	}
	h.ep.NotifyPresence(h.ctx, message.TypeJoin, id)
	return pc, nil
}

// reserve registers pc under its ID and returns the other peers already
// connected, or a rejection reason.
func (h *Hub) reserve(pc *peerConn, from string) ([]string, string) {
	switch {
	case pc.id == "":
		return nil, "missing peer id"
	case pc.id != from:
		return nil, fmt.Sprintf("hello from %q claims id %q", from, pc.id)
	case pc.id == h.ID() || pc.id == message.Broadcast:
		return nil, fmt.Sprintf("reserved peer id %q", pc.id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown.Load() {
		return nil, "hub shutting down"
	}
	if _, ok := h.conns[pc.id]; ok {
		return nil, fmt.Sprintf("duplicate peer id %q", pc.id)
	}
	peers := make([]string, 0, len(h.conns))
	for id := range h.conns {
		peers = append(peers, id)
	}
	h.conns[pc.id] = pc
	pc.state.Store(int32(StateOpen))
	return peers, ""
}

func (h *Hub) unregister(pc *peerConn) {
	pc.state.Store(int32(StateClosed))
	h.mu.Lock()
	if h.conns[pc.id] == pc {
		delete(h.conns, pc.id)
	}
	h.mu.Unlock()
	h.ep.NotifyPresence(h.ctx, message.TypeLeave, pc.id)
}

// announce tells every other connected peer that id joined or left.
func (h *Hub) announce(kind message.Type, id string) {
	data, _ := json.Marshal(id)
	event := message.EventJoin
	if kind == message.TypeLeave {
		event = message.EventLeave
	}
	for _, pc := range h.openConns(id) {
		p := &message.Payload{Type: kind, From: h.ID(), To: pc.id, Event: event, Data: data}
		if err := h.ep.Send(h.ctx, pc, p); err != nil && !h.shutdown.Load() {
			h.logger.Debug("presence notice not delivered",
				zap.String("to", pc.id),
				zap.String("event", event),
				zap.Error(err),
			)
		}
	}
}

// route handles one inbound frame from pc.
func (h *Hub) route(pc *peerConn, frame []byte) {
	p, err := h.ep.Decode(frame)
	if err != nil {
		h.logger.Warn("dropping malformed frame", zap.String("peer", pc.id), zap.Error(err))
		return
	}
	if pc.limiter != nil && !pc.limiter.Allow() {
		h.reject(pc, p, middleware.ErrRateLimited)
		return
	}
	if p.From != pc.id {
		h.reject(pc, p, fmt.Sprintf("sender %q does not match connection %q", p.From, pc.id))
		return
	}
	if p.IsControl() {
		h.logger.Debug("ignoring control payload from peer", zap.String("peer", pc.id), zap.String("type", string(p.Type)))
		return
	}

	switch p.To {
	case h.ID():
		h.ep.DispatchPayload(h.ctx, pc, p)
	case message.Broadcast:
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.relayBroadcast(pc, p)
		}()
	default:
		h.forward(pc, p, frame)
	}
}

// forward relays the frame bytes untouched to the addressed peer.
func (h *Hub) forward(from *peerConn, p *message.Payload, frame []byte) {
	target, ok := h.lookup(p.To)
	if !ok {
		h.reject(from, p, fmt.Sprintf("%s: %s", endpoint.ErrRouteNotFound, p.To))
		return
	}
	if err := target.Send(h.ctx, frame); err != nil {
		h.reject(from, p, fmt.Sprintf("%s: %s", endpoint.ErrPeerDisconnected, p.To))
	}
}

// reject answers a cmd with an error result. Anything else is logged and dropped.
func (h *Hub) reject(pc *peerConn, p *message.Payload, reason string) {
	if p.Type != message.TypeCmd {
		h.logger.Warn("dropping payload",
			zap.String("peer", pc.id),
			zap.String("type", string(p.Type)),
			zap.String("id", p.ID),
			zap.String("to", p.To),
			zap.String("reason", reason),
		)
		return
	}
	res := p.Reply(nil, reason)
	res.From, res.To = h.ID(), pc.id
	if err := h.ep.Send(h.ctx, pc, res); err != nil {
		h.logger.Warn("failed to send error result", zap.String("peer", pc.id), zap.Error(err))
	}
}

// relayBroadcast fans a peer's "all" cmd out to every other peer and answers
// the originator with the aggregate.
func (h *Hub) relayBroadcast(origin *peerConn, p *message.Payload) {
	args, err := endpoint.ParseArgs(p.Data)
	if err != nil {
		h.reject(origin, p, err.Error())
		return
	}
	forwarded := make([]any, len(args))
	for i, a := range args {
		forwarded[i] = a
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.relayTimeout())
	results := h.fanOut(ctx, h.openConns(origin.id), p.Event, forwarded)
	cancel()
	data, err := json.Marshal(results)
	if err != nil {
		h.reject(origin, p, fmt.Sprintf("encode broadcast results: %v", err))
		return
	}
	res := p.Reply(data, "")
	res.From = h.ID()
	if err := h.ep.Send(h.ctx, origin, res); err != nil {
		h.logger.Warn("failed to deliver broadcast results", zap.String("peer", origin.id), zap.Error(err))
	}
}

// Package endpoint implements the correlation and dispatch machinery shared by
// peers and the hub.
//
// Calling side:
//
//	Call → PendingTable.Add(id) → Send(cmd) → … → Dispatch(result) → Resolve(id) → caller wakes up
//
// Answering side:
//
//	Dispatch(cmd) → go serve → middleware chain → HandlerFunc → Send(result, from/to swapped)
//
// An Endpoint owns no connection. Every operation takes the Sender the payload
// should travel on, so the hub can run one Endpoint across all of its peers.
package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sockrpc/codec"
	"sockrpc/message"
	"sockrpc/middleware"
	"sockrpc/protocol"
)

const DefaultRequestTimeout = 30 * time.Second

// Sender transmits one encoded frame. transport.Conn satisfies it.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

type Options struct {
	ID             string                  // endpoint identity; generated when empty
	Codec          codec.CodecType         // codec for outbound payloads
	RequestTimeout time.Duration           // deadline for every Call; DefaultRequestTimeout when zero
	HandlerTimeout time.Duration           // optional deadline for local handlers
	Middlewares    []middleware.Middleware // applied around every handler, outermost first
	Logger         *zap.Logger
}

// Endpoint holds the Handler Registry, the Pending-Request Table and the
// presence set of one peer or hub.
type Endpoint struct {
	id             string
	codec          codec.Codec
	handlers       *Handlers
	pending        *PendingTable
	presence       *Presence
	handler        middleware.HandlerFunc // middleware(...(businessHandler))
	requestTimeout time.Duration
	logger         *zap.Logger

	// inflight counts cmds being served. Once draining is set under mu no
	// new work is added, so Drain can Wait without racing an Add.
	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// NewID returns a fresh random endpoint identity.
func NewID() string {
	return uuid.NewString()
}

func New(opts Options) *Endpoint {
	if opts.ID == "" {
		opts.ID = NewID()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	e := &Endpoint{
		id:             opts.ID,
		codec:          codec.GetCodec(opts.Codec),
		handlers:       NewHandlers(),
		pending:        NewPendingTable(),
		presence:       NewPresence(),
		requestTimeout: opts.RequestTimeout,
		logger:         opts.Logger.With(zap.String("endpoint", opts.ID)),
	}

	// Build the chain once at construction, not per request. Recovery sits
	// innermost so it runs on the goroutine the timeout middleware spawns.
	chain := []middleware.Middleware{middleware.LoggingMiddleware(e.logger)}
	chain = append(chain, opts.Middlewares...)
	if opts.HandlerTimeout > 0 {
		chain = append(chain, middleware.TimeOutMiddleware(opts.HandlerTimeout))
	}
	chain = append(chain, middleware.RecoverMiddleware(e.logger))
	e.handler = middleware.Chain(chain...)(e.businessHandler)
	return e
}

func (e *Endpoint) ID() string { return e.id }
func (e *Endpoint) Handlers() *Handlers { return e.handlers }
func (e *Endpoint) Pending() *PendingTable { return e.pending }
func (e *Endpoint) Presence() *Presence { return e.presence }
func (e *Endpoint) Logger() *zap.Logger { return e.logger }
func (e *Endpoint) Codec() codec.CodecType { return e.codec.Type() }
func (e *Endpoint) RequestTimeout() time.Duration { return e.requestTimeout }

// On registers fn for event, replacing any earlier registration.
func (e *Endpoint) On(event string, fn HandlerFunc) error {
	return e.handlers.Set(event, fn)
}

// Handle registers an ordinary Go func for event, see Func.
func (e *Endpoint) Handle(event string, fn any) error {
	h, err := Func(fn)
	if err != nil {
		return fmt.Errorf("register %q: %w", event, err)
	}
	return e.handlers.Set(event, h)
}

// AwaitPeer returns once peerID is known to be connected.
func (e *Endpoint) AwaitPeer(ctx context.Context, peerID string) error {
	return e.presence.Wait(ctx, peerID)
}

// Wait blocks until every cmd currently being served has replied.
func (e *Endpoint) Wait() {
	e.inflight.Wait()
}

// Drain stops accepting new cmds and waits for those in flight. Cmds that
// arrive afterwards are answered with ErrClosed.
func (e *Endpoint) Drain() {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	e.inflight.Wait()
}

// track reserves a slot for one unit of served work, or reports false once draining.
func (e *Endpoint) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining {
		return false
	}
	e.inflight.Add(1)
	return true
}

// Encode frames p with this endpoint's codec.
func (e *Endpoint) Encode(p *message.Payload) ([]byte, error) {
	body, err := e.codec.Encode(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Type, err)
	}
	return protocol.Pack(&protocol.Header{
		CodecType: byte(e.codec.Type()),
		MsgType:   msgType(p.Type),
	}, body), nil
}

// Decode unpacks and validates an inbound frame using the codec named in its header.
func (e *Endpoint) Decode(frame []byte) (*message.Payload, error) {
	h, body, err := protocol.Unpack(frame)
	if err != nil {
		return nil, err
	}
	var p message.Payload
	if err := codec.GetCodec(codec.CodecType(h.CodecType)).Decode(body, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Send encodes p and transmits it on s.
func (e *Endpoint) Send(ctx context.Context, s Sender, p *message.Payload) error {
	frame, err := e.Encode(p)
	if err != nil {
		return err
	}
	return s.Send(ctx, frame)
}

// Call sends event(args...) to the endpoint to over s and waits for its result.
// It fails with ErrTimeout after the request timeout, with ctx's error on
// cancellation, and with *InvocationError when the result carries an error.
func (e *Endpoint) Call(ctx context.Context, s Sender, to, event string, args ...any) (json.RawMessage, error) {
	id := NewCorrelationID()
	p, err := message.NewCommand(string(id), e.id, to, event, args...)
	if err != nil {
		return nil, err
	}
	frame, err := e.Encode(p)
	if err != nil {
		return nil, err
	}

	// Register BEFORE sending (avoid a race with the read loop)
	wait, err := e.pending.Add(id, to)
	if err != nil {
		return nil, err
	}
	if err := s.Send(ctx, frame); err != nil {
		e.pending.Cancel(id)
		return nil, fmt.Errorf("send %s to %s: %w", event, to, err)
	}

	timer := time.NewTimer(e.requestTimeout)
	defer timer.Stop()
	select {
	case out := <-wait:
		return out.Data, out.Err
	case <-timer.C:
		e.pending.Cancel(id)
		return nil, fmt.Errorf("%s to %s: %w", event, to, ErrTimeout)
	case <-ctx.Done():
		e.pending.Cancel(id)
		return nil, ctx.Err()
	}
}

// Dispatch decodes one inbound frame and routes it. Malformed frames are logged and dropped.
func (e *Endpoint) Dispatch(ctx context.Context, s Sender, frame []byte) {
	p, err := e.Decode(frame)
	if err != nil {
		e.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("size", len(frame)))
		return
	}
	e.DispatchPayload(ctx, s, p)
}

// DispatchPayload routes a decoded payload addressed to this endpoint.
// Cmds are served on their own goroutine so a slow handler never blocks the
// connection's read loop; results and presence notices are handled inline.
func (e *Endpoint) DispatchPayload(ctx context.Context, s Sender, p *message.Payload) {
	switch p.Type {
	case message.TypeResult:
		e.Resolve(p)
	case message.TypeCmd:
		if !e.track() {
			e.refuse(ctx, s, p)
			return
		}
		go func() {
			defer e.inflight.Done()
			e.Serve(ctx, s, p)
		}()
	case message.TypeJoin, message.TypeLeave:
		var peerID string
		if err := json.Unmarshal(p.Data, &peerID); err != nil || peerID == "" {
			e.logger.Warn("dropping presence notice without peer id", zap.String("type", string(p.Type)))
			return
		}
		e.NotifyPresence(ctx, p.Type, peerID)
	default:
		e.logger.Debug("ignoring control payload", zap.String("type", string(p.Type)), zap.String("from", p.From))
	}
}

// Resolve completes the pending call p answers. Orphan results are logged and dropped.
func (e *Endpoint) Resolve(p *message.Payload) bool {
	out := Outcome{Data: p.Data}
	if p.Error != "" {
		out = Outcome{Err: &InvocationError{Event: p.Event, Peer: p.From, Message: p.Error}}
	}
	if !e.pending.Resolve(CorrelationID(p.ID), out) {
		e.logger.Warn("dropping result",
			zap.Error(ErrOrphanResult),
			zap.String("id", p.ID),
			zap.String("from", p.From),
			zap.String("event", p.Event),
		)
		return false
	}
	return true
}

// Serve runs the handler chain for cmd p and sends the result back on s.
func (e *Endpoint) Serve(ctx context.Context, s Sender, p *message.Payload) {
	res := e.Answer(ctx, p)
	if err := e.Send(ctx, s, res); err != nil {
		e.logger.Warn("failed to send result",
			zap.String("id", p.ID),
			zap.String("to", res.To),
			zap.Error(err),
		)
	}
}

// refuse answers cmd p with ErrClosed without running any handler.
func (e *Endpoint) refuse(ctx context.Context, s Sender, p *message.Payload) {
	if err := e.Send(ctx, s, p.Reply(nil, ErrClosed.Error())); err != nil {
		e.logger.Debug("failed to refuse cmd while draining", zap.String("id", p.ID), zap.Error(err))
	}
}

// Answer runs the handler chain for cmd p and returns the result payload without sending it.
func (e *Endpoint) Answer(ctx context.Context, p *message.Payload) *message.Payload {
	res := e.handler(ctx, p)
	if res == nil {
		res = p.Reply(nil, "")
	}
	return res
}

// NotifyPresence records a join or leave of peerID, fails calls still waiting on
// a peer that left, and fires the "join"/"leave" handler if one is registered.
func (e *Endpoint) NotifyPresence(ctx context.Context, kind message.Type, peerID string) {
	event := message.EventJoin
	switch kind {
	case message.TypeJoin:
		e.presence.Add(peerID)
	case message.TypeLeave:
		event = message.EventLeave
		e.presence.Remove(peerID)
		if n := e.pending.FailTarget(peerID, ErrPeerDisconnected); n > 0 {
			e.logger.Info("failed pending calls to departed peer", zap.String("peer", peerID), zap.Int("count", n))
		}
	default:
		return
	}

	fn, ok := e.handlers.Get(event)
	if !ok {
		return
	}
	arg, _ := json.Marshal(peerID)
	if !e.track() {
		return
	}
	go func() {
		defer e.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("presence handler panic", zap.String("event", event), zap.Any("panic", r))
			}
		}()
		if _, err := fn(ctx, Args{arg}); err != nil {
			e.logger.Warn("presence handler failed", zap.String("event", event), zap.Error(err))
		}
	}()
}

// businessHandler is the innermost handler: registry lookup, argument parsing,
// invocation and result encoding.
func (e *Endpoint) businessHandler(ctx context.Context, req *message.Payload) *message.Payload {
	fn, ok := e.handlers.Get(req.Event)
	if !ok {
		return req.Reply(nil, fmt.Sprintf("%s: %s", ErrHandlerNotFound, req.Event))
	}
	args, err := ParseArgs(req.Data)
	if err != nil {
		return req.Reply(nil, err.Error())
	}

	value, err := fn(ctx, args)
	if err != nil {
		return req.Reply(nil, ErrorText(err))
	}
	data, err := encodeValue(value)
	if err != nil {
		return req.Reply(nil, fmt.Sprintf("encode result: %v", err))
	}
	return req.Reply(data, "")
}

func encodeValue(v any) (json.RawMessage, error) {
	switch raw := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return raw, nil
	}
	return json.Marshal(v)
}

func msgType(t message.Type) protocol.MsgType {
	switch t {
	case message.TypeCmd:
		return protocol.MsgTypeCmd
	case message.TypeResult:
		return protocol.MsgTypeResult
	}
	return protocol.MsgTypeControl
}

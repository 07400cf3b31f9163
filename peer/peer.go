// Package peer implements the client role: one persistent connection to a hub,
// over which the peer both invokes operations and answers them.
//
//	Dial → Hello{ID} ─────────→ hub
//	       Welcome{HubID} ←─────
//	       readLoop: result → pending table, cmd → handlers, join/leave → presence
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sockrpc/codec"
	"sockrpc/endpoint"
	"sockrpc/loadbalance"
	"sockrpc/message"
	"sockrpc/middleware"
	"sockrpc/registry"
	"sockrpc/transport"
)

const DefaultHandshakeTimeout = 10 * time.Second

var ErrHandshakeRejected = errors.New("handshake rejected")

type Config struct {
	ID               string // generated when empty
	HubAddr          string // host:port of the hub
	Transport        transport.Kind
	TransportOptions transport.Options
	Codec            codec.CodecType
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	HandlerTimeout   time.Duration
	Middlewares      []middleware.Middleware
	Logger           *zap.Logger
}

// Peer is a connected endpoint. All methods are safe for concurrent use.
type Peer struct {
	ep     *endpoint.Endpoint
	conn   transport.Conn
	hubID  string
	logger *zap.Logger

	ctx       context.Context // canceled by Close
	cancel    context.CancelFunc
	done      chan struct{} // closed when the read loop exits
	closeOnce sync.Once
}

// Dial connects to cfg.HubAddr and performs the handshake.
func Dial(ctx context.Context, cfg Config) (*Peer, error) {
	conn, err := transport.Dial(ctx, cfg.Transport, cfg.HubAddr, cfg.TransportOptions)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", cfg.HubAddr, err)
	}
	return New(ctx, conn, cfg)
}

// DialDiscovered looks up the registered hubs, lets bal pick one for this
// peer's ID and dials it.
func DialDiscovered(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, cfg Config) (*Peer, error) {
	if cfg.ID == "" {
		cfg.ID = endpoint.NewID()
	}
	instances, err := reg.Discover(ctx, registry.ServiceHub)
	if err != nil {
		return nil, fmt.Errorf("discover hubs: %w", err)
	}
	inst, err := bal.Pick(cfg.ID, instances)
	if err != nil {
		return nil, err
	}
	if cfg.Logger != nil {
		cfg.Logger.Info("selected hub",
			zap.String("hub", inst.ID),
			zap.String("addr", inst.Addr),
			zap.String("balancer", bal.Name()),
		)
	}
	cfg.HubAddr = inst.Addr
	return Dial(ctx, cfg)
}

// New performs the handshake over an already established conn and starts the
// read loop. conn is closed if the handshake fails.
func New(ctx context.Context, conn transport.Conn, cfg Config) (*Peer, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	ep := endpoint.New(endpoint.Options{
		ID:             cfg.ID,
		Codec:          cfg.Codec,
		RequestTimeout: cfg.RequestTimeout,
		HandlerTimeout: cfg.HandlerTimeout,
		Middlewares:    cfg.Middlewares,
		Logger:         cfg.Logger,
	})

	welcome, err := handshake(ctx, ep, conn, cfg.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	for _, id := range welcome.Peers {
		if id != ep.ID() {
			ep.Presence().Add(id)
		}
	}

	pctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		ep:     ep,
		conn:   conn,
		hubID:  welcome.HubID,
		logger: ep.Logger(),
		ctx:    pctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.readLoop()

	p.logger.Info("connected to hub",
		zap.String("hub", p.hubID),
		zap.String("addr", conn.RemoteAddr()),
		zap.Int("peers", len(welcome.Peers)),
	)
	return p, nil
}

func handshake(ctx context.Context, ep *endpoint.Endpoint, conn transport.Conn, timeout time.Duration) (*message.Welcome, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(message.Hello{ID: ep.ID()})
	if err != nil {
		return nil, err
	}
	hello := &message.Payload{Type: message.TypeHello, From: ep.ID(), Data: data}
	if err := ep.Send(ctx, conn, hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	frame, err := conn.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("await welcome: %w", err)
	}
	p, err := ep.Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("await welcome: %w", err)
	}
	if p.Type != message.TypeWelcome {
		return nil, fmt.Errorf("await welcome: unexpected %s payload", p.Type)
	}
	var w message.Welcome
	if err := json.Unmarshal(p.Data, &w); err != nil {
		return nil, fmt.Errorf("decode welcome: %w", err)
	}
	if w.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, w.Error)
	}
	if w.HubID == "" {
		w.HubID = p.From
	}
	return &w, nil
}

// readLoop is the single reader of the connection. When it ends, every call
// still waiting fails with ErrPeerDisconnected.
func (p *Peer) readLoop() {
	defer close(p.done)
	for {
		frame, err := p.conn.Recv(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil {
				p.logger.Warn("connection to hub lost", zap.Error(err))
			}
			break
		}
		p.ep.Dispatch(p.ctx, p.conn, frame)
	}

	// Close before failing so no new call can slip in between.
	p.conn.Close()
	p.cancel()
	if n := p.ep.Pending().FailAll(endpoint.ErrPeerDisconnected); n > 0 {
		p.logger.Info("failed pending calls", zap.Int("count", n))
	}
}

func (p *Peer) ID() string {
	return p.ep.ID()
}

// HubID is the hub's endpoint ID learned during the handshake.
func (p *Peer) HubID() string {
	return p.hubID
}

// Peers lists the other peers currently known to be connected.
func (p *Peer) Peers() []string {
	return p.ep.Presence().List()
}

// Invoke calls event on the hub itself.
func (p *Peer) Invoke(ctx context.Context, event string, args ...any) (json.RawMessage, error) {
	return p.call(ctx, p.hubID, event, args...)
}

// InvokeOn calls event on the peer peerID, relayed by the hub.
func (p *Peer) InvokeOn(ctx context.Context, event, peerID string, args ...any) (json.RawMessage, error) {
	return p.call(ctx, peerID, event, args...)
}

// Broadcast calls event on every other connected peer and returns their
// answers sorted by peer ID. Per-peer failures are reported in the entries.
func (p *Peer) Broadcast(ctx context.Context, event string, args ...any) ([]message.BroadcastResult, error) {
	raw, err := p.call(ctx, message.Broadcast, event, args...)
	if err != nil {
		return nil, err
	}
	var results []message.BroadcastResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("decode broadcast results: %w", err)
	}
	return results, nil
}

func (p *Peer) call(ctx context.Context, to, event string, args ...any) (json.RawMessage, error) {
	select {
	case <-p.done:
		return nil, endpoint.ErrClosed
	default:
	}
	return p.ep.Call(ctx, p.conn, to, event, args...)
}

// On registers fn for event. Registering again replaces the previous handler.
func (p *Peer) On(event string, fn endpoint.HandlerFunc) error {
	return p.ep.On(event, fn)
}

// Handle registers an ordinary func for event, see endpoint.Func.
func (p *Peer) Handle(event string, fn any) error {
	return p.ep.Handle(event, fn)
}

// AwaitPeer returns once peerID is connected to the hub. The hub and the
// peer itself count as connected for as long as the connection is up.
func (p *Peer) AwaitPeer(ctx context.Context, peerID string) error {
	select {
	case <-p.done:
		return endpoint.ErrClosed
	default:
	}
	if peerID == p.hubID || peerID == p.ID() {
		return nil
	}
	return p.ep.AwaitPeer(ctx, peerID)
}

// Done is closed once the connection to the hub is gone.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close disconnects from the hub and waits for the read loop to exit.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		err = p.conn.Close()
		<-p.done
		p.logger.Info("disconnected from hub", zap.String("hub", p.hubID))
	})
	return err
}

package transport

import "time"

// Options are the transport-level knobs passed through from configuration.
// Zero values select the defaults below.
type Options struct {
	HeartbeatInterval time.Duration // TCP heartbeat frame / WebSocket ping period
	IdleTimeout       time.Duration // read deadline, refreshed by any inbound traffic
	WriteTimeout      time.Duration // per-frame write deadline
	Path              string        // WebSocket upgrade path
}

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultIdleTimeout       = 90 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultPath              = "/ws"
)

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Path == "" {
		o.Path = DefaultPath
	}
	return o
}

// Package registry lets hubs announce themselves and peers find them.
//
// Every implementation stores one Instance per hub under a service name
// (normally ServiceHub). Registrations carry a TTL: a hub that dies without
// deregistering disappears once its lease runs out.
package registry

import (
	"context"
	"errors"
	"time"
)

// ServiceHub is the service name hubs register under.
const ServiceHub = "hub"

// DefaultTTL is used when Register is called with a non-positive ttl.
const DefaultTTL = 10 * time.Second

var ErrNoInstances = errors.New("registry: no instances available")

// Instance describes one reachable hub.
type Instance struct {
	ID      string `json:"id"`
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error
	Deregister(ctx context.Context, service, id string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list whenever it changes, until ctx is done.
	Watch(ctx context.Context, service string) <-chan []Instance
	Close() error
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// Package config loads hub and peer settings from the environment, with
// optional .env files, and builds the objects those settings describe.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sockrpc/codec"
	"sockrpc/endpoint"
	"sockrpc/hub"
	"sockrpc/loadbalance"
	"sockrpc/middleware"
	"sockrpc/peer"
	"sockrpc/registry"
	"sockrpc/transport"
)

type Config struct {
	// Identity and addresses
	ID            string // SOCKRPC_ID, generated when empty
	Addr          string // SOCKRPC_ADDR, hub listen address
	HubAddr       string // SOCKRPC_HUB_ADDR, hub a peer dials
	AdvertiseAddr string // SOCKRPC_ADVERTISE_ADDR, address published to discovery

	// Wire
	Transport transport.Kind  // SOCKRPC_TRANSPORT: ws | tcp
	Codec     codec.CodecType // SOCKRPC_CODEC: json | binary | cbor

	// Timeouts
	RequestTimeout   time.Duration // SOCKRPC_REQUEST_TIMEOUT
	HandshakeTimeout time.Duration // SOCKRPC_HANDSHAKE_TIMEOUT
	HandlerTimeout   time.Duration // SOCKRPC_HANDLER_TIMEOUT, 0 = none

	// Per-connection inbound limit on the hub, 0 = unlimited
	RateLimit float64 // SOCKRPC_RATE_LIMIT
	RateBurst int     // SOCKRPC_RATE_BURST

	// Endpoint-wide limit on locally served invocations, 0 = unlimited
	HandlerRateLimit float64 // SOCKRPC_HANDLER_RATE_LIMIT

	// Discovery
	Registry          string   // SOCKRPC_REGISTRY: none | etcd | redis | memory
	RegistryEndpoints []string // SOCKRPC_REGISTRY_ENDPOINTS, comma separated
	Balancer          string   // SOCKRPC_BALANCER: round_robin | weighted_random | consistent_hash
	Weight            int      // SOCKRPC_WEIGHT

	LogLevel string // SOCKRPC_LOG_LEVEL
}

// Load reads .env files (missing ones are ignored; default ".env") and then
// the environment. Values already set in the environment win over .env.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	c := &Config{}
	var transportName, codecName string

	loadEnvString(&c.ID, "SOCKRPC_ID", "")
	loadEnvString(&c.Addr, "SOCKRPC_ADDR", hub.DefaultAddr)
	loadEnvString(&c.HubAddr, "SOCKRPC_HUB_ADDR", "localhost"+hub.DefaultAddr)
	loadEnvString(&c.AdvertiseAddr, "SOCKRPC_ADVERTISE_ADDR", "")
	loadEnvString(&transportName, "SOCKRPC_TRANSPORT", string(transport.KindWebSocket))
	loadEnvString(&codecName, "SOCKRPC_CODEC", codec.CodecTypeJSON.String())
	loadEnvString(&c.Registry, "SOCKRPC_REGISTRY", "none")
	loadEnvStringSlice(&c.RegistryEndpoints, "SOCKRPC_REGISTRY_ENDPOINTS", nil)
	loadEnvString(&c.Balancer, "SOCKRPC_BALANCER", "round_robin")
	loadEnvString(&c.LogLevel, "SOCKRPC_LOG_LEVEL", "info")

	if err := loadEnvDuration(&c.RequestTimeout, "SOCKRPC_REQUEST_TIMEOUT", endpoint.DefaultRequestTimeout); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&c.HandshakeTimeout, "SOCKRPC_HANDSHAKE_TIMEOUT", hub.DefaultHandshakeTimeout); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&c.HandlerTimeout, "SOCKRPC_HANDLER_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if err := loadEnvFloat(&c.RateLimit, "SOCKRPC_RATE_LIMIT", 0); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&c.RateBurst, "SOCKRPC_RATE_BURST", 0); err != nil {
		return nil, err
	}
	if err := loadEnvFloat(&c.HandlerRateLimit, "SOCKRPC_HANDLER_RATE_LIMIT", 0); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&c.Weight, "SOCKRPC_WEIGHT", 1); err != nil {
		return nil, err
	}

	kind, err := transport.ParseKind(transportName)
	if err != nil {
		return nil, fmt.Errorf("SOCKRPC_TRANSPORT: %w", err)
	}
	c.Transport = kind
	ct, err := codec.Parse(codecName)
	if err != nil {
		return nil, fmt.Errorf("SOCKRPC_CODEC: %w", err)
	}
	c.Codec = ct

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks values that parse but make no sense together.
func (c *Config) Validate() error {
	var problems []string
	if c.RequestTimeout <= 0 {
		problems = append(problems, "SOCKRPC_REQUEST_TIMEOUT must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		problems = append(problems, "SOCKRPC_HANDSHAKE_TIMEOUT must be positive")
	}
	if c.HandlerTimeout < 0 {
		problems = append(problems, "SOCKRPC_HANDLER_TIMEOUT must not be negative")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 || c.HandlerRateLimit < 0 {
		problems = append(problems, "rate limits must not be negative")
	}
	switch c.Registry {
	case "none", "etcd", "redis", "memory":
	default:
		problems = append(problems, fmt.Sprintf("SOCKRPC_REGISTRY: unknown registry %q", c.Registry))
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		problems = append(problems, "SOCKRPC_BALANCER: "+err.Error())
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		problems = append(problems, "SOCKRPC_LOG_LEVEL: "+err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Logger builds a production zap logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// ErrProcessLocalRegistry is returned by RequireSharedRegistry for the memory
// registry, whose entries are invisible to every other process.
var ErrProcessLocalRegistry = errors.New("SOCKRPC_REGISTRY=memory is process-local; use etcd or redis across processes")

// RequireSharedRegistry rejects discovery backends that cannot be shared
// between a hub process and its peers.
func (c *Config) RequireSharedRegistry() error {
	if c.Registry == "memory" {
		return ErrProcessLocalRegistry
	}
	return nil
}

// OpenRegistry connects to the configured discovery backend. It returns a nil
// Registry for "none". "memory" only makes sense when hub and peers share a
// process.
func (c *Config) OpenRegistry(logger *zap.Logger) (registry.Registry, error) {
	switch c.Registry {
	case "etcd":
		endpoints := c.RegistryEndpoints
		if len(endpoints) == 0 {
			endpoints = []string{"localhost:2379"}
		}
		return registry.NewEtcdRegistry(endpoints, logger)
	case "redis":
		addr := "localhost:6379"
		if len(c.RegistryEndpoints) > 0 {
			addr = c.RegistryEndpoints[0]
		}
		return registry.NewRedisRegistry(addr, logger)
	case "memory":
		return registry.NewMemoryRegistry(), nil
	}
	return nil, nil
}

// HubConfig maps the settings onto a hub.Config. reg may be nil.
func (c *Config) HubConfig(logger *zap.Logger, reg registry.Registry) hub.Config {
	return hub.Config{
		ID:               c.ID,
		Addr:             c.Addr,
		Transport:        c.Transport,
		Codec:            c.Codec,
		RequestTimeout:   c.RequestTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		HandlerTimeout:   c.HandlerTimeout,
		Middlewares:      c.middlewares(),
		RateLimit:        c.RateLimit,
		RateBurst:        c.RateBurst,
		Registry:         reg,
		AdvertiseAddr:    c.AdvertiseAddr,
		Weight:           c.Weight,
		Logger:           logger,
	}
}

// PeerConfig maps the settings onto a peer.Config.
func (c *Config) PeerConfig(logger *zap.Logger) peer.Config {
	return peer.Config{
		ID:               c.ID,
		HubAddr:          c.HubAddr,
		Transport:        c.Transport,
		Codec:            c.Codec,
		RequestTimeout:   c.RequestTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		HandlerTimeout:   c.HandlerTimeout,
		Middlewares:      c.middlewares(),
		Logger:           logger,
	}
}

func (c *Config) middlewares() []middleware.Middleware {
	if c.HandlerRateLimit <= 0 {
		return nil
	}
	return []middleware.Middleware{middleware.RateLimitMiddleware(c.HandlerRateLimit, int(c.HandlerRateLimit)+1)}
}

func loadEnvString(target *string, key, defaultValue string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number value for %s: %w", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %w", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvStringSlice(target *[]string, key string, defaultValue []string) {
	value := os.Getenv(key)
	if value == "" {
		*target = defaultValue
		return
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	*target = out
}

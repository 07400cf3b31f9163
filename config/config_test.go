package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sockrpc/codec"
	"sockrpc/registry"
	"sockrpc/transport"
)

var allKeys = []string{
	"SOCKRPC_ID", "SOCKRPC_ADDR", "SOCKRPC_HUB_ADDR", "SOCKRPC_ADVERTISE_ADDR",
	"SOCKRPC_TRANSPORT", "SOCKRPC_CODEC", "SOCKRPC_REQUEST_TIMEOUT",
	"SOCKRPC_HANDSHAKE_TIMEOUT", "SOCKRPC_HANDLER_TIMEOUT", "SOCKRPC_RATE_LIMIT",
	"SOCKRPC_RATE_BURST", "SOCKRPC_REGISTRY", "SOCKRPC_REGISTRY_ENDPOINTS",
	"SOCKRPC_BALANCER", "SOCKRPC_WEIGHT", "SOCKRPC_LOG_LEVEL", "SOCKRPC_HANDLER_RATE_LIMIT",
}

// clearEnv blanks every variable Load reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	c, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8933", c.Addr)
	assert.Equal(t, "localhost:8933", c.HubAddr)
	assert.Equal(t, transport.KindWebSocket, c.Transport)
	assert.Equal(t, codec.CodecTypeJSON, c.Codec)
	assert.Equal(t, 30*time.Second, c.RequestTimeout)
	assert.Equal(t, 10*time.Second, c.HandshakeTimeout)
	assert.Zero(t, c.HandlerTimeout)
	assert.Equal(t, "none", c.Registry)
	assert.Equal(t, 1, c.Weight)
	assert.Equal(t, "info", c.LogLevel)

	reg, err := c.OpenRegistry(nil)
	require.NoError(t, err)
	assert.Nil(t, reg)
	assert.Empty(t, c.HubConfig(nil, nil).Middlewares)
	assert.NoError(t, c.RequireSharedRegistry())
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOCKRPC_ID", "hub-a")
	t.Setenv("SOCKRPC_TRANSPORT", "tcp")
	t.Setenv("SOCKRPC_CODEC", "cbor")
	t.Setenv("SOCKRPC_REQUEST_TIMEOUT", "5s")
	t.Setenv("SOCKRPC_RATE_LIMIT", "12.5")
	t.Setenv("SOCKRPC_RATE_BURST", "20")
	t.Setenv("SOCKRPC_REGISTRY", "memory")
	t.Setenv("SOCKRPC_REGISTRY_ENDPOINTS", " a:1 , b:2 ,")
	t.Setenv("SOCKRPC_HANDLER_RATE_LIMIT", "100")

	c, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "hub-a", c.ID)
	assert.Equal(t, transport.KindTCP, c.Transport)
	assert.Equal(t, codec.CodecTypeCBOR, c.Codec)
	assert.Equal(t, 5*time.Second, c.RequestTimeout)
	assert.Equal(t, 12.5, c.RateLimit)
	assert.Equal(t, 20, c.RateBurst)
	assert.Equal(t, []string{"a:1", "b:2"}, c.RegistryEndpoints)

	reg, err := c.OpenRegistry(nil)
	require.NoError(t, err)
	assert.IsType(t, &registry.MemoryRegistry{}, reg)
	assert.ErrorIs(t, c.RequireSharedRegistry(), ErrProcessLocalRegistry)

	hc := c.HubConfig(nil, reg)
	assert.Equal(t, "hub-a", hc.ID)
	assert.Equal(t, 12.5, hc.RateLimit)
	assert.Equal(t, reg, hc.Registry)
	assert.Len(t, hc.Middlewares, 1)

	pc := c.PeerConfig(nil)
	assert.Equal(t, transport.KindTCP, pc.Transport)
	assert.Equal(t, codec.CodecTypeCBOR, pc.Codec)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	// godotenv.Load only fills variables that are unset, not ones set to "".
	for _, k := range []string{"SOCKRPC_HUB_ADDR", "SOCKRPC_LOG_LEVEL"} {
		os.Unsetenv(k)
	}
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("SOCKRPC_HUB_ADDR=example:9000\nSOCKRPC_LOG_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("SOCKRPC_HUB_ADDR")
		os.Unsetenv("SOCKRPC_LOG_LEVEL")
	})

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "example:9000", c.HubAddr)
	assert.Equal(t, "debug", c.LogLevel)

	logger, err := c.Logger()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1), "debug level enabled")
}

func TestLoadRejectsBadValues(t *testing.T) {
	for key, value := range map[string]string{
		"SOCKRPC_REQUEST_TIMEOUT": "soon",
		"SOCKRPC_CODEC":           "xml",
		"SOCKRPC_TRANSPORT":       "carrier-pigeon",
		"SOCKRPC_RATE_BURST":      "many",
		"SOCKRPC_REGISTRY":        "zookeeper",
		"SOCKRPC_BALANCER":        "random",
		"SOCKRPC_LOG_LEVEL":       "loud",
		"SOCKRPC_HANDLER_TIMEOUT": "-1s",
	} {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}

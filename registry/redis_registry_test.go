package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *RedisRegistry {
	t.Helper()
	reg, err := NewRedisRegistry("localhost:6379", nil)
	if err != nil {
		t.Skip("Redis not available, skipping registry tests")
	}
	reg.pollInterval = 50 * time.Millisecond
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRedisRegisterDiscover(t *testing.T) {
	reg := newTestRedis(t)
	ctx := context.Background()
	service := "hub-test-" + time.Now().Format("150405.000")

	require.NoError(t, reg.Register(ctx, service, Instance{ID: "hub-1", Addr: "127.0.0.1:8001", Weight: 2}, 2*time.Second))
	require.NoError(t, reg.Register(ctx, service, Instance{ID: "hub-2", Addr: "127.0.0.1:8002", Weight: 1}, 2*time.Second))
	defer reg.Deregister(ctx, service, "hub-2")

	got, err := reg.Discover(ctx, service)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hub-1", got[0].ID)

	require.NoError(t, reg.Deregister(ctx, service, "hub-1"))
	got, err = reg.Discover(ctx, service)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "127.0.0.1:8002", got[0].Addr)
}

func TestRedisRegistrationOutlivesTTL(t *testing.T) {
	reg := newTestRedis(t)
	ctx := context.Background()
	service := "hub-ttl-" + time.Now().Format("150405.000")

	require.NoError(t, reg.Register(ctx, service, Instance{ID: "hub-1", Addr: ":1"}, time.Second))
	defer reg.Deregister(ctx, service, "hub-1")

	time.Sleep(1500 * time.Millisecond)
	got, err := reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.Len(t, got, 1, "refresher keeps the key alive")
}

func TestRedisWatch(t *testing.T) {
	reg := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service := "hub-watch-" + time.Now().Format("150405.000")

	updates := reg.Watch(ctx, service)
	require.NoError(t, reg.Register(ctx, service, Instance{ID: "hub-w", Addr: ":3"}, 2*time.Second))
	defer reg.Deregister(context.Background(), service, "hub-w")

	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-updates:
			if len(got) == 1 && got[0].ID == "hub-w" {
				return
			}
		case <-deadline:
			t.Fatal("no watch update after register")
		}
	}
}

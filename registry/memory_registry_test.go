package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, ServiceHub)

	require.NoError(t, reg.Register(ctx, ServiceHub, Instance{ID: "b", Addr: ":2", Weight: 1}, 0))
	require.NoError(t, reg.Register(ctx, ServiceHub, Instance{ID: "a", Addr: ":1", Weight: 1}, 0))
	require.NoError(t, reg.Register(ctx, "other", Instance{ID: "x", Addr: ":9"}, 0))

	got, err := reg.Discover(ctx, ServiceHub)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	select {
	case latest := <-updates:
		assert.Len(t, latest, 2, "watcher sees the latest list, not a stale one")
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	require.NoError(t, reg.Deregister(ctx, ServiceHub, "a"))
	require.NoError(t, reg.Deregister(ctx, ServiceHub, "missing"))
	got, _ = reg.Discover(ctx, ServiceHub)
	require.Len(t, got, 1)
	assert.Equal(t, ":2", got[0].Addr)

	cancel()
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("watch channel not closed after cancel")
		}
	}
}

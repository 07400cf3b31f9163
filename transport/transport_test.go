package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sockrpc/protocol"
)

func frame(body string) []byte {
	return protocol.Pack(&protocol.Header{MsgType: protocol.MsgTypeCmd}, []byte(body))
}

// exchange accepts one conn from ln, dials it with dial, and checks frames flow both ways.
func exchange(t *testing.T, ln Listener, dial func(ctx context.Context) (Conn, error)) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	client, err := dial(ctx)
	require.NoError(t, err)
	defer client.Close()

	var server Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("accept timed out")
	}
	defer server.Close()

	require.NoError(t, client.Send(ctx, frame("ping")))
	got, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, frame("ping"), got)

	require.NoError(t, server.Send(ctx, frame("pong")))
	got, err = client.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, frame("pong"), got)

	// Concurrent writers must not interleave frames
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.Send(ctx, frame("concurrent")))
		}()
	}
	for i := 0; i < 20; i++ {
		got, err := server.Recv(ctx)
		require.NoError(t, err)
		_, body, err := protocol.Unpack(got)
		require.NoError(t, err)
		assert.Equal(t, "concurrent", string(body))
	}
	wg.Wait()

	require.NoError(t, client.Close())
	_, err = server.Recv(ctx)
	assert.Error(t, err)
}

func TestPipe(t *testing.T) {
	ln := NewMemListener()
	defer ln.Close()
	exchange(t, ln, ln.Dial)
}

func TestTCP(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer ln.Close()
	exchange(t, ln, func(ctx context.Context) (Conn, error) {
		return DialTCP(ctx, ln.Addr(), Options{})
	})
}

func TestWebSocket(t *testing.T) {
	ln, err := ListenWebSocket("127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer ln.Close()
	exchange(t, ln, func(ctx context.Context) (Conn, error) {
		return DialWebSocket(ctx, ln.Addr(), Options{})
	})
}

func TestTCPHeartbeatsAreInvisible(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	client, err := DialTCP(ctx, ln.Addr(), Options{HeartbeatInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Send(ctx, frame("after-beats")))

	got, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, frame("after-beats"), got)
}

func TestRecvHonorsContext(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindWebSocket, k)

	k, err = ParseKind("TCP")
	require.NoError(t, err)
	assert.Equal(t, KindTCP, k)

	_, err = ParseKind("quic")
	assert.Error(t, err)
}

package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sockrpc/codec"
	"sockrpc/message"
	"sockrpc/transport"
)

// recordSender captures frames instead of transmitting them.
type recordSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (r *recordSender) Send(_ context.Context, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recordSender) last(t *testing.T, e *Endpoint) *message.Payload {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.frames)
	p, err := e.Decode(r.frames[len(r.frames)-1])
	require.NoError(t, err)
	return p
}

// link connects two endpoints with an in-memory pipe and runs a read loop for each.
func link(t *testing.T, a, b *Endpoint) (transport.Conn, transport.Conn) {
	t.Helper()
	ca, cb := transport.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	readLoop := func(e *Endpoint, c transport.Conn) {
		for {
			frame, err := c.Recv(ctx)
			if err != nil {
				return
			}
			e.Dispatch(ctx, c, frame)
		}
	}
	go readLoop(a, ca)
	go readLoop(b, cb)
	t.Cleanup(func() {
		cancel()
		ca.Close()
	})
	return ca, cb
}

func TestCallRoundTrip(t *testing.T) {
	a := New(Options{ID: "a"})
	b := New(Options{ID: "b"})
	require.NoError(t, b.Handle("add", func(x, y int) int { return x + y }))
	ca, _ := link(t, a, b)

	sum, err := As[int](a.Call(context.Background(), ca, "b", "add", 1, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, sum)
	assert.Equal(t, 0, a.Pending().Len())
}

func TestCallConcurrent(t *testing.T) {
	a := New(Options{ID: "a"})
	b := New(Options{ID: "b"})
	require.NoError(t, b.Handle("double", func(ctx context.Context, n int) (int, error) {
		return n * 2, nil
	}))
	ca, _ := link(t, a, b)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := As[int](a.Call(context.Background(), ca, "b", "double", n))
			assert.NoError(t, err)
			assert.Equal(t, n*2, got)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, a.Pending().Len())
}

func TestCallUnknownEvent(t *testing.T) {
	a := New(Options{ID: "a"})
	b := New(Options{ID: "b"})
	ca, _ := link(t, a, b)

	_, err := a.Call(context.Background(), ca, "b", "nope")
	var inv *InvocationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "unknown event: nope", inv.Message)
	assert.Equal(t, "b", inv.Peer)
	assert.ErrorIs(t, err, ErrHandlerNotFound)
}

func TestCallHandlerError(t *testing.T) {
	a := New(Options{ID: "a"})
	b := New(Options{ID: "b"})
	require.NoError(t, b.On("fail", func(ctx context.Context, args Args) (any, error) {
		return nil, errors.New("boom")
	}))
	ca, _ := link(t, a, b)

	_, err := a.Call(context.Background(), ca, "b", "fail")
	var inv *InvocationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "boom", inv.Message)
	assert.Equal(t, "fail", inv.Event)
}

func TestCallHandlerEmptyError(t *testing.T) {
	a := New(Options{ID: "a"})
	b := New(Options{ID: "b"})
	require.NoError(t, b.On("fail", func(ctx context.Context, args Args) (any, error) {
		return nil, errors.New("")
	}))
	ca, _ := link(t, a, b)

	data, err := a.Call(context.Background(), ca, "b", "fail")
	var inv *InvocationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "handler failed", inv.Message)
	assert.Nil(t, data)
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "", ErrorText(nil))
	assert.Equal(t, "boom", ErrorText(errors.New("boom")))
	assert.Equal(t, "handler failed", ErrorText(errors.New("")))
}

func TestCallHandlerPanic(t *testing.T) {
	a := New(Options{ID: "a"})
	b := New(Options{ID: "b"})
	require.NoError(t, b.Handle("explode", func() { panic("kaboom") }))
	ca, _ := link(t, a, b)

	_, err := a.Call(context.Background(), ca, "b", "explode")
	var inv *InvocationError
	require.ErrorAs(t, err, &inv)
	assert.Contains(t, inv.Message, "kaboom")

	// The dispatch loop survives.
	require.NoError(t, b.Handle("ping", func() string { return "pong" }))
	pong, err := As[string](a.Call(context.Background(), ca, "b", "ping"))
	require.NoError(t, err)
	assert.Equal(t, "pong", pong)
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	a := New(Options{ID: "a", RequestTimeout: 50 * time.Millisecond})
	b := New(Options{ID: "b"})
	require.NoError(t, b.Handle("hang", func() { <-release }))
	ca, _ := link(t, a, b)

	start := time.Now()
	_, err := a.Call(context.Background(), ca, "b", "hang")
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, a.Pending().Len())
}

func TestCallContextCanceled(t *testing.T) {
	a := New(Options{ID: "a"})
	sink := &recordSender{}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := a.Call(ctx, sink, "b", "slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, a.Pending().Len())
}

func TestCallSendFailureRemovesEntry(t *testing.T) {
	a := New(Options{ID: "a"})
	sink := &recordSender{err: transport.ErrClosed}

	_, err := a.Call(context.Background(), sink, "b", "add", 1)
	require.ErrorIs(t, err, transport.ErrClosed)
	assert.Equal(t, 0, a.Pending().Len())
}

func TestLeaveFailsPendingCalls(t *testing.T) {
	a := New(Options{ID: "a"})
	sink := &recordSender{}

	errc := make(chan error, 1)
	go func() {
		_, err := a.Call(context.Background(), sink, "c", "work")
		errc <- err
	}()
	require.Eventually(t, func() bool { return a.Pending().Len() == 1 }, time.Second, 5*time.Millisecond)

	a.NotifyPresence(context.Background(), message.TypeLeave, "c")
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrPeerDisconnected)
	case <-time.After(time.Second):
		t.Fatal("pending call was not failed on leave")
	}
}

func TestResultResolvesAtMostOnce(t *testing.T) {
	a := New(Options{ID: "a"})
	sink := &recordSender{}

	done := make(chan json.RawMessage, 1)
	go func() {
		raw, _ := a.Call(context.Background(), sink, "b", "echo", 42)
		done <- raw
	}()
	require.Eventually(t, func() bool { return a.Pending().Len() == 1 }, time.Second, 5*time.Millisecond)

	cmd := sink.last(t, a)
	res := cmd.Reply(json.RawMessage(`42`), "")
	assert.True(t, a.Resolve(res))
	assert.False(t, a.Resolve(res), "duplicate result must be a no-op")

	assert.JSONEq(t, `42`, string(<-done))
}

func TestDispatchCmdRepliesSwapped(t *testing.T) {
	b := New(Options{ID: "b"})
	require.NoError(t, b.Handle("echo", func(v any) any { return v }))
	sink := &recordSender{}

	cmd, err := message.NewCommand("id-1", "a", "b", "echo", "hi")
	require.NoError(t, err)
	frame, err := New(Options{ID: "a"}).Encode(cmd)
	require.NoError(t, err)

	b.Dispatch(context.Background(), sink, frame)
	b.Wait()

	res := sink.last(t, b)
	assert.Equal(t, message.TypeResult, res.Type)
	assert.Equal(t, "id-1", res.ID)
	assert.Equal(t, "b", res.From)
	assert.Equal(t, "a", res.To)
	assert.JSONEq(t, `"hi"`, string(res.Data))
	assert.Empty(t, res.Error)
}

func TestDispatchDropsMalformedFrame(t *testing.T) {
	b := New(Options{ID: "b"})
	sink := &recordSender{}

	b.Dispatch(context.Background(), sink, []byte("not a frame"))
	b.Wait()
	assert.Empty(t, sink.frames)
}

func TestCodecInterop(t *testing.T) {
	a := New(Options{ID: "a", Codec: codec.CodecTypeCBOR})
	b := New(Options{ID: "b", Codec: codec.CodecTypeBinary})
	require.NoError(t, b.Handle("concat", func(x, y string) string { return x + y }))
	ca, _ := link(t, a, b)

	got, err := As[string](a.Call(context.Background(), ca, "b", "concat", "foo", "bar"))
	require.NoError(t, err)
	assert.Equal(t, "foobar", got)
}

func TestHandlerTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	a := New(Options{ID: "a"})
	b := New(Options{ID: "b", HandlerTimeout: 30 * time.Millisecond})
	require.NoError(t, b.Handle("hang", func() { <-release }))
	ca, _ := link(t, a, b)

	_, err := a.Call(context.Background(), ca, "b", "hang")
	var inv *InvocationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "handler timed out", inv.Message)
}

func TestPresenceNotifications(t *testing.T) {
	a := New(Options{ID: "a"})
	joined := make(chan string, 1)
	require.NoError(t, a.Handle(message.EventJoin, func(id string) { joined <- id }))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	waitErr := make(chan error, 1)
	go func() { waitErr <- a.AwaitPeer(ctx, "c") }()

	data, _ := json.Marshal("c")
	a.DispatchPayload(ctx, &recordSender{}, &message.Payload{Type: message.TypeJoin, From: "hub", To: "a", Data: data})

	require.NoError(t, <-waitErr)
	assert.Equal(t, "c", <-joined)
	assert.True(t, a.Presence().Has("c"))
	require.NoError(t, a.AwaitPeer(ctx, "c"), "known peer returns immediately")

	a.DispatchPayload(ctx, &recordSender{}, &message.Payload{Type: message.TypeLeave, From: "hub", To: "a", Data: data})
	assert.False(t, a.Presence().Has("c"))
}

func TestAwaitPeerCanceled(t *testing.T) {
	a := New(Options{ID: "a"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, a.AwaitPeer(ctx, "ghost"), context.DeadlineExceeded)
}

func TestNewGeneratesID(t *testing.T) {
	a := New(Options{})
	b := New(Options{})
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, DefaultRequestTimeout, a.RequestTimeout())
}

// dispatchCmd encodes a cmd from "a" to b and feeds it to b.Dispatch.
func dispatchCmd(t *testing.T, b *Endpoint, s Sender, id, event string) {
	t.Helper()
	cmd, err := message.NewCommand(id, "a", b.ID(), event)
	require.NoError(t, err)
	frame, err := New(Options{ID: "a"}).Encode(cmd)
	require.NoError(t, err)
	b.Dispatch(context.Background(), s, frame)
}

func TestDrainWaitsThenRefuses(t *testing.T) {
	b := New(Options{ID: "b"})
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, b.Handle("slow", func() string {
		close(entered)
		<-release
		return "done"
	}))
	sink := &recordSender{}

	dispatchCmd(t, b, sink, "1", "slow")
	<-entered

	drained := make(chan struct{})
	go func() {
		b.Drain()
		close(drained)
	}()
	select {
	case <-drained:
		t.Fatal("Drain returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not return")
	}
	res := sink.last(t, b)
	assert.Equal(t, "1", res.ID)
	assert.JSONEq(t, `"done"`, string(res.Data))

	dispatchCmd(t, b, sink, "2", "slow")
	res = sink.last(t, b)
	assert.Equal(t, "2", res.ID)
	assert.Equal(t, ErrClosed.Error(), res.Error)
	assert.Equal(t, "a", res.To)
}

func TestDrainUnderConcurrentDispatch(t *testing.T) {
	b := New(Options{ID: "b"})
	require.NoError(t, b.Handle("noop", func() {}))
	require.NoError(t, b.Handle("join", func(string) {}))
	sink := &recordSender{}

	cmd, err := message.NewCommand("x", "a", "b", "noop")
	require.NoError(t, err)
	frame, err := New(Options{ID: "a"}).Encode(cmd)
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				b.Dispatch(context.Background(), sink, frame)
				b.NotifyPresence(context.Background(), message.TypeJoin, "c")
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	b.Drain()
	time.Sleep(5 * time.Millisecond)
	close(stop)
	wg.Wait()
	b.Drain()

	assert.Equal(t, ErrClosed.Error(), sink.last(t, b).Error)
}

package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	got    [][]byte
	refuse bool
}

func (r *recorder) Deliver(data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse {
		return false
	}
	r.got = append(r.got, data)
	return true
}

func (r *recorder) messages() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.got...)
}

func TestHub_BroadcastSkipsSender(t *testing.T) {
	hub := NewHub()
	a, b, c := &recorder{}, &recorder{}, &recorder{}
	hub.Join("a", a)
	hub.Join("b", b)
	hub.Join("c", c)

	require.NoError(t, hub.Link("a").Broadcast(context.Background(), []byte("hello")))

	assert.Empty(t, a.messages())
	assert.Equal(t, [][]byte{[]byte("hello")}, b.messages())
	assert.Equal(t, [][]byte{[]byte("hello")}, c.messages())
}

func TestHub_ReceiversGetIndependentCopies(t *testing.T) {
	hub := NewHub(WithConcurrency(1))
	b, c := &recorder{}, &recorder{}
	hub.Join("a", &recorder{})
	hub.Join("b", b)
	hub.Join("c", c)

	data := []byte("xyz")
	require.NoError(t, hub.Broadcast(context.Background(), "a", data))
	data[0] = 'Q'
	b.messages()[0][1] = 'Q'

	assert.Equal(t, "xyz", string(c.messages()[0]))
}

func TestHub_UnknownSender(t *testing.T) {
	hub := NewHub()
	hub.Join("a", &recorder{})

	err := hub.Broadcast(context.Background(), "ghost", []byte("x"))
	require.ErrorIs(t, err, ErrUnknownMember)
}

func TestHub_RefusedDeliveryIsNotAnError(t *testing.T) {
	hub := NewHub()
	hub.Join("a", &recorder{})
	hub.Join("b", &recorder{refuse: true})

	assert.NoError(t, hub.Broadcast(context.Background(), "a", []byte("x")))
}

func TestHub_LeaveAndMembers(t *testing.T) {
	hub := NewHub()
	b := &recorder{}
	hub.Join("b", b)
	hub.Join("a", &recorder{})
	assert.Equal(t, []string{"a", "b"}, hub.Members())

	hub.Leave("b")
	require.NoError(t, hub.Broadcast(context.Background(), "a", []byte("x")))
	assert.Empty(t, b.messages())
	assert.Equal(t, []string{"a"}, hub.Members())
}

func TestHub_CancelledContext(t *testing.T) {
	hub := NewHub()
	b := &recorder{}
	hub.Join("a", &recorder{})
	hub.Join("b", b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Broadcast(ctx, "a", []byte("x"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, b.messages())
}

func TestWebSocket_RoundTrip(t *testing.T) {
	serverRecv, clientRecv := &recorder{}, &recorder{}
	server := NewWebSocket(serverRecv)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()
	defer server.Close()

	client := NewWebSocket(clientRecv)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	require.NoError(t, client.Dial(ctx, url))

	require.NoError(t, client.Broadcast(ctx, []byte{0x08, 0x00}))
	require.Eventually(t, func() bool { return len(serverRecv.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte{0x08, 0x00}, serverRecv.messages()[0])

	require.Eventually(t, func() bool { return server.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, server.Broadcast(ctx, []byte("back")))
	require.Eventually(t, func() bool { return len(clientRecv.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "back", string(clientRecv.messages()[0]))
}

func TestWebSocket_BroadcastDropsFullQueue(t *testing.T) {
	ws := NewWebSocket(&recorder{}, WithSendQueue(1))
	defer ws.Close()

	// Connections without a write loop never drain, like a stalled peer.
	stalled, healthy := &wsConn{send: make(chan []byte, 1)}, &wsConn{send: make(chan []byte, 2)}
	ws.mu.Lock()
	ws.conns[stalled] = struct{}{}
	ws.conns[healthy] = struct{}{}
	ws.mu.Unlock()

	ctx := context.Background()
	require.NoError(t, ws.Broadcast(ctx, []byte("one")))

	done := make(chan error, 1)
	go func() { done <- ws.Broadcast(ctx, []byte("two")) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSlowPeer)
	case <-time.After(time.Second):
		t.Fatal("broadcast waited on a stalled connection")
	}

	assert.Equal(t, 1, ws.Len())
	assert.Len(t, healthy.send, 2)
	_, open := <-stalled.send
	assert.True(t, open, "queued frame is still flushed")
	_, open = <-stalled.send
	assert.False(t, open, "dropped queue is closed")

	// The dropped connection is gone; the healthy one is full now too.
	assert.ErrorIs(t, ws.Broadcast(ctx, []byte("three")), ErrSlowPeer)
	assert.Equal(t, 0, ws.Len())
}

func TestWebSocket_BroadcastCopiesFrame(t *testing.T) {
	ws := NewWebSocket(&recorder{})
	defer ws.Close()

	wc := &wsConn{send: make(chan []byte, 1)}
	ws.mu.Lock()
	ws.conns[wc] = struct{}{}
	ws.mu.Unlock()

	data := []byte("abc")
	require.NoError(t, ws.Broadcast(context.Background(), data))
	data[0] = 'x'
	assert.Equal(t, "abc", string(<-wc.send))
}

func TestWebSocket_ClosedTransport(t *testing.T) {
	ws := NewWebSocket(&recorder{})
	require.NoError(t, ws.Close())
	require.NoError(t, ws.Close())

	assert.ErrorIs(t, ws.Broadcast(context.Background(), []byte("x")), ErrClosed)
}

func TestWebSocket_DialFailure(t *testing.T) {
	ws := NewWebSocket(&recorder{})
	defer ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := ws.Dial(ctx, "ws://127.0.0.1:1/")
	require.Error(t, err)
	assert.Equal(t, 0, ws.Len())
}

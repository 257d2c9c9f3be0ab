// ABOUTME: Tests for the connection multiplexer
// ABOUTME: Covers registration order, broadcast isolation, delivery order and close

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	got    []any
	err    error
	block  bool
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, payload any) error {
	c.mu.Lock()
	err, block := c.err, c.block
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.got = append(c.got, payload)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.got))
	copy(out, c.got)
	return out
}

func TestMultiplexer_RegisterIsIdempotent(t *testing.T) {
	mux := NewMultiplexer(nil)
	c := newFakeConn("a")

	mux.Register("conv-1", c)
	mux.Register("conv-1", c)

	assert.Equal(t, 1, mux.Count("conv-1"))
}

func TestMultiplexer_UnregisterRemovesEmptyEntry(t *testing.T) {
	mux := NewMultiplexer(nil)
	mux.Register("conv-1", newFakeConn("a"))
	mux.Register("conv-1", newFakeConn("b"))

	assert.Equal(t, 1, mux.Unregister("conv-1", "a"))
	assert.Equal(t, 1, mux.Unregister("conv-1", "a"), "second unregister is a no-op")
	assert.Equal(t, 0, mux.Unregister("conv-1", "b"))
	assert.Equal(t, 0, mux.Unregister("conv-unknown", "b"))

	mux.mu.RLock()
	_, exists := mux.conns["conv-1"]
	mux.mu.RUnlock()
	assert.False(t, exists)
}

func TestMultiplexer_BroadcastReachesAllInOrder(t *testing.T) {
	mux := NewMultiplexer(nil)
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	mux.Register("conv-1", a)
	mux.Register("conv-1", b)
	mux.Register("conv-1", c)

	d := mux.Broadcast(t.Context(), "conv-1", "hello")
	require.NoError(t, d.Err())
	assert.Equal(t, []string{"a", "b", "c"}, d.Delivered, "registration order preserved")

	for _, conn := range []*fakeConn{a, b, c} {
		assert.Equal(t, []any{"hello"}, conn.received())
	}
}

func TestMultiplexer_BroadcastIsolatesBrokenConnection(t *testing.T) {
	mux := NewMultiplexer(nil)
	a, broken, c := newFakeConn("a"), newFakeConn("broken"), newFakeConn("c")
	broken.err = errors.New("socket closed")

	mux.Register("conv-1", a)
	mux.Register("conv-1", broken)
	mux.Register("conv-1", c)

	d := mux.Broadcast(t.Context(), "conv-1", "turn-1")

	assert.Equal(t, []string{"a", "c"}, d.Delivered)
	require.Contains(t, d.Failed, "broken")
	assert.ErrorIs(t, d.Failed["broken"], ErrDelivery)
	assert.ErrorIs(t, d.Err(), ErrDelivery)

	assert.Equal(t, []any{"turn-1"}, a.received())
	assert.Equal(t, []any{"turn-1"}, c.received())
	assert.Equal(t, 2, mux.Count("conv-1"), "failed connection is unregistered")

	// Subsequent broadcasts keep working for the survivors
	d = mux.Broadcast(t.Context(), "conv-1", "turn-2")
	require.NoError(t, d.Err())
	assert.Equal(t, []any{"turn-1", "turn-2"}, a.received())
}

func TestMultiplexer_StalledConnectionDoesNotBlockOthers(t *testing.T) {
	mux := NewMultiplexer(nil)
	mux.SetSendTimeout(50 * time.Millisecond)

	fast, stalled := newFakeConn("fast"), newFakeConn("stalled")
	stalled.block = true
	mux.Register("conv-1", stalled)
	mux.Register("conv-1", fast)

	start := time.Now()
	d := mux.Broadcast(t.Context(), "conv-1", "x")

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"fast"}, d.Delivered)
	assert.ErrorIs(t, d.Failed["stalled"], context.DeadlineExceeded)
	assert.Equal(t, 1, mux.Count("conv-1"))
}

func TestMultiplexer_BroadcastNoConnections(t *testing.T) {
	mux := NewMultiplexer(nil)

	d := mux.Broadcast(t.Context(), "nobody", "x")
	assert.Empty(t, d.Delivered)
	assert.NoError(t, d.Err())
}

func TestMultiplexer_SequentialBroadcastsArriveInOrder(t *testing.T) {
	mux := NewMultiplexer(nil)
	a, b := newFakeConn("a"), newFakeConn("b")
	mux.Register("conv-1", a)
	mux.Register("conv-1", b)

	var want []any
	for i := range 50 {
		payload := fmt.Sprintf("turn-%d", i)
		want = append(want, payload)
		mux.Broadcast(t.Context(), "conv-1", payload)
	}

	assert.Equal(t, want, a.received())
	assert.Equal(t, want, b.received())
}

func TestMultiplexer_ConcurrentBroadcastsAreNotInterleavedPerConnection(t *testing.T) {
	mux := NewMultiplexer(nil)
	a, b := newFakeConn("a"), newFakeConn("b")
	mux.Register("conv-1", a)
	mux.Register("conv-1", b)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			mux.Broadcast(t.Context(), "conv-1", i)
		})
	}
	wg.Wait()

	// Whatever order the broadcasts won the delivery lock in, every
	// connection saw the same sequence
	assert.Len(t, a.received(), 20)
	assert.Equal(t, a.received(), b.received())
	assert.Equal(t, 0, mux.delivery.size())
}

func TestMultiplexer_IsolatedByConversation(t *testing.T) {
	mux := NewMultiplexer(nil)
	a, b := newFakeConn("a"), newFakeConn("b")
	mux.Register("conv-1", a)
	mux.Register("conv-2", b)

	mux.Broadcast(t.Context(), "conv-1", "only-1")

	assert.Equal(t, []any{"only-1"}, a.received())
	assert.Empty(t, b.received())
	assert.Equal(t, 2, mux.Total())
}

func TestMultiplexer_Close(t *testing.T) {
	mux := NewMultiplexer(nil)
	a, b := newFakeConn("a"), newFakeConn("b")
	mux.Register("conv-1", a)
	mux.Register("conv-2", b)

	mux.Close()

	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Equal(t, 0, mux.Total())
}

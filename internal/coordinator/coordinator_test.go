package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyrelay/internal/codec"
	"notifyrelay/internal/registry"
	"notifyrelay/internal/relay"
)

var _ relay.Directory = (*Coordinator)(nil)

type testConn struct {
	id  registry.ConnID
	out chan string

	mu   sync.Mutex
	dead bool
}

func newTestConn() *testConn {
	return &testConn{id: registry.NextConnID(), out: make(chan string, 16)}
}

func (c *testConn) ID() registry.ConnID { return c.id }

func (c *testConn) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	dead := c.dead
	c.mu.Unlock()
	if dead {
		return errors.New("peer gone")
	}
	select {
	case c.out <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *testConn) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-c.out:
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("no frame, want %q", want)
	}
}

// startRun runs c's subscription loop for the lifetime of the test.
func startRun(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = c.Close(closeCtx)
	})
}

func waitWrites(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

// runCrossNode checks that a key owned by n1 is reachable from n2.
func runCrossNode(t *testing.T, n1, n2 *Coordinator) {
	t.Helper()
	startRun(t, n1)
	startRun(t, n2)

	conn := newTestConn()
	n1.AddConnection("user-1", conn)
	waitWrites(t, n1)

	ref, err := n2.Lookup(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, n1.Ref(conn), ref)

	_, local := n2.Find("user-1")
	assert.False(t, local, "remote keys must not appear in the local registry")

	// Subscriptions come up asynchronously; retry until the first lands.
	ctx := context.Background()
	require.Eventually(t, func() bool {
		ok, err := n2.Publish(ctx, "user-1", "hello across nodes")
		if err != nil || !ok {
			return false
		}
		select {
		case got := <-conn.out:
			return got == "hello across nodes"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCrossNodeDeliveryMemory(t *testing.T) {
	hub := NewHub()
	n1 := New(nil, hub.Backend(), Options{NodeID: "node-1"})
	n2 := New(nil, hub.Backend(), Options{NodeID: "node-2"})
	runCrossNode(t, n1, n2)
}

func TestAddConnectionMirrorsAndSwapsKeys(t *testing.T) {
	hub := NewHub()
	b := hub.Backend()
	c := New(nil, b, Options{NodeID: "n1"})
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	ctx := context.Background()

	conn := newTestConn()
	c.AddConnection("tmp_abc", conn)
	c.AddConnection("user-uuid", conn)
	waitWrites(t, c)

	_, err := b.Lookup(ctx, "tmp_abc")
	assert.ErrorIs(t, err, ErrNotFound)
	ref, err := b.Lookup(ctx, "user-uuid")
	require.NoError(t, err)
	assert.Equal(t, c.Ref(conn), ref)

	_, ok := c.Find("tmp_abc")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	key, ok := c.RemoveConnectionByConn(conn)
	assert.True(t, ok)
	assert.Equal(t, "user-uuid", key)
	waitWrites(t, c)

	_, err = b.Lookup(ctx, "user-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, c.Len())
}

func TestRemoveConnectionByKey(t *testing.T) {
	hub := NewHub()
	c := New(nil, hub.Backend(), Options{NodeID: "n1"})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	conn := newTestConn()
	c.AddConnection("k", conn)
	c.RemoveConnectionByKey("k")
	c.RemoveConnectionByKey("never-added")
	waitWrites(t, c)

	_, err := c.Lookup(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, c.Len())
}

func TestDisconnectDoesNotEvictNewOwner(t *testing.T) {
	hub := NewHub()
	n1 := New(nil, hub.Backend(), Options{NodeID: "node-1"})
	n2 := New(nil, hub.Backend(), Options{NodeID: "node-2"})
	t.Cleanup(func() {
		_ = n1.Close(context.Background())
		_ = n2.Close(context.Background())
	})

	old, fresh := newTestConn(), newTestConn()
	n1.AddConnection("roaming", old)
	waitWrites(t, n1)
	n2.AddConnection("roaming", fresh)
	waitWrites(t, n2)

	n1.RemoveConnectionByConn(old)
	waitWrites(t, n1)

	ref, err := n2.Lookup(context.Background(), "roaming")
	require.NoError(t, err)
	assert.Equal(t, n2.Ref(fresh), ref)
}

func TestLocalDeliveryWithStoreDown(t *testing.T) {
	hub := NewHub()
	hub.SetDown(true)
	c := New(nil, hub.Backend(), Options{NodeID: "n1", StoreTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	r := relay.New(c)

	conn := newTestConn()
	c.AddConnection("user-1", conn)

	assert.Equal(t, relay.OutcomeDelivered, r.Deliver(context.Background(), "user-1", "still works"))
	conn.expect(t, "still works")

	// Not local and the store is down: the relay reports a drop, nothing panics.
	assert.Equal(t, relay.OutcomeDropped, r.Deliver(context.Background(), "elsewhere", "lost"))

	waitWrites(t, c)
	assert.NotZero(t, c.Stats().FailedWrites)
}

func TestHotPathIndependentOfStoreLatency(t *testing.T) {
	const storeLatency = 500 * time.Millisecond
	hub := NewHub()
	hub.SetLatency(storeLatency)
	c := New(nil, hub.Backend(), Options{NodeID: "n1"})
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	r := relay.New(c)

	conns := make([]*testConn, 20)
	start := time.Now()
	for i := range conns {
		conns[i] = newTestConn()
		c.AddConnection(relay.NewTransientKey(), conns[i])
	}
	c.AddConnection("target", conns[0])
	outcome := r.Deliver(context.Background(), "target", "fast")
	c.RemoveConnectionByConn(conns[1])
	elapsed := time.Since(start)

	assert.Equal(t, relay.OutcomeDelivered, outcome)
	conns[0].expect(t, "fast")
	assert.Less(t, elapsed, storeLatency/5, "registration and local delivery waited on the store")
	assert.Positive(t, c.Stats().Pending)
}

func TestBadBroadcastDoesNotStopSubscription(t *testing.T) {
	hub := NewHub()
	c := New(nil, hub.Backend(), Options{NodeID: "n1"})
	startRun(t, c)

	conn := newTestConn()
	c.AddConnection("user-1", conn)
	b := hub.Backend()
	ctx := context.Background()

	require.Eventually(t, func() bool {
		_ = b.Publish(ctx, []byte("not json"))
		_ = b.Publish(ctx, []byte(`{"recipient_key":"user-1","message":""}`))
		_ = b.Publish(ctx, []byte(`{"recipient_key":"user-1","message":"after garbage"}`))
		select {
		case got := <-conn.out:
			return got == "after garbage"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotZero(t, c.Stats().RemoteReceived)
}

func TestRefreshRewritesLocalMappings(t *testing.T) {
	hub := NewHub()
	b := hub.Backend()
	c := New(nil, b, Options{NodeID: "n1"})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	a, d := newTestConn(), newTestConn()
	c.AddConnection("a", a)
	c.AddConnection("d", d)
	waitWrites(t, c)

	// Simulate a store that lost its data.
	hub.mu.Lock()
	hub.k2c = map[string]string{}
	hub.c2k = map[string]string{}
	hub.mu.Unlock()

	n, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ref, err := b.Lookup(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, c.Ref(d), ref)

	hub.SetDown(true)
	_, err = c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRefreshDoesNotResurrectClosedConnections(t *testing.T) {
	hub := NewHub()
	c := New(nil, hub.Backend(), Options{NodeID: "n1"})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	conns := make([]*testConn, 20)
	for i := range conns {
		conns[i] = newTestConn()
		c.AddConnection(fmt.Sprintf("user-%d", i), conns[i])
	}
	waitWrites(t, c)
	hub.SetLatency(20 * time.Millisecond)

	refreshed := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background())
		refreshed <- err
	}()
	time.Sleep(10 * time.Millisecond)
	for _, conn := range conns {
		c.RemoveConnectionByConn(conn)
	}

	select {
	case err := <-refreshed:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("refresh did not finish")
	}
	waitWrites(t, c)

	assert.Zero(t, c.Len())
	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.Empty(t, hub.k2c, "store still maps keys of closed connections")
	assert.Empty(t, hub.c2k)
}

func TestRefreshFollowsKeyMoves(t *testing.T) {
	hub := NewHub()
	b := hub.Backend()
	c := New(nil, b, Options{NodeID: "n1"})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	conn := newTestConn()
	c.AddConnection("old", conn)
	waitWrites(t, c)
	hub.SetLatency(20 * time.Millisecond)

	refreshed := make(chan int, 1)
	go func() {
		n, _ := c.Refresh(context.Background())
		refreshed <- n
	}()
	time.Sleep(5 * time.Millisecond)
	c.AddConnection("new", conn)

	<-refreshed
	waitWrites(t, c)
	_, err := b.Lookup(context.Background(), "old")
	assert.ErrorIs(t, err, ErrNotFound)
	ref, err := b.Lookup(context.Background(), "new")
	require.NoError(t, err)
	assert.Equal(t, c.Ref(conn), ref)
}

func TestStalledRecipientDoesNotBlockBroadcasts(t *testing.T) {
	c := New(nil, NewHub().Backend(), Options{NodeID: "n1"})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	stalled, healthy := newTestConn(), newTestConn()
	for i := 0; i < cap(stalled.out); i++ {
		stalled.out <- "backlog"
	}
	c.AddConnection("stalled", stalled)
	c.AddConnection("healthy", healthy)

	frame := func(key, msg string) []byte {
		b, err := codec.EncodeBroadcast(codec.Broadcast{RecipientKey: key, Message: msg, Origin: "n2"})
		require.NoError(t, err)
		return b
	}

	start := time.Now()
	c.onBroadcast(context.Background(), frame("stalled", "lost"))
	assert.Less(t, time.Since(start), 2*time.Second, "one full queue held up the broadcast loop")

	c.onBroadcast(context.Background(), frame("healthy", "arrives"))
	healthy.expect(t, "arrives")
	assert.EqualValues(t, 1, c.Stats().RemoteDelivered)
}

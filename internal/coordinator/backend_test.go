package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseBackend runs the behaviour every Backend must share.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, b.Ping(ctx))

	t.Run("mapping both directions", func(t *testing.T) {
		require.NoError(t, b.SetMapping(ctx, "user-1", "n1/1", time.Minute))
		ref, err := b.Lookup(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "n1/1", ref)

		require.NoError(t, b.DeleteRef(ctx, "n1/1"))
		_, err = b.Lookup(ctx, "user-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete key leaves newer owner alone", func(t *testing.T) {
		require.NoError(t, b.SetMapping(ctx, "shared", "n1/2", 0))
		require.NoError(t, b.SetMapping(ctx, "shared", "n2/9", 0))

		require.NoError(t, b.DeleteKey(ctx, "shared", "n1/2"))
		ref, err := b.Lookup(ctx, "shared")
		require.NoError(t, err)
		assert.Equal(t, "n2/9", ref)

		require.NoError(t, b.DeleteRef(ctx, "n1/2"))
		ref, err = b.Lookup(ctx, "shared")
		require.NoError(t, err)
		assert.Equal(t, "n2/9", ref, "stale reverse entry must not delete the new owner")

		require.NoError(t, b.DeleteKey(ctx, "shared", ""))
		_, err = b.Lookup(ctx, "shared")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("absent entries are no-ops", func(t *testing.T) {
		assert.NoError(t, b.DeleteKey(ctx, "missing", ""))
		assert.NoError(t, b.DeleteRef(ctx, "nobody/0"))
		_, err := b.Lookup(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("keys with arbitrary characters", func(t *testing.T) {
		key := "user with spaces/and*stars"
		require.NoError(t, b.SetMapping(ctx, key, "node a/3", 0))
		ref, err := b.Lookup(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "node a/3", ref)
	})

	t.Run("publish reaches subscriber", func(t *testing.T) {
		subCtx, subCancel := context.WithCancel(ctx)
		defer subCancel()

		var mu sync.Mutex
		var got []string
		done := make(chan error, 1)
		go func() {
			done <- b.Subscribe(subCtx, func(data []byte) {
				mu.Lock()
				got = append(got, string(data))
				mu.Unlock()
			})
		}()

		// The subscription is established asynchronously; keep publishing
		// until one lands.
		require.Eventually(t, func() bool {
			if err := b.Publish(ctx, []byte("ping")); err != nil {
				return false
			}
			mu.Lock()
			defer mu.Unlock()
			return len(got) > 0
		}, 5*time.Second, 50*time.Millisecond)

		mu.Lock()
		assert.Equal(t, "ping", got[0])
		mu.Unlock()

		subCancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("Subscribe did not return after cancel")
		}
	})
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewHub().Backend())
}

func TestMemoryBackendDown(t *testing.T) {
	hub := NewHub()
	b := hub.Backend()
	hub.SetDown(true)
	ctx := context.Background()

	assert.ErrorIs(t, b.SetMapping(ctx, "k", "n/1", 0), ErrUnavailable)
	assert.ErrorIs(t, b.Publish(ctx, []byte("x")), ErrUnavailable)
	assert.ErrorIs(t, b.Ping(ctx), ErrUnavailable)

	hub.SetDown(false)
	assert.NoError(t, b.Ping(ctx))
}

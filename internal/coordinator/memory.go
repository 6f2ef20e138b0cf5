package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Hub is an in-process stand-in for a shared store. Every Backend obtained
// from the same Hub sees the same mappings and broadcasts, which lets several
// coordinators in one binary behave like separate nodes. TTLs are ignored.
type Hub struct {
	mu   sync.Mutex
	k2c  map[string]string
	c2k  map[string]string
	subs map[uint64]chan []byte
	seq  uint64

	down    atomic.Bool
	latency atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		k2c:  map[string]string{},
		c2k:  map[string]string{},
		subs: map[uint64]chan []byte{},
	}
}

// SetDown makes every store call fail with ErrUnavailable.
func (h *Hub) SetDown(down bool) { h.down.Store(down) }

// SetLatency delays every store call by d.
func (h *Hub) SetLatency(d time.Duration) { h.latency.Store(int64(d)) }

func (h *Hub) Backend() Backend { return &memoryBackend{hub: h} }

type memoryBackend struct {
	hub *Hub
}

func (m *memoryBackend) gate(ctx context.Context) error {
	if d := time.Duration(m.hub.latency.Load()); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if m.hub.down.Load() {
		return ErrUnavailable
	}
	return nil
}

func (m *memoryBackend) SetMapping(ctx context.Context, key, ref string, _ time.Duration) error {
	if err := m.gate(ctx); err != nil {
		return err
	}
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	h.k2c[key] = ref
	h.c2k[ref] = key
	return nil
}

func (m *memoryBackend) DeleteKey(ctx context.Context, key, ref string) error {
	if err := m.gate(ctx); err != nil {
		return err
	}
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.k2c[key]
	if !ok || (ref != "" && cur != ref) {
		return nil
	}
	delete(h.k2c, key)
	if h.c2k[cur] == key {
		delete(h.c2k, cur)
	}
	return nil
}

func (m *memoryBackend) DeleteRef(ctx context.Context, ref string) error {
	if err := m.gate(ctx); err != nil {
		return err
	}
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	key, ok := h.c2k[ref]
	if !ok {
		return nil
	}
	delete(h.c2k, ref)
	if h.k2c[key] == ref {
		delete(h.k2c, key)
	}
	return nil
}

func (m *memoryBackend) Lookup(ctx context.Context, key string) (string, error) {
	if err := m.gate(ctx); err != nil {
		return "", err
	}
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	ref, ok := h.k2c[key]
	if !ok {
		return "", ErrNotFound
	}
	return ref, nil
}

func (m *memoryBackend) Publish(ctx context.Context, data []byte) error {
	if err := m.gate(ctx); err != nil {
		return err
	}
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- append([]byte(nil), data...):
		default:
		}
	}
	return nil
}

func (m *memoryBackend) Subscribe(ctx context.Context, fn func([]byte)) error {
	h := m.hub
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.seq++
	id := h.seq
	h.subs[id] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-ch:
			fn(data)
		}
	}
}

func (m *memoryBackend) Ping(ctx context.Context) error { return m.gate(ctx) }

func (m *memoryBackend) Close() error { return nil }

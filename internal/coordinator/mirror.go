package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logx "notifyrelay/pkg/logx"
)

type storeOp struct {
	name string
	fn   func(ctx context.Context) error
}

// mirror applies store writes off the caller's goroutine. Ops for the same
// connection land on the same shard and run in submission order, so a stale
// transient-key write can never overtake the identification that replaced it.
type mirror struct {
	log     logx.Logger
	timeout time.Duration
	shards  []chan storeOp

	mu      sync.RWMutex
	closed  bool
	stopCh  chan struct{}
	pending atomic.Int64
	workers sync.WaitGroup

	failed   atomic.Uint64
	overflow atomic.Uint64
}

func newMirror(log logx.Logger, shards, depth int, timeout time.Duration) *mirror {
	if shards <= 0 {
		shards = 8
	}
	if depth <= 0 {
		depth = 1024
	}
	m := &mirror{
		log:     log,
		timeout: timeout,
		shards:  make([]chan storeOp, shards),
		stopCh:  make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = make(chan storeOp, depth)
		m.workers.Add(1)
		go m.worker(m.shards[i])
	}
	return m
}

// submit never blocks and reports whether the op was queued. A full shard
// drops the op; the key TTL and the periodic refresh repair the store
// eventually.
func (m *mirror) submit(shard uint64, name string, fn func(ctx context.Context) error) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	m.pending.Add(1)
	select {
	case m.shards[shard%uint64(len(m.shards))] <- storeOp{name: name, fn: fn}:
		return true
	default:
		m.pending.Add(-1)
		m.overflow.Add(1)
		m.log.Warn("store write queue full, write skipped", logx.String("op", name))
		return false
	}
}

func (m *mirror) worker(queue <-chan storeOp) {
	defer m.workers.Done()
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		select {
		case <-m.stopCh:
			return
		case op := <-queue:
			m.exec(op)
		}
	}
}

func (m *mirror) exec(op storeOp) {
	defer m.pending.Add(-1)
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	start := time.Now()
	if err := op.fn(ctx); err != nil {
		m.failed.Add(1)
		m.log.Warn("store write failed", logx.String("op", op.name), logx.Duration("dur", time.Since(start)), logx.Err(err))
		return
	}
	m.log.Trace("store write", logx.String("op", op.name), logx.Duration("dur", time.Since(start)))
}

// wait blocks until every submitted op has run or ctx is done.
func (m *mirror) wait(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for m.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// close refuses new ops, drains what is queued (bounded by ctx) and stops the workers.
func (m *mirror) close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.wait(ctx)
	close(m.stopCh)
	m.workers.Wait()
	return err
}

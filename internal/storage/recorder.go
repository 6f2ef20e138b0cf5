package storage

import (
	"context"
	"sync/atomic"
	"time"

	"notifyrelay/internal/eventbus"
	logx "notifyrelay/pkg/logx"
)

// Recorder copies relay events from the bus into a Store. It runs on its
// own goroutine so a slow disk only costs dropped audit records, never
// delivery latency.
type Recorder struct {
	store  Store
	bus    eventbus.Bus
	node   string
	log    logx.Logger
	buffer int

	written atomic.Uint64
	failed  atomic.Uint64
}

func NewRecorder(store Store, bus eventbus.Bus, node string, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, bus: bus, node: node, log: log.With(logx.String("comp", "audit")), buffer: 1024}
}

// Run records events until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsubscribe := r.bus.Subscribe(r.buffer)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := r.store.AppendAudit(wctx, AuditEntry{
		At:     ev.Time,
		Node:   r.node,
		Type:   string(ev.Type),
		ConnID: ev.ConnID,
		Key:    ev.Key,
		Detail: ev.Detail,
	})
	if err != nil {
		// log the first failure and then every 100th to avoid flooding
		if n := r.failed.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn("audit append failed", logx.Uint64("failures", n), logx.Err(err))
		}
		return
	}
	r.written.Add(1)
}

// Counts reports records written and failed so far.
func (r *Recorder) Counts() (written, failed uint64) {
	return r.written.Load(), r.failed.Load()
}

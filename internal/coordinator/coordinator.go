// Package coordinator spreads one logical address space over several relay
// processes.
//
// Each node keeps its own connections in a local registry and mirrors the
// mappings into a shared Backend. Store writes never run on the caller's
// goroutine, so local delivery keeps working at full speed even with the
// store slow or down. Payloads for keys that are not local are published on
// the backend's broadcast channel; every node checks its local registry and
// forwards what it owns.
//
// Delivery across nodes is best effort: while ownership of a key briefly
// overlaps during a reconnect, two nodes may both forward the same payload.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"notifyrelay/internal/codec"
	"notifyrelay/internal/eventbus"
	"notifyrelay/internal/registry"
	logx "notifyrelay/pkg/logx"
)

// DefaultRemoteSendTimeout bounds one cross-node forward. A recipient whose
// send queue stays full for longer loses the message instead of stalling
// delivery for every other local recipient.
const DefaultRemoteSendTimeout = 250 * time.Millisecond

type Options struct {
	NodeID string
	// StoreTimeout bounds each store call. Default 5s.
	StoreTimeout time.Duration
	// KeyTTL is applied to mappings so entries of a crashed node expire.
	// Zero disables expiry.
	KeyTTL time.Duration
	// SendTimeout bounds a forward of a broadcast to a local connection.
	// Every broadcast is handled on one goroutine, so it stays short.
	// Default 250ms.
	SendTimeout time.Duration
	Shards      int
	QueueDepth  int

	Log logx.Logger
	Bus eventbus.Bus
}

// Stats is a point-in-time snapshot of coordinator counters.
type Stats struct {
	Node            string `json:"node"`
	Local           int    `json:"local"`
	Pending         int64  `json:"pending_writes"`
	FailedWrites    uint64 `json:"failed_writes"`
	SkippedWrites   uint64 `json:"skipped_writes"`
	Published       uint64 `json:"published"`
	RemoteReceived  uint64 `json:"remote_received"`
	RemoteDelivered uint64 `json:"remote_delivered"`
}

type Coordinator struct {
	reg     *registry.Registry
	backend Backend
	node    string
	opts    Options
	log     logx.Logger
	bus     eventbus.Bus
	mirror  *mirror

	published       atomic.Uint64
	remoteReceived  atomic.Uint64
	remoteDelivered atomic.Uint64
}

func New(reg *registry.Registry, backend Backend, opts Options) *Coordinator {
	if reg == nil {
		reg = registry.New()
	}
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultRemoteSendTimeout
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("node", opts.NodeID))
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Coordinator{
		reg:     reg,
		backend: backend,
		node:    opts.NodeID,
		opts:    opts,
		log:     log,
		bus:     bus,
		mirror:  newMirror(log, opts.Shards, opts.QueueDepth, opts.StoreTimeout),
	}
}

func (c *Coordinator) NodeID() string { return c.node }

// Ref is the store-side identity of a local connection.
func (c *Coordinator) Ref(conn registry.Conn) string {
	return fmt.Sprintf("%s/%d", c.node, conn.ID())
}

// AddConnection registers conn under key locally, then queues the store write.
// A previous key of conn is dropped on both sides.
func (c *Coordinator) AddConnection(key string, conn registry.Conn) {
	if conn == nil {
		return
	}
	prev, had := c.reg.KeyOf(conn)
	c.reg.Register(key, conn)

	ref := c.Ref(conn)
	ttl := c.opts.KeyTTL
	c.mirror.submit(uint64(conn.ID()), "add", func(ctx context.Context) error {
		if had && prev != key {
			if err := c.backend.DeleteKey(ctx, prev, ref); err != nil {
				return err
			}
		}
		return c.backend.SetMapping(ctx, key, ref, ttl)
	})
}

// RemoveConnectionByKey drops key locally and, best effort, from the store.
func (c *Coordinator) RemoveConnectionByKey(key string) {
	conn, ok := c.reg.Find(key)
	c.reg.UnregisterByKey(key)

	var ref string
	var shard uint64
	if ok {
		ref = c.Ref(conn)
		shard = uint64(conn.ID())
	}
	c.mirror.submit(shard, "remove_key", func(ctx context.Context) error {
		return c.backend.DeleteKey(ctx, key, ref)
	})
}

// RemoveConnectionByConn drops whatever conn is registered under, locally
// and, best effort, from the store.
func (c *Coordinator) RemoveConnectionByConn(conn registry.Conn) (string, bool) {
	if conn == nil {
		return "", false
	}
	key, ok := c.reg.UnregisterByConn(conn)
	ref := c.Ref(conn)
	c.mirror.submit(uint64(conn.ID()), "remove_conn", func(ctx context.Context) error {
		return c.backend.DeleteRef(ctx, ref)
	})
	return key, ok
}

// Find only consults the local registry; other nodes are reached via Publish.
func (c *Coordinator) Find(key string) (registry.Conn, bool) { return c.reg.Find(key) }

func (c *Coordinator) Len() int { return c.reg.Len() }

// Lookup asks the store who owns key.
func (c *Coordinator) Lookup(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	return c.backend.Lookup(ctx, key)
}

// Publish broadcasts payload for key to every node. This is the only store
// call a message can wait on, and only for keys that are not local.
func (c *Coordinator) Publish(ctx context.Context, key, payload string) (bool, error) {
	data, err := codec.EncodeBroadcast(codec.Broadcast{RecipientKey: key, Message: payload, Origin: c.node})
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	if err := c.backend.Publish(ctx, data); err != nil {
		return false, err
	}
	c.published.Add(1)
	return true, nil
}

// Run consumes the broadcast channel until ctx is done. It returns the
// backend's error when the subscription breaks so a supervisor can restart it.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info("broadcast subscription started")
	err := c.backend.Subscribe(ctx, func(data []byte) { c.onBroadcast(ctx, data) })
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = errors.New("coordinator: subscription ended")
	}
	return err
}

func (c *Coordinator) onBroadcast(ctx context.Context, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("broadcast handler panicked", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	c.remoteReceived.Add(1)

	b, err := codec.DecodeBroadcast(data)
	if err != nil {
		c.log.Warn("broadcast decode error", logx.Err(err))
		return
	}
	if b.RecipientKey == "" || b.Message == "" {
		return
	}
	conn, ok := c.reg.Find(b.RecipientKey)
	if !ok {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()
	if err := conn.Send(sctx, b.Message); err != nil {
		c.log.Warn("remote delivery failed", logx.String("recipient", b.RecipientKey), logx.String("origin", b.Origin), logx.Err(err))
		return
	}
	c.remoteDelivered.Add(1)
	c.bus.Publish(eventbus.Event{Type: eventbus.MsgRemote, ConnID: uint64(conn.ID()), Key: b.RecipientKey, Detail: b.Origin})
	c.log.Debug("remote message delivered", logx.String("recipient", b.RecipientKey), logx.String("origin", b.Origin))
}

// errWriteSkipped reports a refresh write that could not be queued.
var errWriteSkipped = errors.New("coordinator: store write skipped")

// Refresh rewrites every local mapping so it outlives its TTL and repairs
// writes that were skipped or failed. It returns how many were written.
//
// Each write goes through the connection's mirror shard, behind any removal
// already queued for it, and is skipped when the connection no longer holds
// the key by the time it runs.
func (c *Coordinator) Refresh(ctx context.Context) (int, error) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		n    int
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		n++
	}

	ttl := c.opts.KeyTTL
	c.reg.Each(func(key string, conn registry.Conn) {
		if ctx.Err() != nil {
			return
		}
		ref := c.Ref(conn)
		wg.Add(1)
		queued := c.mirror.submit(uint64(conn.ID()), "refresh", func(wctx context.Context) error {
			defer wg.Done()
			if cur, ok := c.reg.KeyOf(conn); !ok || cur != key {
				return nil
			}
			err := c.backend.SetMapping(wctx, key, ref, ttl)
			record(err)
			return err
		})
		if !queued {
			wg.Done()
			record(fmt.Errorf("refresh %s: %w", key, errWriteSkipped))
		}
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		record(ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	return n, errors.Join(errs...)
}

func (c *Coordinator) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	return c.backend.Ping(ctx)
}

// Wait blocks until every queued store write has been attempted.
func (c *Coordinator) Wait(ctx context.Context) error { return c.mirror.wait(ctx) }

func (c *Coordinator) Stats() Stats {
	return Stats{
		Node:            c.node,
		Local:           c.reg.Len(),
		Pending:         c.mirror.pending.Load(),
		FailedWrites:    c.mirror.failed.Load(),
		SkippedWrites:   c.mirror.overflow.Load(),
		Published:       c.published.Load(),
		RemoteReceived:  c.remoteReceived.Load(),
		RemoteDelivered: c.remoteDelivered.Load(),
	}
}

// Close drains queued writes (bounded by ctx) and closes the backend.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.mirror.close(ctx)
	if cerr := c.backend.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Package relay runs the per-connection state machine and routes payloads
// between connections.
//
// A connection starts PENDING under a transient key, becomes IDENTIFIED when
// it announces a recipient key with the "connected" control message, and is
// CLOSED when its stream ends. Cleanup runs on every exit path.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"notifyrelay/internal/codec"
	"notifyrelay/internal/eventbus"
	logx "notifyrelay/pkg/logx"
)

// Outcome is what happened to one delivery request.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomePublished Outcome = "published"
	OutcomeDropped   Outcome = "dropped"
)

// Limits bounds how fast one connection may push frames. A zero PerSec
// disables limiting.
type Limits struct {
	PerSec float64
	Burst  int
}

// Stats is a point-in-time snapshot of relay counters.
type Stats struct {
	Active      int64  `json:"active"`
	Accepted    uint64 `json:"accepted"`
	Identified  uint64 `json:"identified"`
	Delivered   uint64 `json:"delivered"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Invalid     uint64 `json:"invalid"`
	RateLimited uint64 `json:"rate_limited"`
	Registered  int    `json:"registered"`
}

type Option func(*Relay)

func WithLogger(log logx.Logger) Option { return func(r *Relay) { r.log = log } }

func WithEventBus(bus eventbus.Bus) Option {
	return func(r *Relay) {
		if bus != nil {
			r.bus = bus
		}
	}
}

func WithLimits(l Limits) Option { return func(r *Relay) { r.SetLimits(l) } }

// WithSendTimeout bounds a single forward to a recipient.
func WithSendTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// Relay is shared by every connection handler of a process.
type Relay struct {
	dir         Directory
	log         logx.Logger
	bus         eventbus.Bus
	sendTimeout time.Duration
	limits      atomic.Pointer[Limits]

	active      atomic.Int64
	accepted    atomic.Uint64
	identified  atomic.Uint64
	delivered   atomic.Uint64
	published   atomic.Uint64
	dropped     atomic.Uint64
	invalid     atomic.Uint64
	rateLimited atomic.Uint64
}

func New(dir Directory, opts ...Option) *Relay {
	if dir == nil {
		dir = NewLocal(nil)
	}
	r := &Relay{
		dir:         dir,
		log:         logx.Nop(),
		bus:         eventbus.Nop(),
		sendTimeout: 10 * time.Second,
	}
	r.limits.Store(&Limits{})
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetLimits changes the rate limit applied to connections accepted from now on.
func (r *Relay) SetLimits(l Limits) {
	if l.PerSec < 0 {
		l.PerSec = 0
	}
	if l.PerSec > 0 && l.Burst <= 0 {
		l.Burst = 1
	}
	r.limits.Store(&l)
}

func (r *Relay) Limits() Limits { return *r.limits.Load() }

func (r *Relay) Directory() Directory { return r.dir }

func (r *Relay) Stats() Stats {
	return Stats{
		Active:      r.active.Load(),
		Accepted:    r.accepted.Load(),
		Identified:  r.identified.Load(),
		Delivered:   r.delivered.Load(),
		Published:   r.published.Load(),
		Dropped:     r.dropped.Load(),
		Invalid:     r.invalid.Load(),
		RateLimited: r.rateLimited.Load(),
		Registered:  r.dir.Len(),
	}
}

// Deliver forwards payload to whoever is registered under key: a local
// connection first, then other nodes. It never returns an error; failures
// are logged and reported as OutcomeDropped.
func (r *Relay) Deliver(ctx context.Context, key, payload string) Outcome {
	log := r.log.With(logx.String("recipient", key))
	if key == "" {
		log.Warn("message without recipient dropped")
		return r.drop(key, "no recipient")
	}

	if conn, ok := r.dir.Find(key); ok {
		sctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
		err := conn.Send(sctx, payload)
		cancel()
		if err != nil {
			log.Warn("send to recipient failed", logx.Uint64("conn_id", uint64(conn.ID())), logx.Err(err))
			return r.drop(key, "send failed: "+err.Error())
		}
		r.delivered.Add(1)
		r.bus.Publish(eventbus.Event{Type: eventbus.MsgDelivered, ConnID: uint64(conn.ID()), Key: key})
		log.Debug("message delivered", logx.Uint64("conn_id", uint64(conn.ID())))
		return OutcomeDelivered
	}

	ok, err := r.dir.Publish(ctx, key, payload)
	if err != nil {
		log.Warn("publish failed", logx.Err(err))
		return r.drop(key, "publish failed: "+err.Error())
	}
	if ok {
		r.published.Add(1)
		r.bus.Publish(eventbus.Event{Type: eventbus.MsgPublished, Key: key})
		log.Debug("message published for remote delivery")
		return OutcomePublished
	}

	log.Warn("recipient not found")
	return r.drop(key, "recipient not found")
}

func (r *Relay) drop(key, reason string) Outcome {
	r.dropped.Add(1)
	r.bus.Publish(eventbus.Event{Type: eventbus.MsgDropped, Key: key, Detail: reason})
	return OutcomeDropped
}

// Handle runs conn until its stream ends. The returned error is informational:
// cleanup has already happened and the error never concerns other connections.
func (r *Relay) Handle(ctx context.Context, conn Conn) error {
	h := &handler{
		relay:     r,
		conn:      conn,
		transient: NewTransientKey(),
		state:     StatePending,
	}
	h.log = r.log.With(logx.Uint64("conn_id", uint64(conn.ID())))
	if l := r.Limits(); l.PerSec > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(l.PerSec), l.Burst)
	}
	return h.run(ctx)
}

type handler struct {
	relay     *Relay
	conn      Conn
	log       logx.Logger
	limiter   *rate.Limiter
	transient string
	key       string
	state     State
}

func (h *handler) run(ctx context.Context) (err error) {
	r := h.relay
	r.accepted.Add(1)
	r.active.Add(1)

	defer h.cleanup()
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("connection handler panicked", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("relay: handler panic: %v", rec)
		}
	}()

	h.key = h.transient
	r.dir.AddConnection(h.transient, h.conn)
	r.bus.Publish(eventbus.Event{Type: eventbus.ConnOpen, ConnID: uint64(h.conn.ID()), Key: h.transient})
	h.log.Info("new connection", logx.String("key", h.transient), logx.Int("connections", r.dir.Len()))

	if err := h.conn.Send(ctx, Greeting); err != nil {
		return fmt.Errorf("relay: send greeting: %w", err)
	}

	for {
		raw, err := h.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay: receive: %w", err)
		}
		if h.limiter != nil && !h.limiter.Allow() {
			// counted apart from recipient drops: nothing was addressed yet
			r.rateLimited.Add(1)
			h.log.Warn("frame over rate limit dropped", logx.String("key", h.key))
			continue
		}
		h.frame(ctx, raw)
	}
}

func (h *handler) frame(ctx context.Context, raw string) {
	r := h.relay
	res := codec.Parse(raw)
	if res.Kind == codec.KindInvalid {
		r.invalid.Add(1)
		r.bus.Publish(eventbus.Event{Type: eventbus.MsgInvalid, ConnID: uint64(h.conn.ID()), Key: h.key, Detail: res.Err.Error()})
		h.log.Warn("frame decode error", logx.Err(res.Err))
		return
	}

	env := res.Envelope
	if env.IsIdentify() {
		h.identify(env.RecipientKey)
		return
	}
	h.log.Debug("relay request", logx.String("recipient", env.RecipientKey), logx.String("kind", res.Kind.String()))
	r.Deliver(ctx, env.RecipientKey, env.Payload)
}

// identify moves the connection to key. Registering under the new key drops
// the previous one in the same step, so the old key is never addressable
// after this returns.
func (h *handler) identify(key string) {
	r := h.relay
	prev := h.key
	r.dir.AddConnection(key, h.conn)
	h.key = key
	if h.state == StatePending {
		r.identified.Add(1)
	}
	h.state = StateIdentified
	r.bus.Publish(eventbus.Event{Type: eventbus.ConnIdentified, ConnID: uint64(h.conn.ID()), Key: key, Detail: prev})
	h.log.Info("connection identified", logx.String("key", key), logx.String("previous", prev))
}

func (h *handler) cleanup() {
	r := h.relay
	h.state = StateClosed
	key, _ := r.dir.RemoveConnectionByConn(h.conn)
	if err := h.conn.Close(); err != nil && !errors.Is(err, ErrClosed) {
		h.log.Debug("close connection", logx.Err(err))
	}
	r.active.Add(-1)
	r.bus.Publish(eventbus.Event{Type: eventbus.ConnClosed, ConnID: uint64(h.conn.ID()), Key: key})
	h.log.Info("disconnected", logx.String("key", key), logx.Int("connections", r.dir.Len()))
}

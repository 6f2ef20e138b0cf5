package coordinator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSOptions struct {
	URL     string
	Bucket  string
	Subject string
	// KeyTTL is applied to the bucket when it is created.
	KeyTTL time.Duration
	Name   string
}

// NATS keeps mappings in a JetStream key-value bucket and broadcasts on a
// core subject. KV keys are base64url so any recipient key is storable.
type NATS struct {
	nc      *nats.Conn
	kv      nats.KeyValue
	subject string
	closed  chan struct{}
}

func NewNATS(opts NATSOptions) (*NATS, error) {
	if opts.Bucket == "" {
		opts.Bucket = "ws_conn"
	}
	if opts.Subject == "" {
		opts.Subject = "ws.messages"
	}
	if opts.Name == "" {
		opts.Name = "notifyrelay"
	}
	n := &NATS{subject: opts.Subject, closed: make(chan struct{})}

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ClosedHandler(func(*nats.Conn) { close(n.closed) }),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats: jetstream: %w", err)
	}
	kv, err := js.KeyValue(opts.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  opts.Bucket,
			TTL:     opts.KeyTTL,
			Storage: nats.MemoryStorage,
			History: 1,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats: bucket %s: %w", opts.Bucket, err)
	}
	n.nc = nc
	n.kv = kv
	return n, nil
}

func kvKey(prefix, s string) string {
	return prefix + base64.RawURLEncoding.EncodeToString([]byte(s))
}

func (n *NATS) get(k string) (string, bool, error) {
	e, err := n.kv.Get(k)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(e.Value()), true, nil
}

// SetMapping ignores ttl: expiry is a bucket property fixed at creation.
func (n *NATS) SetMapping(ctx context.Context, key, ref string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := n.kv.Put(kvKey("k2c.", key), []byte(ref)); err != nil {
		return fmt.Errorf("nats: set mapping: %w", err)
	}
	if _, err := n.kv.Put(kvKey("c2k.", ref), []byte(key)); err != nil {
		return fmt.Errorf("nats: set mapping: %w", err)
	}
	return nil
}

func (n *NATS) DeleteKey(ctx context.Context, key, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fwd := kvKey("k2c.", key)
	cur, ok, err := n.get(fwd)
	if err != nil {
		return fmt.Errorf("nats: delete key: %w", err)
	}
	if !ok || (ref != "" && cur != ref) {
		return nil
	}
	if err := n.kv.Delete(fwd); err != nil {
		return fmt.Errorf("nats: delete key: %w", err)
	}
	back := kvKey("c2k.", cur)
	if k, ok, err := n.get(back); err == nil && ok && k == key {
		if err := n.kv.Delete(back); err != nil {
			return fmt.Errorf("nats: delete key: %w", err)
		}
	}
	return nil
}

func (n *NATS) DeleteRef(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	back := kvKey("c2k.", ref)
	key, ok, err := n.get(back)
	if err != nil {
		return fmt.Errorf("nats: delete ref: %w", err)
	}
	if !ok {
		return nil
	}
	if err := n.kv.Delete(back); err != nil {
		return fmt.Errorf("nats: delete ref: %w", err)
	}
	fwd := kvKey("k2c.", key)
	if r, ok, err := n.get(fwd); err == nil && ok && r == ref {
		if err := n.kv.Delete(fwd); err != nil {
			return fmt.Errorf("nats: delete ref: %w", err)
		}
	}
	return nil
}

func (n *NATS) Lookup(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref, ok, err := n.get(kvKey("k2c.", key))
	if err != nil {
		return "", fmt.Errorf("nats: lookup: %w", err)
	}
	if !ok {
		return "", ErrNotFound
	}
	return ref, nil
}

func (n *NATS) Publish(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, fn func([]byte)) error {
	msgs := make(chan *nats.Msg, 256)
	sub, err := n.nc.ChanSubscribe(n.subject, msgs)
	if err != nil {
		return fmt.Errorf("nats: subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := n.nc.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats: subscribe flush: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.closed:
			return errors.New("nats: connection closed")
		case m := <-msgs:
			fn(m.Data)
		}
	}
}

func (n *NATS) Ping(ctx context.Context) error {
	if !n.nc.IsConnected() {
		return fmt.Errorf("nats: %s: %w", n.nc.Status(), ErrUnavailable)
	}
	timeout := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := n.nc.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("nats: ping: %w", err)
	}
	return nil
}

func (n *NATS) Close() error {
	n.nc.Close()
	return nil
}

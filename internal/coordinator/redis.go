package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Channel overrides the broadcast channel name.
	Channel string
}

// Redis keeps mappings as plain string keys and broadcasts over pub/sub.
type Redis struct {
	client  *redis.Client
	channel string
}

func NewRedis(opts RedisOptions) *Redis {
	ch := opts.Channel
	if ch == "" {
		ch = Channel
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		channel: ch,
	}
}

// deleteKeyScript removes KEYS[1] (a key_to_ws entry) if it matches ARGV[1]
// (or unconditionally when ARGV[1] is empty) and the reverse entry if that
// still points back. ARGV[2] is the reverse-key prefix.
var deleteKeyScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
if ARGV[1] ~= '' and cur ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
local back = ARGV[2] .. cur
if redis.call('GET', back) == ARGV[3] then redis.call('DEL', back) end
return 1
`)

// deleteRefScript removes KEYS[1] (a ws_to_key entry) and the forward entry
// it names if that still points back at ARGV[1].
var deleteRefScript = redis.NewScript(`
local key = redis.call('GET', KEYS[1])
if not key then return 0 end
redis.call('DEL', KEYS[1])
local fwd = ARGV[2] .. key
if redis.call('GET', fwd) == ARGV[1] then redis.call('DEL', fwd) end
return 1
`)

func (r *Redis) SetMapping(ctx context.Context, key, ref string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, KeyToConnPrefix+key, ref, ttl)
	pipe.Set(ctx, ConnToKeyPrefix+ref, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set mapping: %w", err)
	}
	return nil
}

func (r *Redis) DeleteKey(ctx context.Context, key, ref string) error {
	err := deleteKeyScript.Run(ctx, r.client, []string{KeyToConnPrefix + key}, ref, ConnToKeyPrefix, key).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: delete key: %w", err)
	}
	return nil
}

func (r *Redis) DeleteRef(ctx context.Context, ref string) error {
	err := deleteRefScript.Run(ctx, r.client, []string{ConnToKeyPrefix + ref}, ref, KeyToConnPrefix).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: delete ref: %w", err)
	}
	return nil
}

func (r *Redis) Lookup(ctx context.Context, key string) (string, error) {
	ref, err := r.client.Get(ctx, KeyToConnPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis: lookup: %w", err)
	}
	return ref, nil
}

func (r *Redis) Publish(ctx context.Context, data []byte) error {
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, fn func([]byte)) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()

	// Wait for the subscription confirmation so broadcasts published after
	// Subscribe starts are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe: %w", err)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis: subscription closed")
			}
			fn([]byte(msg.Payload))
		}
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }

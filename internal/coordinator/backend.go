package coordinator

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Lookup for keys nobody owns.
	ErrNotFound = errors.New("coordinator: key not found")
	// ErrUnavailable is returned by backends that cannot reach their store.
	ErrUnavailable = errors.New("coordinator: store unavailable")
)

// Backend is the shared store plus broadcast channel used by every node.
//
// Mappings are stored in both directions: key -> connection ref and
// connection ref -> key. A ref is "<node>/<conn id>" so refs from different
// processes never collide.
type Backend interface {
	// SetMapping writes both directions. ttl <= 0 means no expiry.
	SetMapping(ctx context.Context, key, ref string, ttl time.Duration) error
	// DeleteKey removes key. When ref is non-empty the key is only removed if
	// it still points at ref, so a newer owner is left alone.
	DeleteKey(ctx context.Context, key, ref string) error
	// DeleteRef removes ref and the key it points at, if that key still
	// points back at ref.
	DeleteRef(ctx context.Context, ref string) error
	Lookup(ctx context.Context, key string) (string, error)

	Publish(ctx context.Context, data []byte) error
	// Subscribe calls fn for every broadcast until ctx is done or the
	// subscription breaks. It never returns nil while ctx is live.
	Subscribe(ctx context.Context, fn func(data []byte)) error

	Ping(ctx context.Context) error
	Close() error
}

// Redis-compatible key layout shared with earlier deployments.
const (
	KeyToConnPrefix = "ws:key_to_ws:"
	ConnToKeyPrefix = "ws:ws_to_key:"
	Channel         = "ws:messages"
)

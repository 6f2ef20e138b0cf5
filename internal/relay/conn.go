package relay

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"notifyrelay/internal/registry"
)

// Greeting is sent verbatim right after accept; compatibility clients assert on it.
const Greeting = "..:: Hello from the Notification Center ::.."

// TransientPrefix marks keys assigned at accept time.
const TransientPrefix = "tmp_"

// ErrClosed is returned by Send and Receive once a Conn has been closed.
var ErrClosed = errors.New("relay: connection closed")

// Conn is one accepted full-duplex stream.
//
// Receive is only ever called from the handler goroutine. Send may be called
// from any goroutine (other handlers, the coordinator, the control endpoint)
// and must fail promptly with ErrClosed once the peer is gone.
type Conn interface {
	registry.Conn
	// Receive blocks for the next inbound text frame. io.EOF or ErrClosed
	// mean the stream ended.
	Receive(ctx context.Context) (string, error)
	Close() error
}

// State is a connection's lifecycle position.
type State uint8

const (
	StatePending State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NewTransientKey returns a fresh per-connection key with 122 random bits.
func NewTransientKey() string {
	return TransientPrefix + uuid.NewString()
}

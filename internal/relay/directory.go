package relay

import (
	"context"

	"notifyrelay/internal/registry"
)

// Directory is where handlers register themselves and look recipients up.
//
// Implementations update local state synchronously; anything slower (a shared
// store) happens off the caller's goroutine.
type Directory interface {
	AddConnection(key string, conn registry.Conn)
	RemoveConnectionByKey(key string)
	RemoveConnectionByConn(conn registry.Conn) (string, bool)
	Find(key string) (registry.Conn, bool)
	// Publish hands payload to other nodes. It reports false when there is
	// nobody to hand it to.
	Publish(ctx context.Context, key, payload string) (bool, error)
	Len() int
}

// Local is a single-node Directory backed by a registry only.
type Local struct {
	reg *registry.Registry
}

func NewLocal(reg *registry.Registry) *Local {
	if reg == nil {
		reg = registry.New()
	}
	return &Local{reg: reg}
}

func (l *Local) AddConnection(key string, conn registry.Conn) { l.reg.Register(key, conn) }
func (l *Local) RemoveConnectionByKey(key string)             { l.reg.UnregisterByKey(key) }
func (l *Local) RemoveConnectionByConn(conn registry.Conn) (string, bool) {
	return l.reg.UnregisterByConn(conn)
}
func (l *Local) Find(key string) (registry.Conn, bool) { return l.reg.Find(key) }
func (l *Local) Len() int                             { return l.reg.Len() }

func (l *Local) Publish(context.Context, string, string) (bool, error) { return false, nil }

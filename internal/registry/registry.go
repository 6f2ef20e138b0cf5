// Package registry maps addressing keys to live connections.
//
// A key is either a transient per-connection token assigned at accept time or
// the stable recipient identifier a client announces. The registry keeps a
// forward map (key -> connection) and a reverse index (connection id -> key)
// so that teardown removes the right entry without scanning.
//
// Invariant: for every forward entry (k, c) there is exactly one reverse entry
// (c.ID(), k) and vice versa.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
)

// ConnID identifies one accepted connection for the lifetime of the process.
type ConnID uint64

var connSeq atomic.Uint64

// NextConnID issues a fresh, never reused ConnID.
func NextConnID() ConnID { return ConnID(connSeq.Add(1)) }

// Conn is the registry's view of a connection handle: an identity and a way
// to push a text frame at it. The registry never owns or closes a Conn.
type Conn interface {
	ID() ConnID
	Send(ctx context.Context, text string) error
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[string]Conn
	keyByID map[ConnID]string

	// onTouch, when set, is told about every map entry touched by a mutation.
	onTouch func(op string)
}

func New() *Registry {
	return &Registry{
		byKey:   make(map[string]Conn),
		keyByID: make(map[ConnID]string),
	}
}

// Register inserts or replaces the entry for key.
//
// A previous holder of key stays connected but is no longer addressable.
// If conn was registered under another key, that entry is dropped so the
// reverse index stays a bijection.
func (r *Registry) Register(key string, conn Conn) {
	if conn == nil {
		return
	}
	id := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byKey[key]; ok && prev.ID() != id {
		r.touch("reverse.delete")
		delete(r.keyByID, prev.ID())
	}
	if oldKey, ok := r.keyByID[id]; ok && oldKey != key {
		r.touch("forward.delete")
		delete(r.byKey, oldKey)
	}
	r.touch("forward.set")
	r.byKey[key] = conn
	r.touch("reverse.set")
	r.keyByID[id] = key
}

// UnregisterByKey removes key and its reverse entry. Absent keys are a no-op.
func (r *Registry) UnregisterByKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byKey[key]
	if !ok {
		return
	}
	r.touch("forward.delete")
	delete(r.byKey, key)
	r.touch("reverse.delete")
	delete(r.keyByID, conn.ID())
}

// UnregisterByConn removes whatever key conn is registered under, in O(1).
// It returns the removed key, if any.
func (r *Registry) UnregisterByConn(conn Conn) (string, bool) {
	if conn == nil {
		return "", false
	}
	id := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.keyByID[id]
	if !ok {
		return "", false
	}
	r.touch("reverse.delete")
	delete(r.keyByID, id)
	if cur, ok := r.byKey[key]; ok && cur.ID() == id {
		r.touch("forward.delete")
		delete(r.byKey, key)
	}
	return key, true
}

// Find returns the connection registered under key.
func (r *Registry) Find(key string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byKey[key]
	return c, ok
}

// KeyOf returns the key conn is currently addressable under.
func (r *Registry) KeyOf(conn Conn) (string, bool) {
	if conn == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keyByID[conn.ID()]
	return k, ok
}

// Len returns the number of live forward entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Each calls fn for a snapshot of all entries. fn runs without the lock held.
func (r *Registry) Each(fn func(key string, conn Conn)) {
	r.mu.RLock()
	type entry struct {
		key  string
		conn Conn
	}
	snap := make([]entry, 0, len(r.byKey))
	for k, c := range r.byKey {
		snap = append(snap, entry{k, c})
	}
	r.mu.RUnlock()

	for _, e := range snap {
		fn(e.key, e.conn)
	}
}

func (r *Registry) touch(op string) {
	if r.onTouch != nil {
		r.onTouch(op)
	}
}

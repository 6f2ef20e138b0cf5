package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry is one relay event. Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Node   string    `json:"node,omitempty"`
	Type   string    `json:"type"`
	ConnID uint64    `json:"conn_id,omitempty"`
	Key    string    `json:"key,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Query filters RecentAudit. Zero fields match everything.
type Query struct {
	Key   string
	Type  string
	Limit int // default 100
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 100
	}
	return q.Limit
}

func (q Query) match(e AuditEntry) bool {
	return (q.Key == "" || e.Key == q.Key) && (q.Type == "" || e.Type == q.Type)
}

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "notifyrelay/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, node, type, conn_id, key, detail) VALUES(?,?,?,?,?,?)`,
		e.At.UnixNano(), nullStr(e.Node), e.Type, int64(e.ConnID), nullStr(e.Key), nullStr(e.Detail),
	)
	return mapClosed(err)
}

func (s *sqliteStore) RecentAudit(ctx context.Context, q Query) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, node, type, conn_id, key, detail FROM audit
		 WHERE (? = '' OR key = ?) AND (? = '' OR type = ?)
		 ORDER BY id DESC LIMIT ?`,
		q.Key, q.Key, q.Type, q.Type, q.limit(),
	)
	if err != nil {
		return nil, mapClosed(err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			at                int64
			connID            int64
			node, key, detail sql.NullString
			e                 AuditEntry
		)
		if err := rows.Scan(&at, &node, &e.Type, &connID, &key, &detail); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at)
		e.Node, e.Key, e.Detail = node.String, key.String, detail.String
		e.ConnID = uint64(connID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, before.UnixNano())
	if err != nil {
		return 0, mapClosed(err)
	}
	return res.RowsAffected()
}

func mapClosed(err error) error {
	if err != nil && strings.Contains(err.Error(), "database is closed") {
		return ErrClosed
	}
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

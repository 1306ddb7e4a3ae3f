package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite-backed KV. Used by the CLI for an on-disk matrix cache so
// repeated batch runs don't re-query the traffic provider. Not a
// PubSub: there is nothing to fan out in a single-process batch run.
type SQLite struct {
	db *sql.DB

	// Now is the clock used for expiry checks. Overridable in tests.
	Now func() time.Time
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    expires_at INTEGER NOT NULL DEFAULT 0
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating kv table: %w", err)
	}

	return &SQLite{db: db, Now: time.Now}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(
		ctx,
		"SELECT value, expires_at FROM kv WHERE key = ?",
		key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading key %s: %w", key, err)
	}

	if expiresAt > 0 && s.Now().Unix() >= expiresAt {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
		return nil, ErrNotFound
	}

	return value, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.Now().Add(ttl).Unix()
	}
	_, err := s.db.ExecContext(
		ctx,
		"INSERT OR REPLACE INTO kv (key, value, expires_at) VALUES (?, ?, ?)",
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("writing key %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
			return fmt.Errorf("deleting key %s: %w", key, err)
		}
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Package postgres keeps the completion-event memory in a PostgreSQL table,
// for deployments that already run Postgres and want the memory to survive
// restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-resize/pkg/simpleresize"
)

// Schema creates the dedupe table
const Schema = `
CREATE TABLE IF NOT EXISTS notification_dedupe (
	key        TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS notification_dedupe_expires_at_idx ON notification_dedupe (expires_at);`

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Deduper implements simpleresize.Deduper on PostgreSQL
type Deduper struct {
	db  DBTX
	ttl time.Duration
	now func() time.Time
}

// New creates a deduper over db
func New(db DBTX, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Deduper{db: db, ttl: ttl, now: time.Now}
}

// NewWithPool creates a deduper with a connection pool
func NewWithPool(pool *pgxpool.Pool, ttl time.Duration) *Deduper {
	return New(pool, ttl)
}

// EnsureSchema creates the table when missing
func (d *Deduper) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create dedupe schema: %w", err)
	}
	return nil
}

// Seen reports whether key has an unexpired row
func (d *Deduper) Seen(ctx context.Context, key string) (bool, error) {
	var expiresAt time.Time
	err := d.db.QueryRow(ctx,
		`SELECT expires_at FROM notification_dedupe WHERE key = $1`, key,
	).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("database error in seen: %w", err)
	}
	return d.now().Before(expiresAt), nil
}

// Mark upserts key with a fresh expiry
func (d *Deduper) Mark(ctx context.Context, key string) error {
	_, err := d.db.Exec(ctx, `
		INSERT INTO notification_dedupe (key, expires_at) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		key, d.now().Add(d.ttl).UTC(),
	)
	if err != nil {
		return fmt.Errorf("database error in mark: %w", err)
	}
	return nil
}

// Claim inserts key, or takes over a row that has expired, and reports
// whether this call wrote it
func (d *Deduper) Claim(ctx context.Context, key string) (bool, error) {
	now := d.now().UTC()
	tag, err := d.db.Exec(ctx, `
		INSERT INTO notification_dedupe (key, expires_at) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE notification_dedupe.expires_at <= $3`,
		key, now.Add(d.ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("database error in claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release deletes the row of key
func (d *Deduper) Release(ctx context.Context, key string) error {
	if _, err := d.db.Exec(ctx, `DELETE FROM notification_dedupe WHERE key = $1`, key); err != nil {
		return fmt.Errorf("database error in release: %w", err)
	}
	return nil
}

// Purge deletes expired rows and returns how many were removed
func (d *Deduper) Purge(ctx context.Context) (int64, error) {
	tag, err := d.db.Exec(ctx, `DELETE FROM notification_dedupe WHERE expires_at <= $1`, d.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("database error in purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

var (
	_ simpleresize.Deduper = (*Deduper)(nil)
	_ simpleresize.Claimer = (*Deduper)(nil)
)

package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// Keys of the sync_state table.
const (
	StateOutboxPending   = "outbox.pending"
	StateOutboxFailed    = "outbox.failed"
	StateOutboxLastDrain = "outbox.last_drain_at"
	StateLastSync        = "sync.last_sync_at"
	StateLastSweep       = "reaper.last_sweep_at"
)

// SetState stores a value in sync_state.
func (db *DB) SetState(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetState reads a value from sync_state.
func (db *DB) GetState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetStateInt stores an integer value.
func (db *DB) SetStateInt(ctx context.Context, key string, v int64) error {
	return db.SetState(ctx, key, strconv.FormatInt(v, 10))
}

// GetStateInt reads an integer value; missing keys read as zero.
func (db *DB) GetStateInt(ctx context.Context, key string) (int64, error) {
	v, ok, err := db.GetState(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Join(ErrCorrupt, err)
	}
	return n, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const outboxColumns = `seq, op_id, chat_id, kind, payload, message_id, schedule_id, state, attempts,
	last_error, enqueued_at, next_attempt_at, updated_at`

// InsertOutbox persists a new pending entry. When optimistic is non-nil the
// local message is written in the same transaction. An entry whose op_id is
// already present is left untouched and inserted reports false.
func (db *DB) InsertOutbox(ctx context.Context, e *OutboxEntry, optimistic *Message) (inserted bool, err error) {
	now := time.Now().UnixMilli()
	if e.EnqueuedAt == 0 {
		e.EnqueuedAt = now
	}
	if e.NextAttemptAt == 0 {
		e.NextAttemptAt = e.EnqueuedAt
	}
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (op_id, chat_id, kind, payload, message_id, schedule_id, state, attempts,
				last_error, enqueued_at, next_attempt_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, '', ?, ?, ?)
			ON CONFLICT(op_id) DO NOTHING`,
			e.OpID, e.ChatID, e.Kind, e.Payload, e.MessageID, e.ScheduleID, e.EnqueuedAt, e.NextAttemptAt, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		inserted = true
		if optimistic == nil {
			return nil
		}
		readBy, err := encodeReadBy(optimistic.ReadBy)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (msg_id, chat_id, sender_id, body, media_ref, created_at, expires_at, read_by, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(msg_id) DO NOTHING`,
			optimistic.MsgID, optimistic.ChatID, optimistic.SenderID, optimistic.Body, optimistic.MediaRef,
			optimistic.CreatedAt, optimistic.ExpiresAt, readBy, MessageQueued, now)
		return err
	})
	return inserted, err
}

// GetOutbox returns an entry by op id.
func (db *DB) GetOutbox(ctx context.Context, opID string) (*OutboxEntry, error) {
	row := db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE op_id = ?`, opID)
	e, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// PendingOutbox returns every pending entry in enqueue order, due or not.
func (db *DB) PendingOutbox(ctx context.Context) ([]OutboxEntry, error) {
	return db.queryOutbox(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE state = 'pending' ORDER BY seq ASC`)
}

// DeadOutbox returns dead-lettered entries in enqueue order.
func (db *DB) DeadOutbox(ctx context.Context) ([]OutboxEntry, error) {
	return db.queryOutbox(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE state = 'dead' ORDER BY seq ASC`)
}

// NextOutboxAttempt returns the earliest next_attempt_at among pending entries.
func (db *DB) NextOutboxAttempt(ctx context.Context) (int64, bool, error) {
	var next sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MIN(next_attempt_at) FROM outbox WHERE state = 'pending'`).Scan(&next)
	if err != nil {
		return 0, false, err
	}
	return next.Int64, next.Valid, nil
}

// RescheduleOutbox records a failed attempt and when to try again.
func (db *DB) RescheduleOutbox(ctx context.Context, opID string, attempts int, lastError string, nextAttemptAt int64) error {
	return db.updateOutbox(ctx, `
		UPDATE outbox SET attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE op_id = ? AND state = 'pending'`,
		attempts, lastError, nextAttemptAt, time.Now().UnixMilli(), opID)
}

// MarkOutboxDead moves an entry to the dead-letter state.
func (db *DB) MarkOutboxDead(ctx context.Context, opID string, attempts int, reason string) error {
	return db.updateOutbox(ctx, `
		UPDATE outbox SET state = 'dead', attempts = ?, last_error = ?, updated_at = ?
		WHERE op_id = ?`,
		attempts, reason, time.Now().UnixMilli(), opID)
}

// RetryOutbox moves a dead entry back to pending with a fresh attempt budget.
func (db *DB) RetryOutbox(ctx context.Context, opID string, now int64) error {
	return db.updateOutbox(ctx, `
		UPDATE outbox SET state = 'pending', attempts = 0, last_error = '', next_attempt_at = ?, updated_at = ?
		WHERE op_id = ? AND state = 'dead'`,
		now, now, opID)
}

// DeleteOutbox removes an entry. Deleting a missing entry is not an error.
func (db *DB) DeleteOutbox(ctx context.Context, opID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM outbox WHERE op_id = ?`, opID)
	return err
}

// DiscardDeadOutbox removes a dead entry.
func (db *DB) DiscardDeadOutbox(ctx context.Context, opID string) error {
	return db.updateOutbox(ctx, `DELETE FROM outbox WHERE op_id = ? AND state = 'dead'`, opID)
}

// CountOutbox summarizes pending and dead entries.
func (db *DB) CountOutbox(ctx context.Context) (OutboxStats, error) {
	var s OutboxStats
	var oldest sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN state = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'dead' THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN state = 'pending' THEN enqueued_at END)
		FROM outbox`).Scan(&s.Pending, &s.Dead, &oldest)
	if err != nil {
		return s, err
	}
	s.OldestEnqueuedAt = oldest.Int64
	return s, nil
}

// QuarantineOutbox moves an unreadable entry out of the queue.
func (db *DB) QuarantineOutbox(ctx context.Context, e *OutboxEntry, reason string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := insertQuarantine(ctx, tx, "outbox", e.OpID, e.Payload, reason); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE op_id = ?`, e.OpID)
		return err
	})
}

func (db *DB) updateOutbox(ctx context.Context, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) queryOutbox(ctx context.Context, query string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanOutbox(row rowScanner) (*OutboxEntry, error) {
	var e OutboxEntry
	err := row.Scan(&e.Seq, &e.OpID, &e.ChatID, &e.Kind, &e.Payload, &e.MessageID, &e.ScheduleID, &e.State,
		&e.Attempts, &e.LastError, &e.EnqueuedAt, &e.NextAttemptAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

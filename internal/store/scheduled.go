package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const scheduledColumns = `schedule_id, chat_id, is_group, sender_id, body, first_fire_at, pattern, next_fire_at,
	last_fired_at, fire_count, status, fail_reason, created_at, updated_at`

// InsertScheduled persists a new pending schedule.
func (db *DB) InsertScheduled(ctx context.Context, s *ScheduledMessage) error {
	now := time.Now().UnixMilli()
	if s.Status == "" {
		s.Status = SchedulePending
	}
	s.CreatedAt, s.UpdatedAt = now, now
	_, err := db.ExecContext(ctx, `
		INSERT INTO scheduled_messages (`+scheduledColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ScheduleID, s.ChatID, s.IsGroup, s.SenderID, s.Body, s.FirstFireAt, s.Pattern, s.NextFireAt,
		s.LastFiredAt, s.FireCount, s.Status, s.FailReason, s.CreatedAt, s.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetScheduled returns a schedule by id.
func (db *DB) GetScheduled(ctx context.Context, id string) (*ScheduledMessage, error) {
	row := db.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_messages WHERE schedule_id = ?`, id)
	s, err := scanScheduled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListScheduled returns schedules filtered by chat and status; empty filters
// match everything.
func (db *DB) ListScheduled(ctx context.Context, chatID, status string) ([]ScheduledMessage, error) {
	return db.queryScheduled(ctx, `
		SELECT `+scheduledColumns+` FROM scheduled_messages
		WHERE (? = '' OR chat_id = ?) AND (? = '' OR status = ?)
		ORDER BY next_fire_at ASC, schedule_id`,
		chatID, chatID, status, status)
}

// DueScheduled returns pending schedules whose next fire time is at or before now.
func (db *DB) DueScheduled(ctx context.Context, now int64) ([]ScheduledMessage, error) {
	return db.queryScheduled(ctx, `
		SELECT `+scheduledColumns+` FROM scheduled_messages
		WHERE status = 'pending' AND next_fire_at <= ?
		ORDER BY next_fire_at ASC, schedule_id`, now)
}

// NextPendingFireAt returns the earliest next_fire_at among pending schedules.
func (db *DB) NextPendingFireAt(ctx context.Context) (int64, bool, error) {
	var next sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MIN(next_fire_at) FROM scheduled_messages WHERE status = 'pending'`).Scan(&next)
	if err != nil {
		return 0, false, err
	}
	return next.Int64, next.Valid, nil
}

// AdvanceScheduled claims a fire of a pending schedule. The update applies
// only while the row is still pending with next_fire_at == observed; it
// reports whether this caller won the claim.
func (db *DB) AdvanceScheduled(ctx context.Context, id string, observed, next int64, status string, firedAt int64) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET next_fire_at = ?, status = ?, last_fired_at = ?, fire_count = fire_count + 1, updated_at = ?
		WHERE schedule_id = ? AND status = 'pending' AND next_fire_at = ?`,
		next, status, firedAt, time.Now().UnixMilli(), id, observed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CancelScheduled moves a pending schedule to cancelled. It reports false
// when the row was not pending.
func (db *DB) CancelScheduled(ctx context.Context, id string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE scheduled_messages SET status = 'cancelled', updated_at = ?
		WHERE schedule_id = ? AND status = 'pending'`, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FailScheduled marks a schedule failed unless it was cancelled.
func (db *DB) FailScheduled(ctx context.Context, id, reason string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE scheduled_messages SET status = 'failed', fail_reason = ?, updated_at = ?
		WHERE schedule_id = ? AND status IN ('pending', 'fired')`, reason, time.Now().UnixMilli(), id)
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

func (db *DB) queryScheduled(ctx context.Context, query string, args ...any) ([]ScheduledMessage, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ScheduledMessage
	for rows.Next() {
		s, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanScheduled(row rowScanner) (*ScheduledMessage, error) {
	var s ScheduledMessage
	err := row.Scan(&s.ScheduleID, &s.ChatID, &s.IsGroup, &s.SenderID, &s.Body, &s.FirstFireAt, &s.Pattern,
		&s.NextFireAt, &s.LastFiredAt, &s.FireCount, &s.Status, &s.FailReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

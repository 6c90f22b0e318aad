package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// UpsertMessage inserts or updates a cached message. ReadBy is merged with
// what is already stored so the set only grows.
func (db *DB) UpsertMessage(ctx context.Context, m *Message) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := readByTx(ctx, tx, m.MsgID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		readBy, err := encodeReadBy(unionReadBy(existing, m.ReadBy))
		if err != nil {
			return err
		}
		status := m.Status
		if status == "" {
			status = MessageReceived
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (msg_id, chat_id, sender_id, body, media_ref, created_at, expires_at, read_by, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(msg_id) DO UPDATE SET
				body = excluded.body,
				media_ref = excluded.media_ref,
				expires_at = excluded.expires_at,
				read_by = excluded.read_by,
				status = excluded.status,
				updated_at = excluded.updated_at`,
			m.MsgID, m.ChatID, m.SenderID, m.Body, m.MediaRef, m.CreatedAt, m.ExpiresAt, readBy, status, time.Now().UnixMilli())
		return err
	})
}

// GetMessage returns a cached message by id.
func (db *DB) GetMessage(ctx context.Context, msgID string) (*Message, error) {
	row := db.QueryRowContext(ctx, `
		SELECT msg_id, chat_id, sender_id, body, media_ref, created_at, expires_at, read_by, status, updated_at
		FROM messages WHERE msg_id = ?`, msgID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListMessages returns cached messages of a chat, oldest first.
func (db *DB) ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT msg_id, chat_id, sender_id, body, media_ref, created_at, expires_at, read_by, status, updated_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC, msg_id
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MessageIDs returns the ids of every cached message of a chat.
func (db *DB) MessageIDs(ctx context.Context, chatID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT msg_id FROM messages WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetMessageStatus updates the delivery status of a cached message. A missing
// message is ignored.
func (db *DB) SetMessageStatus(ctx context.Context, msgID, status string) error {
	_, err := db.ExecContext(ctx, `UPDATE messages SET status = ?, updated_at = ? WHERE msg_id = ?`,
		status, time.Now().UnixMilli(), msgID)
	return err
}

// SetMessageBody replaces the body of a cached message.
func (db *DB) SetMessageBody(ctx context.Context, msgID, body string) error {
	_, err := db.ExecContext(ctx, `UPDATE messages SET body = ?, updated_at = ? WHERE msg_id = ?`,
		body, time.Now().UnixMilli(), msgID)
	return err
}

// AddReadBy records userID as a reader of a cached message.
func (db *DB) AddReadBy(ctx context.Context, msgID, userID string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := readByTx(ctx, tx, msgID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if slices.Contains(existing, userID) {
			return nil
		}
		readBy, err := encodeReadBy(append(existing, userID))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE messages SET read_by = ?, updated_at = ? WHERE msg_id = ?`,
			readBy, time.Now().UnixMilli(), msgID)
		return err
	})
}

// DeleteMessage removes a cached message only.
func (db *DB) DeleteMessage(ctx context.Context, msgID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM messages WHERE msg_id = ?`, msgID)
	return err
}

// DeleteMessageCascade removes a cached message together with every outbox
// entry that references it, in one transaction. It returns the number of
// outbox entries removed.
func (db *DB) DeleteMessageCascade(ctx context.Context, msgID string) (int64, error) {
	var removed int64
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE msg_id = ?`, msgID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE message_id = ?`, msgID)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var readBy string
	if err := row.Scan(&m.MsgID, &m.ChatID, &m.SenderID, &m.Body, &m.MediaRef, &m.CreatedAt, &m.ExpiresAt, &readBy, &m.Status, &m.UpdatedAt); err != nil {
		return nil, err
	}
	ids, err := decodeReadBy(readBy)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", m.MsgID, err)
	}
	m.ReadBy = ids
	return &m, nil
}

func readByTx(ctx context.Context, tx *sql.Tx, msgID string) ([]string, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT read_by FROM messages WHERE msg_id = ?`, msgID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeReadBy(raw)
}

func decodeReadBy(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("%w: read_by: %v", ErrCorrupt, err)
	}
	return ids, nil
}

func encodeReadBy(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unionReadBy(a, b []string) []string {
	out := slices.Clone(a)
	for _, id := range b {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Quarantine records an unreadable record so the rest of the data stays usable.
func (db *DB) Quarantine(ctx context.Context, source, recordID string, raw []byte, reason string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		return insertQuarantine(ctx, tx, source, recordID, raw, reason)
	})
}

// QuarantineMessage moves a cached message whose columns no longer decode
// into the quarantine table. The stored read_by text is kept verbatim.
func (db *DB) QuarantineMessage(ctx context.Context, msgID, reason string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		var raw struct {
			MsgID    string `json:"msgId"`
			ChatID   string `json:"chatId"`
			SenderID string `json:"senderId"`
			Body     string `json:"body"`
			MediaRef string `json:"mediaRef"`
			ReadBy   string `json:"readBy"`
			Status   string `json:"status"`
		}
		err := tx.QueryRowContext(ctx, `
			SELECT msg_id, chat_id, sender_id, body, media_ref, read_by, status
			FROM messages WHERE msg_id = ?`, msgID).
			Scan(&raw.MsgID, &raw.ChatID, &raw.SenderID, &raw.Body, &raw.MediaRef, &raw.ReadBy, &raw.Status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return err
		}
		if err := insertQuarantine(ctx, tx, "messages", msgID, b, reason); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE msg_id = ?`, msgID)
		return err
	})
}

// ListQuarantine returns quarantined records, newest first.
func (db *DB) ListQuarantine(ctx context.Context, limit int) ([]QuarantineRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, source, record_id, raw, reason, quarantined_at
		FROM quarantine ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []QuarantineRecord
	for rows.Next() {
		var q QuarantineRecord
		if err := rows.Scan(&q.ID, &q.Source, &q.RecordID, &q.Raw, &q.Reason, &q.QuarantinedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func insertQuarantine(ctx context.Context, tx *sql.Tx, source, recordID string, raw []byte, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO quarantine (source, record_id, raw, reason, quarantined_at)
		VALUES (?, ?, ?, ?, ?)`,
		source, recordID, raw, reason, time.Now().UnixMilli())
	return err
}

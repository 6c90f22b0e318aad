package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertChat inserts or updates a chat and replaces its membership snapshot.
func (db *DB) UpsertChat(ctx context.Context, c *Chat) error {
	now := time.Now().UnixMilli()
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chats (chat_id, is_group, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				is_group = excluded.is_group,
				updated_at = excluded.updated_at`,
			c.ChatID, c.IsGroup, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_members WHERE chat_id = ?`, c.ChatID); err != nil {
			return err
		}
		for i, uid := range c.Members {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chat_members (chat_id, user_id, position) VALUES (?, ?, ?)
				ON CONFLICT(chat_id, user_id) DO NOTHING`, c.ChatID, uid, i); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetChat returns a single chat with its members.
func (db *DB) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	var c Chat
	err := db.QueryRowContext(ctx, `SELECT chat_id, is_group, updated_at FROM chats WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &c.IsGroup, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	members, err := db.ChatMembers(ctx, chatID)
	if err != nil {
		return nil, err
	}
	c.Members = members
	return &c, nil
}

// ChatMembers returns the cached membership of a chat in insertion order.
func (db *DB) ChatMembers(ctx context.Context, chatID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT user_id FROM chat_members WHERE chat_id = ? ORDER BY position`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		members = append(members, uid)
	}
	return members, rows.Err()
}

// ListChats returns cached chat ids ordered by most recent update.
func (db *DB) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := db.QueryContext(ctx, `SELECT chat_id, is_group, updated_at FROM chats ORDER BY updated_at DESC, chat_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ChatID, &c.IsGroup, &c.UpdatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

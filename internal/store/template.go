package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// InsertTemplate persists a template. A name already used by the same owner
// returns ErrDuplicate.
func (db *DB) InsertTemplate(ctx context.Context, t *Template) error {
	now := time.Now().UnixMilli()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := db.ExecContext(ctx, `
		INSERT INTO templates (template_id, owner_id, name, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.TemplateID, t.OwnerID, t.Name, t.Body, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetTemplate returns a template by id.
func (db *DB) GetTemplate(ctx context.Context, id string) (*Template, error) {
	var t Template
	err := db.QueryRowContext(ctx, `
		SELECT template_id, owner_id, name, body, created_at, updated_at
		FROM templates WHERE template_id = ?`, id).
		Scan(&t.TemplateID, &t.OwnerID, &t.Name, &t.Body, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTemplates returns an owner's templates sorted by name.
func (db *DB) ListTemplates(ctx context.Context, ownerID string) ([]Template, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT template_id, owner_id, name, body, created_at, updated_at
		FROM templates WHERE owner_id = ? ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.TemplateID, &t.OwnerID, &t.Name, &t.Body, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTemplate replaces name and body.
func (db *DB) UpdateTemplate(ctx context.Context, id, name, body string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE templates SET name = ?, body = ?, updated_at = ? WHERE template_id = ?`,
		name, body, time.Now().UnixMilli(), id)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
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

// DeleteTemplate removes a template.
func (db *DB) DeleteTemplate(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM templates WHERE template_id = ?`, id)
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

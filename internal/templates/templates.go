// Package templates stores reusable message bodies per owner.
package templates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/store"
)

var (
	ErrNotFound      = errors.New("templates: not found")
	ErrDuplicateName = errors.New("templates: name already used by this owner")
	ErrInvalid       = errors.New("templates: invalid template")
)

// Template is a named message body.
type Template struct {
	ID        string
	OwnerID   string
	Name      string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the template CRUD surface.
type Store struct {
	db     *store.DB
	logger *zap.Logger
}

func New(db *store.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) Create(ctx context.Context, ownerID, name, body string) (*Template, error) {
	name = strings.TrimSpace(name)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	if err := validate(name, body); err != nil {
		return nil, err
	}
	row := &store.Template{TemplateID: uuid.NewString(), OwnerID: ownerID, Name: name, Body: body}
	if err := s.db.InsertTemplate(ctx, row); err != nil {
		return nil, mapErr(err, name)
	}
	s.logger.Info("template created", zap.String("template_id", row.TemplateID), zap.String("owner_id", ownerID))
	return fromRow(row), nil
}

func (s *Store) Get(ctx context.Context, id string) (*Template, error) {
	row, err := s.db.GetTemplate(ctx, id)
	if err != nil {
		return nil, mapErr(err, id)
	}
	return fromRow(row), nil
}

func (s *Store) List(ctx context.Context, ownerID string) ([]Template, error) {
	rows, err := s.db.ListTemplates(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]Template, 0, len(rows))
	for i := range rows {
		out = append(out, *fromRow(&rows[i]))
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, id, name, body string) error {
	name = strings.TrimSpace(name)
	if err := validate(name, body); err != nil {
		return err
	}
	if err := s.db.UpdateTemplate(ctx, id, name, body); err != nil {
		return mapErr(err, name)
	}
	s.logger.Info("template updated", zap.String("template_id", id))
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.db.DeleteTemplate(ctx, id); err != nil {
		return mapErr(err, id)
	}
	s.logger.Info("template deleted", zap.String("template_id", id))
	return nil
}

func validate(name, body string) error {
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalid)
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: body is empty", ErrInvalid)
	}
	return nil
}

func mapErr(err error, subject string) error {
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %q", ErrDuplicateName, subject)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, subject)
	}
	return err
}

func fromRow(row *store.Template) *Template {
	return &Template{
		ID:        row.TemplateID,
		OwnerID:   row.OwnerID,
		Name:      row.Name,
		Body:      row.Body,
		CreatedAt: time.UnixMilli(row.CreatedAt),
		UpdatedAt: time.UnixMilli(row.UpdatedAt),
	}
}

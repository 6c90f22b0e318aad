package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/courier/internal/store"
)

// Kind is the mutation an entry carries.
type Kind string

const (
	KindSend    Kind = "send"
	KindAckRead Kind = "ack-read"
	KindEdit    Kind = "edit"
	KindDelete  Kind = "delete"
)

// ErrInvalid is returned by Enqueue for entries the remote cannot apply.
var ErrInvalid = errors.New("outbox: invalid entry")

// Payload is the kind-specific body of an entry, persisted as JSON.
type Payload struct {
	MessageID string     `json:"messageId,omitempty"`
	SenderID  string     `json:"senderId,omitempty"`
	Body      string     `json:"body,omitempty"`
	MediaRef  string     `json:"mediaRef,omitempty"`
	UserID    string     `json:"userId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Entry is a pending mutation. OpID is stable across retries.
type Entry struct {
	OpID       string
	ChatID     string
	Kind       Kind
	Payload    Payload
	ScheduleID string

	State         string
	Attempts      int
	LastError     string
	EnqueuedAt    time.Time
	NextAttemptAt time.Time
}

// Validate checks that the entry is a mutation the remote recognizes.
func (e Entry) Validate() error {
	if e.ChatID == "" {
		return fmt.Errorf("%w: chat id is required", ErrInvalid)
	}
	p := e.Payload
	switch e.Kind {
	case KindSend:
		if p.Body == "" && p.MediaRef == "" {
			return fmt.Errorf("%w: send needs a body or a media ref", ErrInvalid)
		}
	case KindAckRead:
		if p.MessageID == "" || p.UserID == "" {
			return fmt.Errorf("%w: ack-read needs message id and user id", ErrInvalid)
		}
	case KindEdit:
		if p.MessageID == "" || p.Body == "" {
			return fmt.Errorf("%w: edit needs message id and body", ErrInvalid)
		}
	case KindDelete:
		if p.MessageID == "" {
			return fmt.Errorf("%w: delete needs message id", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, e.Kind)
	}
	return nil
}

func (e Entry) toRow() (*store.OutboxEntry, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &store.OutboxEntry{
		OpID:       e.OpID,
		ChatID:     e.ChatID,
		Kind:       string(e.Kind),
		Payload:    payload,
		MessageID:  e.Payload.MessageID,
		ScheduleID: e.ScheduleID,
	}, nil
}

// fromRow decodes a persisted entry. Unreadable rows wrap store.ErrCorrupt.
func fromRow(row store.OutboxEntry) (Entry, error) {
	e := Entry{
		OpID:          row.OpID,
		ChatID:        row.ChatID,
		Kind:          Kind(row.Kind),
		ScheduleID:    row.ScheduleID,
		State:         row.State,
		Attempts:      row.Attempts,
		LastError:     row.LastError,
		EnqueuedAt:    time.UnixMilli(row.EnqueuedAt),
		NextAttemptAt: time.UnixMilli(row.NextAttemptAt),
	}
	if err := json.Unmarshal(row.Payload, &e.Payload); err != nil {
		return e, fmt.Errorf("%w: op %s: %v", store.ErrCorrupt, row.OpID, err)
	}
	if err := e.Validate(); err != nil {
		return e, fmt.Errorf("%w: op %s: %v", store.ErrCorrupt, row.OpID, err)
	}
	return e, nil
}

// Event is the payload of outbox bus events.
type Event struct {
	OpID       string
	ChatID     string
	Kind       Kind
	MessageID  string
	ScheduleID string
	Attempts   int
	Reason     string
}

func eventOf(e Entry) Event {
	return Event{
		OpID:       e.OpID,
		ChatID:     e.ChatID,
		Kind:       e.Kind,
		MessageID:  e.Payload.MessageID,
		ScheduleID: e.ScheduleID,
		Attempts:   e.Attempts,
		Reason:     e.LastError,
	}
}

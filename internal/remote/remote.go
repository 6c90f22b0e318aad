// Package remote is the boundary to the backend document database and
// object storage. Every mutation is idempotent: re-applying it leaves the
// remote state unchanged.
package remote

import (
	"context"
	"time"
)

// Message is the authoritative remote copy of a chat message.
type Message struct {
	ID        string     `bson:"_id"`
	ChatID    string     `bson:"chat_id"`
	SenderID  string     `bson:"sender_id"`
	Body      string     `bson:"body"`
	MediaRef  string     `bson:"media_ref,omitempty"`
	CreatedAt time.Time  `bson:"created_at"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
	ReadBy    []string   `bson:"read_by"`
}

// Chat is a remote chat and its current membership.
type Chat struct {
	ID      string   `bson:"_id"`
	IsGroup bool     `bson:"is_group"`
	Members []string `bson:"members"`
}

// Store is the document side of the backend.
type Store interface {
	Ping(ctx context.Context) error
	// CreateMessage inserts m. A message with the same id already present
	// yields ErrConflict; a missing chat yields ErrRejected.
	CreateMessage(ctx context.Context, m Message) error
	// AppendReadBy adds userID to the message's read set.
	AppendReadBy(ctx context.Context, chatID, msgID, userID string) error
	EditMessage(ctx context.Context, chatID, msgID, body string) error
	// DeleteMessage removes a message; a missing message is not an error.
	DeleteMessage(ctx context.Context, chatID, msgID string) error
	ListChats(ctx context.Context) ([]Chat, error)
	ListMessages(ctx context.Context, chatID string) ([]Message, error)
}

// Blobs is the object storage side of the backend.
type Blobs interface {
	// DeleteBlob removes the blob behind ref; a missing blob is not an error.
	DeleteBlob(ctx context.Context, ref string) error
}

package store

// Timestamps are unix milliseconds; zero means unset.

// Message statuses for the local cache.
const (
	MessageQueued   = "queued"
	MessageSent     = "sent"
	MessageFailed   = "failed"
	MessageReceived = "received"
)

// Outbox entry states.
const (
	OutboxPending = "pending"
	OutboxDead    = "dead"
)

// Schedule statuses.
const (
	SchedulePending   = "pending"
	ScheduleFired     = "fired"
	ScheduleCancelled = "cancelled"
	ScheduleFailed    = "failed"
)

// Chat is a cached chat with its ordered membership snapshot.
type Chat struct {
	ChatID    string
	IsGroup   bool
	Members   []string
	UpdatedAt int64
}

// Message is a cached message.
type Message struct {
	MsgID     string
	ChatID    string
	SenderID  string
	Body      string
	MediaRef  string
	CreatedAt int64
	ExpiresAt int64
	ReadBy    []string
	Status    string
	UpdatedAt int64
}

// OutboxEntry is a durable pending mutation.
type OutboxEntry struct {
	Seq           int64
	OpID          string
	ChatID        string
	Kind          string
	Payload       []byte
	MessageID     string
	ScheduleID    string
	State         string
	Attempts      int
	LastError     string
	EnqueuedAt    int64
	NextAttemptAt int64
	UpdatedAt     int64
}

// OutboxStats summarizes the queue.
type OutboxStats struct {
	Pending          int
	Dead             int
	OldestEnqueuedAt int64
}

// ScheduledMessage is a future-dated, optionally recurring send.
type ScheduledMessage struct {
	ScheduleID  string
	ChatID      string
	IsGroup     bool
	SenderID    string
	Body        string
	FirstFireAt int64
	Pattern     string
	NextFireAt  int64
	LastFiredAt int64
	FireCount   int
	Status      string
	FailReason  string
	CreatedAt   int64
	UpdatedAt   int64
}

// Template is a reusable message body owned by a user.
type Template struct {
	TemplateID string
	OwnerID    string
	Name       string
	Body       string
	CreatedAt  int64
	UpdatedAt  int64
}

// QuarantineRecord holds a record moved aside because it could not be read.
type QuarantineRecord struct {
	ID            int64
	Source        string
	RecordID      string
	Raw           []byte
	Reason        string
	QuarantinedAt int64
}

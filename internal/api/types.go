package api

// Timestamps on the wire are unix milliseconds; zero means unset.

type Empty struct{}

type StatusResponse struct {
	Profile     string      `json:"profile"`
	State       string      `json:"state"`
	Online      bool        `json:"online"`
	SinceMs     int64       `json:"sinceMs"`
	UptimeMs    int64       `json:"uptimeMs"`
	Outbox      OutboxStats `json:"outbox"`
	LastSyncAt  int64       `json:"lastSyncAt,omitempty"`
	LastSweepAt int64       `json:"lastSweepAt,omitempty"`
}

type WatchRequest struct {
	// Prefix filters event kinds, e.g. "outbox.". Empty matches all.
	Prefix string `json:"prefix,omitempty"`
}

type Event struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	OccurredAt int64          `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type QuarantineRecord struct {
	ID            int64  `json:"id"`
	Source        string `json:"source"`
	RecordID      string `json:"recordId"`
	Reason        string `json:"reason"`
	Raw           string `json:"raw,omitempty"`
	QuarantinedAt int64  `json:"quarantinedAt"`
}

type QuarantineResponse struct {
	Records []QuarantineRecord `json:"records"`
}

type SendRequest struct {
	OpID      string `json:"opId,omitempty"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId,omitempty"`
	SenderID  string `json:"senderId"`
	Body      string `json:"body,omitempty"`
	MediaRef  string `json:"mediaRef,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

type ReadRequest struct {
	OpID      string `json:"opId,omitempty"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type EditRequest struct {
	OpID      string `json:"opId,omitempty"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Body      string `json:"body"`
}

type DeleteRequest struct {
	OpID      string `json:"opId,omitempty"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type EnqueueResponse struct {
	OpID      string `json:"opId"`
	MessageID string `json:"messageId,omitempty"`
}

type OutboxStats struct {
	Pending     int   `json:"pending"`
	Failed      int   `json:"failed"`
	OldestAgeMs int64 `json:"oldestAgeMs"`
	LastDrainAt int64 `json:"lastDrainAt,omitempty"`
}

type OutboxEntry struct {
	OpID          string `json:"opId"`
	ChatID        string `json:"chatId"`
	Kind          string `json:"kind"`
	MessageID     string `json:"messageId,omitempty"`
	ScheduleID    string `json:"scheduleId,omitempty"`
	Body          string `json:"body,omitempty"`
	State         string `json:"state"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"lastError,omitempty"`
	EnqueuedAt    int64  `json:"enqueuedAt"`
	NextAttemptAt int64  `json:"nextAttemptAt,omitempty"`
}

type DeadResponse struct {
	Entries []OutboxEntry `json:"entries"`
}

type OpRequest struct {
	OpID string `json:"opId"`
}

type DrainResponse struct {
	Coalesced   bool `json:"coalesced,omitempty"`
	Applied     int  `json:"applied"`
	Retried     int  `json:"retried"`
	Dead        int  `json:"dead"`
	Skipped     int  `json:"skipped"`
	Quarantined int  `json:"quarantined"`
	Interrupted bool `json:"interrupted,omitempty"`
}

type ScheduleRequest struct {
	ChatID      string `json:"chatId"`
	IsGroupChat bool   `json:"isGroupChat,omitempty"`
	SenderID    string `json:"senderId"`
	Body        string `json:"body,omitempty"`
	TemplateID  string `json:"templateId,omitempty"`
	FirstFireAt int64  `json:"firstFireAt"`
	Pattern     string `json:"pattern,omitempty"`
}

type ScheduleResponse struct {
	ScheduleID string `json:"scheduleId"`
}

type ScheduleIDRequest struct {
	ScheduleID string `json:"scheduleId"`
}

type ListSchedulesRequest struct {
	ChatID string `json:"chatId,omitempty"`
	Status string `json:"status,omitempty"`
}

type ScheduledMessage struct {
	ScheduleID  string `json:"scheduleId"`
	ChatID      string `json:"chatId"`
	IsGroupChat bool   `json:"isGroupChat,omitempty"`
	SenderID    string `json:"senderId"`
	Body        string `json:"body"`
	FirstFireAt int64  `json:"firstFireAt"`
	Pattern     string `json:"pattern,omitempty"`
	NextFireAt  int64  `json:"nextFireAt"`
	LastFiredAt int64  `json:"lastFiredAt,omitempty"`
	FireCount   int    `json:"fireCount"`
	Status      string `json:"status"`
	FailReason  string `json:"failReason,omitempty"`
}

type ListSchedulesResponse struct {
	Schedules []ScheduledMessage `json:"schedules"`
}

type CreateTemplateRequest struct {
	OwnerID string `json:"ownerId"`
	Name    string `json:"name"`
	Body    string `json:"body"`
}

type UpdateTemplateRequest struct {
	TemplateID string `json:"templateId"`
	Name       string `json:"name"`
	Body       string `json:"body"`
}

type TemplateIDRequest struct {
	TemplateID string `json:"templateId"`
}

type ListTemplatesRequest struct {
	OwnerID string `json:"ownerId"`
}

type Template struct {
	TemplateID string `json:"templateId"`
	OwnerID    string `json:"ownerId"`
	Name       string `json:"name"`
	Body       string `json:"body"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

type ListTemplatesResponse struct {
	Templates []Template `json:"templates"`
}

type SweepResponse struct {
	Coalesced    bool  `json:"coalesced,omitempty"`
	Chats        int   `json:"chats"`
	Scanned      int   `json:"scanned"`
	Deleted      int   `json:"deleted"`
	BlobsDeleted int   `json:"blobsDeleted"`
	Errors       int   `json:"errors"`
	DurationMs   int64 `json:"durationMs"`
}

type ReconcileResponse struct {
	Chats    int `json:"chats"`
	Upserted int `json:"upserted"`
	Dropped  int `json:"dropped"`
	Errors   int `json:"errors"`
}

type ListMessagesRequest struct {
	ChatID string `json:"chatId"`
	Limit  int    `json:"limit,omitempty"`
}

type Chat struct {
	ChatID    string   `json:"chatId"`
	IsGroup   bool     `json:"isGroup,omitempty"`
	Members   []string `json:"members"`
	UpdatedAt int64    `json:"updatedAt"`
}

type ListChatsResponse struct {
	Chats []Chat `json:"chats"`
}

type Message struct {
	MessageID string   `json:"messageId"`
	ChatID    string   `json:"chatId"`
	SenderID  string   `json:"senderId"`
	Body      string   `json:"body,omitempty"`
	MediaRef  string   `json:"mediaRef,omitempty"`
	CreatedAt int64    `json:"createdAt"`
	ExpiresAt int64    `json:"expiresAt,omitempty"`
	ReadBy    []string `json:"readBy"`
	Status    string   `json:"status"`
}

type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore,omitempty"`
}

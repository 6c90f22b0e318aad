package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, so "outbox." matches every
// outbox event.
const (
	KindNetOnline  = "net.online"
	KindNetOffline = "net.offline"

	KindStateChanged = "daemon.state_changed"

	KindOutboxEnqueued = "outbox.enqueued"
	KindOutboxApplied  = "outbox.applied"
	KindOutboxRetry    = "outbox.retry"
	KindOutboxDead     = "outbox.dead"
	KindOutboxRejected = "outbox.rejected"
	KindOutboxDrained  = "outbox.drained"

	KindScheduleFired  = "schedule.fired"
	KindScheduleFailed = "schedule.failed"

	KindReaperSwept = "reaper.swept"

	KindSyncReconciled = "sync.reconciled"

	KindStoreQuarantined = "store.quarantined"
)

// NewEvent returns an event of the given kind stamped with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}

// Package outbox is the durable queue of local mutations waiting to be
// applied to the remote store.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/metrics"
	"github.com/matheus3301/courier/internal/remote"
	"github.com/matheus3301/courier/internal/store"
)

// ErrNotFound is returned by Retry and Discard for unknown dead entries.
var ErrNotFound = errors.New("outbox: entry not found")

// Connectivity is the part of the connectivity monitor the queue uses.
type Connectivity interface {
	Online() bool
	Report(online bool)
}

// Options tunes retries and pacing.
type Options struct {
	DrainInterval time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxAttempts   int
	RatePerSecond float64
	Burst         int
	// Now replaces time.Now in tests.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.DrainInterval <= 0 {
		o.DrainInterval = 2 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffCap < o.BackoffBase {
		o.BackoffCap = 2 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// DrainResult reports what one drain pass did.
type DrainResult struct {
	Coalesced   bool
	Applied     int
	Retried     int
	Dead        int
	Skipped     int
	Quarantined int
	// Interrupted is set when a transient failure ended the pass early.
	Interrupted bool
}

// Stats summarizes the queue.
type Stats struct {
	Pending     int
	Failed      int
	OldestAge   time.Duration
	LastDrainAt time.Time
}

// Queue persists entries and drains them against the remote store.
type Queue struct {
	db      *store.DB
	remote  remote.Store
	conn    Connectivity
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    Options
	limiter *rate.Limiter

	draining  atomic.Bool
	lastDrain atomic.Int64
	nudge     chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. conn, b and m may be nil; a nil conn counts as online.
func New(db *store.DB, rs remote.Store, conn Connectivity, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, opts Options) *Queue {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &Queue{
		db:      db,
		remote:  rs,
		conn:    conn,
		bus:     b,
		metrics: m,
		logger:  logger,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.Burst),
		nudge:   make(chan struct{}, 1),
	}
}

// Enqueue validates and durably stores e, returning its op id. An op id that
// is already queued is not stored twice. A send without a message id uses
// the op id, so a re-enqueued send collides remotely instead of duplicating.
// Sends also write an optimistic local message in the same transaction.
func (q *Queue) Enqueue(ctx context.Context, e Entry) (string, error) {
	if e.OpID == "" {
		e.OpID = uuid.NewString()
	}
	if e.Kind == KindSend && e.Payload.MessageID == "" {
		e.Payload.MessageID = e.OpID
	}
	if err := e.Validate(); err != nil {
		return "", err
	}
	row, err := e.toRow()
	if err != nil {
		return "", err
	}
	now := q.opts.Now()
	row.EnqueuedAt = now.UnixMilli()
	row.NextAttemptAt = row.EnqueuedAt

	var optimistic *store.Message
	if e.Kind == KindSend {
		optimistic = &store.Message{
			MsgID:     e.Payload.MessageID,
			ChatID:    e.ChatID,
			SenderID:  e.Payload.SenderID,
			Body:      e.Payload.Body,
			MediaRef:  e.Payload.MediaRef,
			CreatedAt: row.EnqueuedAt,
		}
		if e.Payload.ExpiresAt != nil {
			optimistic.ExpiresAt = e.Payload.ExpiresAt.UnixMilli()
		}
	}

	inserted, err := q.db.InsertOutbox(ctx, row, optimistic)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", e.OpID, err)
	}
	if !inserted {
		q.logger.Debug("duplicate enqueue ignored", zap.String("op_id", e.OpID))
		return e.OpID, nil
	}

	q.logger.Info("entry enqueued",
		zap.String("op_id", e.OpID),
		zap.String("chat_id", e.ChatID),
		zap.String("kind", string(e.Kind)),
	)
	q.metrics.OutboxEnqueued(string(e.Kind))
	q.publish(bus.KindOutboxEnqueued, eventOf(e))
	q.Nudge()
	return e.OpID, nil
}

// Nudge asks the loop to drain soon. It never blocks.
func (q *Queue) Nudge() {
	select {
	case q.nudge <- struct{}{}:
	default:
	}
}

// Drain applies due entries. Only one drain runs at a time; a call made
// while another is in progress returns at once with Coalesced set.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{Coalesced: true}, nil
	}
	defer q.draining.Store(false)

	start := time.Now()
	res, err := q.drain(ctx)
	q.metrics.ObserveDrain(time.Since(start))
	q.lastDrain.Store(q.opts.Now().UnixMilli())

	if _, serr := q.snapshot(ctx); serr != nil {
		q.logger.Warn("failed to persist outbox stats", zap.Error(serr))
	}
	q.publish(bus.KindOutboxDrained, res)
	return res, err
}

func (q *Queue) drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	rows, err := q.db.PendingOutbox(ctx)
	if err != nil {
		return res, fmt.Errorf("read outbox: %w", err)
	}

	now := q.opts.Now().UnixMilli()
	blocked := make(map[string]bool)
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if blocked[row.ChatID] {
			res.Skipped++
			continue
		}
		if row.NextAttemptAt > now {
			blocked[row.ChatID] = true
			res.Skipped++
			continue
		}

		e, err := fromRow(row)
		if err != nil {
			q.quarantine(ctx, row, err)
			res.Quarantined++
			continue
		}

		if err := q.limiter.Wait(ctx); err != nil {
			return res, err
		}

		applyErr := q.apply(ctx, e)
		if applyErr != nil && ctx.Err() != nil {
			// Shutting down: the attempt does not count.
			return res, ctx.Err()
		}

		switch remote.Classify(applyErr) {
		case remote.KindOK, remote.KindConflict:
			if err := q.succeed(ctx, e); err != nil {
				return res, err
			}
			res.Applied++
		case remote.KindRejected:
			if err := q.kill(ctx, e, applyErr.Error(), bus.KindOutboxRejected); err != nil {
				return res, err
			}
			res.Dead++
			blocked[e.ChatID] = true
		default:
			dead, err := q.retry(ctx, e, applyErr)
			if err != nil {
				return res, err
			}
			if dead {
				res.Dead++
			} else {
				res.Retried++
			}
			if q.conn != nil {
				q.conn.Report(false)
			}
			res.Interrupted = true
			return res, nil
		}
	}
	return res, nil
}

func (q *Queue) apply(ctx context.Context, e Entry) error {
	p := e.Payload
	switch e.Kind {
	case KindSend:
		m := remote.Message{
			ID:        p.MessageID,
			ChatID:    e.ChatID,
			SenderID:  p.SenderID,
			Body:      p.Body,
			MediaRef:  p.MediaRef,
			CreatedAt: e.EnqueuedAt.UTC(),
			ExpiresAt: p.ExpiresAt,
		}
		return q.remote.CreateMessage(ctx, m)
	case KindAckRead:
		return q.remote.AppendReadBy(ctx, e.ChatID, p.MessageID, p.UserID)
	case KindEdit:
		return q.remote.EditMessage(ctx, e.ChatID, p.MessageID, p.Body)
	case KindDelete:
		return q.remote.DeleteMessage(ctx, e.ChatID, p.MessageID)
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalid, e.Kind)
}

// succeed mirrors the applied mutation into the local cache and removes the
// entry.
func (q *Queue) succeed(ctx context.Context, e Entry) error {
	p := e.Payload
	var err error
	switch e.Kind {
	case KindSend:
		err = q.db.SetMessageStatus(ctx, p.MessageID, store.MessageSent)
	case KindAckRead:
		err = q.db.AddReadBy(ctx, p.MessageID, p.UserID)
	case KindEdit:
		err = q.db.SetMessageBody(ctx, p.MessageID, p.Body)
	case KindDelete:
		_, err = q.db.DeleteMessageCascade(ctx, p.MessageID)
	}
	if err != nil {
		q.logger.Warn("failed to update local cache", zap.String("op_id", e.OpID), zap.Error(err))
	}
	if err := q.db.DeleteOutbox(ctx, e.OpID); err != nil {
		return fmt.Errorf("remove applied entry %s: %w", e.OpID, err)
	}
	q.logger.Info("entry applied",
		zap.String("op_id", e.OpID),
		zap.String("chat_id", e.ChatID),
		zap.String("kind", string(e.Kind)),
	)
	q.metrics.OutboxApplied(string(e.Kind))
	q.publish(bus.KindOutboxApplied, eventOf(e))
	return nil
}

func (q *Queue) retry(ctx context.Context, e Entry, cause error) (dead bool, err error) {
	e.Attempts++
	e.LastError = cause.Error()
	q.metrics.OutboxFailed(remote.KindTransient.String())
	if e.Attempts >= q.opts.MaxAttempts {
		return true, q.kill(ctx, e, e.LastError, bus.KindOutboxDead)
	}
	delay := Backoff(e.Attempts, q.opts.BackoffBase, q.opts.BackoffCap)
	next := q.opts.Now().Add(delay)
	if err := q.db.RescheduleOutbox(ctx, e.OpID, e.Attempts, e.LastError, next.UnixMilli()); err != nil {
		return false, fmt.Errorf("reschedule %s: %w", e.OpID, err)
	}
	q.logger.Warn("entry will be retried",
		zap.String("op_id", e.OpID),
		zap.Int("attempts", e.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)
	q.publish(bus.KindOutboxRetry, eventOf(e))
	return false, nil
}

func (q *Queue) kill(ctx context.Context, e Entry, reason, kind string) error {
	if kind == bus.KindOutboxRejected {
		e.Attempts++
		q.metrics.OutboxFailed(remote.KindRejected.String())
	}
	e.LastError = reason
	if err := q.db.MarkOutboxDead(ctx, e.OpID, e.Attempts, reason); err != nil {
		return fmt.Errorf("dead-letter %s: %w", e.OpID, err)
	}
	if e.Kind == KindSend {
		if err := q.db.SetMessageStatus(ctx, e.Payload.MessageID, store.MessageFailed); err != nil {
			q.logger.Warn("failed to mark message failed", zap.String("op_id", e.OpID), zap.Error(err))
		}
	}
	q.logger.Error("entry dead-lettered",
		zap.String("op_id", e.OpID),
		zap.String("chat_id", e.ChatID),
		zap.Int("attempts", e.Attempts),
		zap.String("reason", reason),
	)
	q.metrics.OutboxDead()
	q.publish(kind, eventOf(e))
	return nil
}

func (q *Queue) quarantine(ctx context.Context, row store.OutboxEntry, cause error) {
	if err := q.db.QuarantineOutbox(ctx, &row, cause.Error()); err != nil {
		q.logger.Error("failed to quarantine entry", zap.String("op_id", row.OpID), zap.Error(err))
		return
	}
	q.logger.Error("entry quarantined", zap.String("op_id", row.OpID), zap.Error(cause))
	q.publish(bus.KindStoreQuarantined, Event{OpID: row.OpID, ChatID: row.ChatID, Kind: Kind(row.Kind), Reason: cause.Error()})
}

// Stats returns queue counts and persists them in sync_state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.snapshot(ctx)
}

func (q *Queue) snapshot(ctx context.Context) (Stats, error) {
	counts, err := q.db.CountOutbox(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Pending: counts.Pending, Failed: counts.Dead}
	if counts.OldestEnqueuedAt > 0 {
		s.OldestAge = q.opts.Now().Sub(time.UnixMilli(counts.OldestEnqueuedAt))
	}
	if last := q.lastDrain.Load(); last > 0 {
		s.LastDrainAt = time.UnixMilli(last)
	} else if v, err := q.db.GetStateInt(ctx, store.StateOutboxLastDrain); err == nil && v > 0 {
		s.LastDrainAt = time.UnixMilli(v)
	}
	q.metrics.SetOutboxPending(s.Pending)

	for key, v := range map[string]string{
		store.StateOutboxPending: strconv.Itoa(s.Pending),
		store.StateOutboxFailed:  strconv.Itoa(s.Failed),
	} {
		if err := q.db.SetState(ctx, key, v); err != nil {
			return s, err
		}
	}
	if !s.LastDrainAt.IsZero() {
		if err := q.db.SetStateInt(ctx, store.StateOutboxLastDrain, s.LastDrainAt.UnixMilli()); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Dead lists dead-lettered entries.
func (q *Queue) Dead(ctx context.Context) ([]Entry, error) {
	rows, err := q.db.DeadOutbox(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e, err := fromRow(row)
		if err != nil {
			q.logger.Warn("unreadable dead entry", zap.String("op_id", row.OpID), zap.Error(err))
		}
		out = append(out, e)
	}
	return out, nil
}

// Retry moves a dead entry back to pending with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, opID string) error {
	err := q.db.RetryOutbox(ctx, opID, q.opts.Now().UnixMilli())
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, opID)
	}
	if err != nil {
		return err
	}
	q.logger.Info("dead entry requeued", zap.String("op_id", opID))
	q.Nudge()
	return nil
}

// Discard deletes a dead entry.
func (q *Queue) Discard(ctx context.Context, opID string) error {
	err := q.db.DiscardDeadOutbox(ctx, opID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, opID)
	}
	if err != nil {
		return err
	}
	q.logger.Info("dead entry discarded", zap.String("op_id", opID))
	return nil
}

// Start runs the drain loop: on every online transition, on every tick
// while online, and when nudged while online.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	var events <-chan bus.Event
	unsub := func() {}
	if q.bus != nil {
		events, unsub = q.bus.Subscribe(bus.KindNetOnline, 4)
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer unsub()
		q.loop(ctx, events)
	}()
}

// Stop cancels the loop and waits for an in-flight drain to return.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) loop(ctx context.Context, events <-chan bus.Event) {
	ticker := time.NewTicker(q.opts.DrainInterval)
	defer ticker.Stop()

	if q.online() {
		q.drainLogged(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			q.drainLogged(ctx)
		case <-ticker.C:
			if q.online() {
				q.drainLogged(ctx)
			}
		case <-q.nudge:
			if q.online() {
				q.drainLogged(ctx)
			}
		}
	}
}

func (q *Queue) drainLogged(ctx context.Context) {
	res, err := q.Drain(ctx)
	if err != nil && ctx.Err() == nil {
		q.logger.Error("drain failed", zap.Error(err))
		return
	}
	if res.Applied+res.Dead+res.Retried+res.Quarantined > 0 {
		q.logger.Debug("drain finished",
			zap.Int("applied", res.Applied),
			zap.Int("retried", res.Retried),
			zap.Int("dead", res.Dead),
			zap.Int("skipped", res.Skipped),
		)
	}
}

func (q *Queue) online() bool {
	return q.conn == nil || q.conn.Online()
}

func (q *Queue) publish(kind string, payload any) {
	if q.bus != nil {
		q.bus.Publish(bus.NewEvent(kind, payload))
	}
}

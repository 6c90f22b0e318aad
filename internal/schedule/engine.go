// Package schedule materializes future-dated, optionally recurring messages
// into the outbox when they fall due, including after restarts.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/metrics"
	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/store"
	"github.com/matheus3301/courier/internal/templates"
)

var (
	ErrInPast     = errors.New("schedule: fire time is in the past")
	ErrNotPending = errors.New("schedule: not pending")
	ErrNotFound   = errors.New("schedule: not found")
	ErrInvalid    = errors.New("schedule: invalid request")
)

// Status values of a scheduled message.
const (
	StatusPending   = store.SchedulePending
	StatusFired     = store.ScheduleFired
	StatusCancelled = store.ScheduleCancelled
	StatusFailed    = store.ScheduleFailed
)

// Enqueuer accepts materialized sends.
type Enqueuer interface {
	Enqueue(ctx context.Context, e outbox.Entry) (string, error)
}

// TemplateLookup resolves template bodies.
type TemplateLookup interface {
	Get(ctx context.Context, id string) (*templates.Template, error)
}

// Request describes a new schedule. Exactly one of Body and TemplateID is set.
type Request struct {
	ChatID      string
	IsGroupChat bool
	SenderID    string
	Body        string
	TemplateID  string
	FirstFireAt time.Time
	Pattern     Pattern
}

// Message is a persisted schedule.
type Message struct {
	ID          string
	ChatID      string
	IsGroupChat bool
	SenderID    string
	Body        string
	FirstFireAt time.Time
	Pattern     Pattern
	NextFireAt  time.Time
	LastFiredAt time.Time
	FireCount   int
	Status      string
	FailReason  string
}

// FireEvent is the payload of schedule.fired.
type FireEvent struct {
	ScheduleID string
	OpID       string
	FiredAt    time.Time
	NextFireAt time.Time
	Status     string
}

// FailEvent is the payload of schedule.failed.
type FailEvent struct {
	ScheduleID string
	Reason     string
}

// Options tunes the engine.
type Options struct {
	PollInterval  time.Duration
	SkewTolerance time.Duration
	Now           func() time.Time
}

// Engine owns scheduled messages.
type Engine struct {
	db        *store.DB
	outbox    Enqueuer
	templates TemplateLookup
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      Options

	// fireMu serializes fires with cancels so a cancel either lands before
	// an occurrence is enqueued or observes it as fired.
	fireMu sync.Mutex
	nudge  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. tpl, b and m may be nil.
func New(db *store.DB, ob Enqueuer, tpl TemplateLookup, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.SkewTolerance < 0 {
		opts.SkewTolerance = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:        db,
		outbox:    ob,
		templates: tpl,
		bus:       b,
		metrics:   m,
		logger:    logger,
		opts:      opts,
		nudge:     make(chan struct{}, 1),
	}
}

// Schedule validates and persists a request and returns its id.
func (e *Engine) Schedule(ctx context.Context, req Request) (string, error) {
	if req.ChatID == "" {
		return "", fmt.Errorf("%w: chat id is required", ErrInvalid)
	}
	if req.FirstFireAt.IsZero() {
		return "", fmt.Errorf("%w: fire time is required", ErrInvalid)
	}
	if _, err := ParsePattern(string(req.Pattern)); err != nil {
		return "", err
	}
	if req.Body != "" && req.TemplateID != "" {
		return "", fmt.Errorf("%w: body and template are exclusive", ErrInvalid)
	}
	now := e.opts.Now()
	if req.FirstFireAt.Before(now.Add(-e.opts.SkewTolerance)) {
		return "", fmt.Errorf("%w: %s", ErrInPast, req.FirstFireAt.UTC().Format(time.RFC3339))
	}

	body := req.Body
	if req.TemplateID != "" {
		if e.templates == nil {
			return "", fmt.Errorf("%w: templates are unavailable", ErrInvalid)
		}
		tpl, err := e.templates.Get(ctx, req.TemplateID)
		if err != nil {
			return "", fmt.Errorf("resolve template: %w", err)
		}
		body = tpl.Body
	}
	if body == "" {
		return "", fmt.Errorf("%w: body is required", ErrInvalid)
	}

	first := req.FirstFireAt.UTC().UnixMilli()
	row := &store.ScheduledMessage{
		ScheduleID:  uuid.NewString(),
		ChatID:      req.ChatID,
		IsGroup:     req.IsGroupChat,
		SenderID:    req.SenderID,
		Body:        body,
		FirstFireAt: first,
		Pattern:     string(req.Pattern),
		NextFireAt:  first,
		Status:      store.SchedulePending,
	}
	if err := e.db.InsertScheduled(ctx, row); err != nil {
		return "", fmt.Errorf("persist schedule: %w", err)
	}
	e.logger.Info("message scheduled",
		zap.String("schedule_id", row.ScheduleID),
		zap.String("chat_id", row.ChatID),
		zap.Time("first_fire_at", req.FirstFireAt.UTC()),
		zap.String("pattern", row.Pattern),
	)
	e.Nudge()
	return row.ScheduleID, nil
}

// Cancel stops a pending schedule. Cancelling twice is not an error; fired
// and failed schedules return ErrNotPending.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.fireMu.Lock()
	defer e.fireMu.Unlock()

	ok, err := e.db.CancelScheduled(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		e.logger.Info("schedule cancelled", zap.String("schedule_id", id))
		e.Nudge()
		return nil
	}
	row, err := e.db.GetScheduled(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if row.Status == store.ScheduleCancelled {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", ErrNotPending, id, row.Status)
}

// Get returns one schedule.
func (e *Engine) Get(ctx context.Context, id string) (*Message, error) {
	row, err := e.db.GetScheduled(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	m := fromRow(row)
	return &m, nil
}

// List returns schedules, optionally filtered by chat and status.
func (e *Engine) List(ctx context.Context, chatID, status string) ([]Message, error) {
	rows, err := e.db.ListScheduled(ctx, chatID, status)
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// ListDue returns pending schedules due at or before now, including the
// ones that fell due while the process was not running.
func (e *Engine) ListDue(ctx context.Context, now time.Time) ([]Message, error) {
	rows, err := e.db.DueScheduled(ctx, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// FireDue materializes every due schedule and returns how many fired.
func (e *Engine) FireDue(ctx context.Context) (int, error) {
	now := e.opts.Now()
	due, err := e.ListDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due: %w", err)
	}
	fired := 0
	for _, m := range due {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		ok, err := e.fire(ctx, m, now)
		if err != nil {
			e.logger.Error("failed to fire schedule", zap.String("schedule_id", m.ID), zap.Error(err))
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

// fire enqueues one occurrence and advances the record. The op id is
// derived from the occurrence, so repeating a fire after a crash between
// the two steps enqueues nothing new.
func (e *Engine) fire(ctx context.Context, m Message, now time.Time) (bool, error) {
	e.fireMu.Lock()
	defer e.fireMu.Unlock()

	row, err := e.db.GetScheduled(ctx, m.ID)
	if err != nil {
		return false, err
	}
	if row.Status != store.SchedulePending || row.NextFireAt != m.NextFireAt.UnixMilli() {
		return false, nil
	}
	pattern, err := ParsePattern(row.Pattern)
	if err != nil {
		return false, e.quarantine(ctx, row, err)
	}

	opID := fmt.Sprintf("sched:%s:%d", row.ScheduleID, row.NextFireAt)
	_, err = e.outbox.Enqueue(ctx, outbox.Entry{
		OpID:       opID,
		ChatID:     row.ChatID,
		Kind:       outbox.KindSend,
		ScheduleID: row.ScheduleID,
		Payload:    outbox.Payload{SenderID: row.SenderID, Body: row.Body},
	})
	if err != nil {
		return false, fmt.Errorf("enqueue occurrence: %w", err)
	}

	status := store.ScheduleFired
	next := row.NextFireAt
	if pattern != Once {
		anchor := time.UnixMilli(row.FirstFireAt).UTC().Day()
		at, err := Next(pattern, time.UnixMilli(row.NextFireAt), anchor)
		if err != nil {
			return false, e.quarantine(ctx, row, err)
		}
		next = at.UnixMilli()
		status = store.SchedulePending
	}
	won, err := e.db.AdvanceScheduled(ctx, row.ScheduleID, row.NextFireAt, next, status, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("advance schedule: %w", err)
	}
	if !won {
		return false, nil
	}

	e.logger.Info("schedule fired",
		zap.String("schedule_id", row.ScheduleID),
		zap.String("op_id", opID),
		zap.String("status", status),
	)
	e.metrics.ScheduleFired()
	if e.bus != nil {
		e.bus.Publish(bus.NewEvent(bus.KindScheduleFired, FireEvent{
			ScheduleID: row.ScheduleID,
			OpID:       opID,
			FiredAt:    now,
			NextFireAt: time.UnixMilli(next).UTC(),
			Status:     status,
		}))
	}
	return true, nil
}

// quarantine sets aside a schedule that can no longer be fired and marks it
// failed so the loop stops picking it up.
func (e *Engine) quarantine(ctx context.Context, row *store.ScheduledMessage, cause error) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if err := e.db.Quarantine(ctx, "scheduled_messages", row.ScheduleID, raw, cause.Error()); err != nil {
		return fmt.Errorf("quarantine schedule: %w", err)
	}
	e.logger.Warn("schedule quarantined", zap.String("schedule_id", row.ScheduleID), zap.Error(cause))
	return e.MarkFailed(ctx, row.ScheduleID, cause.Error())
}

// MarkFailed stops a schedule after its materialized send was dead-lettered.
func (e *Engine) MarkFailed(ctx context.Context, id, reason string) error {
	if err := e.db.FailScheduled(ctx, id, reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	e.logger.Warn("schedule failed", zap.String("schedule_id", id), zap.String("reason", reason))
	e.metrics.ScheduleFailed()
	if e.bus != nil {
		e.bus.Publish(bus.NewEvent(bus.KindScheduleFailed, FailEvent{ScheduleID: id, Reason: reason}))
	}
	return nil
}

// Nudge wakes the timer loop.
func (e *Engine) Nudge() {
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

// Start runs the timer loop and the outbox failure listener.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	if e.bus != nil {
		events, unsub := e.bus.Subscribe("outbox.", 64)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer unsub()
			e.watchOutbox(ctx, events)
		}()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop(ctx)
	}()
}

// Stop cancels both loops and waits for them.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	for {
		if _, err := e.FireDue(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("fire due schedules", zap.Error(err))
		}

		timer := time.NewTimer(e.untilNext(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-e.nudge:
			timer.Stop()
		}
	}
}

// untilNext is the wait before the next pending fire, capped by the poll
// interval.
func (e *Engine) untilNext(ctx context.Context) time.Duration {
	wait := e.opts.PollInterval
	next, ok, err := e.db.NextPendingFireAt(ctx)
	if err != nil || !ok {
		return wait
	}
	if d := time.UnixMilli(next).Sub(e.opts.Now()); d < wait {
		wait = d
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (e *Engine) watchOutbox(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Kind != bus.KindOutboxRejected && evt.Kind != bus.KindOutboxDead {
				continue
			}
			oe, ok := evt.Payload.(outbox.Event)
			if !ok || oe.ScheduleID == "" {
				continue
			}
			err := e.MarkFailed(ctx, oe.ScheduleID, oe.Reason)
			if err != nil && !errors.Is(err, ErrNotFound) {
				e.logger.Error("failed to mark schedule failed", zap.String("schedule_id", oe.ScheduleID), zap.Error(err))
			}
		}
	}
}

func fromRow(r *store.ScheduledMessage) Message {
	m := Message{
		ID:          r.ScheduleID,
		ChatID:      r.ChatID,
		IsGroupChat: r.IsGroup,
		SenderID:    r.SenderID,
		Body:        r.Body,
		FirstFireAt: time.UnixMilli(r.FirstFireAt).UTC(),
		Pattern:     Pattern(r.Pattern),
		NextFireAt:  time.UnixMilli(r.NextFireAt).UTC(),
		FireCount:   r.FireCount,
		Status:      r.Status,
		FailReason:  r.FailReason,
	}
	if r.LastFiredAt > 0 {
		m.LastFiredAt = time.UnixMilli(r.LastFiredAt).UTC()
	}
	return m
}

func fromRows(rows []store.ScheduledMessage) []Message {
	out := make([]Message, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out
}

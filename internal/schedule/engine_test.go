package schedule

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/store"
	"github.com/matheus3301/courier/internal/templates"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	db     *store.DB
	bus    *bus.Bus
	clock  *fakeClock
	queue  *outbox.Queue
	tpl    *templates.Store
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger, _ := zap.NewDevelopment()
	f := &fixture{
		db:    db,
		bus:   bus.New(),
		clock: &fakeClock{now: time.Date(2026, time.January, 31, 8, 0, 0, 0, time.UTC)},
	}
	// The queue is never drained here; tests only inspect what was enqueued.
	f.queue = outbox.New(db, nil, nil, nil, nil, logger, outbox.Options{Now: f.clock.Now})
	f.tpl = templates.New(db, logger)
	f.engine = New(db, f.queue, f.tpl, f.bus, nil, logger, Options{
		SkewTolerance: 30 * time.Second,
		Now:           f.clock.Now,
	})
	return f
}

func (f *fixture) pendingOps(t *testing.T) []string {
	t.Helper()
	rows, err := f.db.PendingOutbox(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.OpID)
	}
	return ids
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	if _, err := f.engine.Schedule(ctx, Request{ChatID: "c1", Body: "hi", FirstFireAt: now.Add(-time.Minute)}); !errors.Is(err, ErrInPast) {
		t.Errorf("past fire time error = %v, want ErrInPast", err)
	}
	if _, err := f.engine.Schedule(ctx, Request{ChatID: "c1", Body: "hi", FirstFireAt: now.Add(-10 * time.Second)}); err != nil {
		t.Errorf("fire time inside skew tolerance: %v", err)
	}
	if _, err := f.engine.Schedule(ctx, Request{ChatID: "c1", Body: "hi", FirstFireAt: now, Pattern: "hourly"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("bad pattern error = %v, want ErrInvalid", err)
	}
	if _, err := f.engine.Schedule(ctx, Request{ChatID: "c1", FirstFireAt: now}); !errors.Is(err, ErrInvalid) {
		t.Errorf("missing body error = %v, want ErrInvalid", err)
	}
	if _, err := f.engine.Schedule(ctx, Request{ChatID: "c1", TemplateID: "nope", FirstFireAt: now}); !errors.Is(err, templates.ErrNotFound) {
		t.Errorf("missing template error = %v, want templates.ErrNotFound", err)
	}
}

func TestScheduleFromTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl, err := f.tpl.Create(ctx, "alice", "standup", "Standup time!")
	if err != nil {
		t.Fatal(err)
	}
	id, err := f.engine.Schedule(ctx, Request{ChatID: "c1", SenderID: "alice", TemplateID: tpl.ID, FirstFireAt: f.clock.Now().Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	m, err := f.engine.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Body != "Standup time!" {
		t.Errorf("body = %q, want template body", m.Body)
	}
}

func TestOneOffFiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fireAt := f.clock.Now().Add(time.Hour)

	id, err := f.engine.Schedule(ctx, Request{ChatID: "c1", SenderID: "alice", Body: "later", FirstFireAt: fireAt})
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := f.engine.FireDue(ctx); n != 0 {
		t.Fatalf("fired %d before due", n)
	}

	f.clock.Set(fireAt)
	if n, err := f.engine.FireDue(ctx); err != nil || n != 1 {
		t.Fatalf("FireDue = %d, %v; want 1", n, err)
	}
	if n, _ := f.engine.FireDue(ctx); n != 0 {
		t.Errorf("fired again: %d", n)
	}

	want := fmt.Sprintf("sched:%s:%d", id, fireAt.UnixMilli())
	ops := f.pendingOps(t)
	if len(ops) != 1 || ops[0] != want {
		t.Errorf("outbox ops = %v, want [%s]", ops, want)
	}
	m, _ := f.engine.Get(ctx, id)
	if m.Status != StatusFired || m.FireCount != 1 {
		t.Errorf("schedule = %+v, want fired once", m)
	}
	row, _ := f.db.GetOutbox(ctx, want)
	if row.ScheduleID != id {
		t.Errorf("entry schedule id = %q, want %q", row.ScheduleID, id)
	}
}

func TestMonthlyAnchoredToFirstDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := time.Date(2026, time.January, 31, 9, 0, 0, 0, time.UTC)

	id, err := f.engine.Schedule(ctx, Request{ChatID: "c1", Body: "rent", FirstFireAt: first, Pattern: Monthly})
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Time{
		time.Date(2026, time.February, 28, 9, 0, 0, 0, time.UTC),
		time.Date(2026, time.March, 31, 9, 0, 0, 0, time.UTC),
		time.Date(2026, time.April, 30, 9, 0, 0, 0, time.UTC),
	}
	fireAt := first
	for _, w := range want {
		f.clock.Set(fireAt)
		if n, err := f.engine.FireDue(ctx); err != nil || n != 1 {
			t.Fatalf("FireDue at %s = %d, %v", fireAt, n, err)
		}
		m, _ := f.engine.Get(ctx, id)
		if m.Status != StatusPending || !m.NextFireAt.Equal(w) {
			t.Fatalf("after %s: next = %s status = %s, want %s", fireAt, m.NextFireAt, m.Status, w)
		}
		fireAt = w
	}
	if ops := f.pendingOps(t); len(ops) != 3 {
		t.Errorf("enqueued %d occurrences, want 3", len(ops))
	}
}

func TestDailyAdvancesOneDayAfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.clock.Now().Add(time.Minute)

	id, err := f.engine.Schedule(ctx, Request{ChatID: "c1", Body: "daily", FirstFireAt: first, Pattern: Daily})
	if err != nil {
		t.Fatal(err)
	}
	// The process was down for thirty hours.
	f.clock.Set(first.Add(30 * time.Hour))

	if n, err := f.engine.FireDue(ctx); err != nil || n != 1 {
		t.Fatalf("FireDue = %d, %v; want 1", n, err)
	}
	m, _ := f.engine.Get(ctx, id)
	if want := first.Add(24 * time.Hour); !m.NextFireAt.Equal(want) || m.Status != StatusPending {
		t.Fatalf("next = %s status = %s, want %s pending", m.NextFireAt, m.Status, want)
	}

	// The occurrence that fell due during the downtime fires on the next pass.
	if n, err := f.engine.FireDue(ctx); err != nil || n != 1 {
		t.Fatalf("second FireDue = %d, %v; want 1", n, err)
	}
	m, _ = f.engine.Get(ctx, id)
	if want := first.Add(48 * time.Hour); !m.NextFireAt.Equal(want) {
		t.Errorf("next = %s, want %s", m.NextFireAt, want)
	}
	if n, err := f.engine.FireDue(ctx); err != nil || n != 0 {
		t.Errorf("third FireDue = %d, %v; want 0", n, err)
	}
	if ops := f.pendingOps(t); len(ops) != 2 {
		t.Errorf("enqueued %d occurrences, want 2", len(ops))
	}
}

func TestUnknownPatternIsQuarantined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	row := &store.ScheduledMessage{
		ScheduleID:  "bad",
		ChatID:      "c1",
		SenderID:    "u1",
		Body:        "hi",
		FirstFireAt: now.Add(-time.Minute).UnixMilli(),
		Pattern:     "hourly",
		NextFireAt:  now.Add(-time.Minute).UnixMilli(),
		Status:      store.SchedulePending,
		CreatedAt:   now.UnixMilli(),
		UpdatedAt:   now.UnixMilli(),
	}
	if err := f.db.InsertScheduled(ctx, row); err != nil {
		t.Fatal(err)
	}
	good, err := f.engine.Schedule(ctx, Request{ChatID: "c1", Body: "ok", FirstFireAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Set(now.Add(2 * time.Minute))

	done := make(chan struct{})
	var n int
	go func() {
		defer close(done)
		n, err = f.engine.FireDue(ctx)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("FireDue did not return")
	}
	if err != nil || n != 1 {
		t.Fatalf("FireDue = %d, %v; want the valid schedule to fire", n, err)
	}

	got, err := f.db.GetScheduled(ctx, "bad")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.ScheduleFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	q, err := f.db.ListQuarantine(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(q) != 1 || q[0].Source != "scheduled_messages" || q[0].RecordID != "bad" {
		t.Errorf("quarantine = %+v", q)
	}
	if ops := f.pendingOps(t); len(ops) != 1 || ops[0] != fmt.Sprintf("sched:%s:%d", good, now.Add(time.Minute).UnixMilli()) {
		t.Errorf("pending ops = %v", ops)
	}
	// Cancels still go through once the bad row is out of the way.
	if err := f.engine.Cancel(ctx, "bad"); !errors.Is(err, ErrNotPending) {
		t.Errorf("Cancel(bad) = %v, want ErrNotPending", err)
	}
}

func TestRefireAfterCrashDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fireAt := f.clock.Now().Add(time.Minute)

	id, err := f.engine.Schedule(ctx, Request{ChatID: "c1", Body: "once", FirstFireAt: fireAt})
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash after the occurrence was enqueued but before the
	// record advanced.
	opID := fmt.Sprintf("sched:%s:%d", id, fireAt.UnixMilli())
	if _, err := f.queue.Enqueue(ctx, outbox.Entry{OpID: opID, ChatID: "c1", Kind: outbox.KindSend, ScheduleID: id, Payload: outbox.Payload{Body: "once"}}); err != nil {
		t.Fatal(err)
	}

	f.clock.Set(fireAt)
	if _, err := f.engine.FireDue(ctx); err != nil {
		t.Fatal(err)
	}
	if ops := f.pendingOps(t); len(ops) != 1 {
		t.Errorf("outbox ops = %v, want exactly one", ops)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fireAt := f.clock.Now().Add(time.Hour)

	id, err := f.engine.Schedule(ctx, Request{ChatID: "c1", Body: "x", FirstFireAt: fireAt})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Cancel(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Cancel(ctx, id); err != nil {
		t.Errorf("second cancel = %v, want nil", err)
	}
	f.clock.Set(fireAt.Add(time.Hour))
	if n, _ := f.engine.FireDue(ctx); n != 0 {
		t.Errorf("cancelled schedule fired")
	}

	fired, err := f.engine.Schedule(ctx, Request{ChatID: "c1", Body: "y", FirstFireAt: f.clock.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.FireDue(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Cancel(ctx, fired); !errors.Is(err, ErrNotPending) {
		t.Errorf("cancel fired = %v, want ErrNotPending", err)
	}
	if err := f.engine.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel missing = %v, want ErrNotFound", err)
	}

	cancelled, _ := f.engine.List(ctx, "c1", StatusCancelled)
	if len(cancelled) != 1 || cancelled[0].ID != id {
		t.Errorf("cancelled list = %+v", cancelled)
	}
}

func TestDeadLetteredOccurrenceFailsSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, unsub := f.bus.Subscribe(bus.KindScheduleFailed, 4)
	defer unsub()

	id, err := f.engine.Schedule(ctx, Request{ChatID: "gone", Body: "x", FirstFireAt: f.clock.Now().Add(time.Hour), Pattern: Weekly})
	if err != nil {
		t.Fatal(err)
	}
	f.engine.Start(ctx)
	defer f.engine.Stop()

	f.bus.Publish(bus.NewEvent(bus.KindOutboxRejected, outbox.Event{OpID: "sched:" + id + ":1", ScheduleID: id, Reason: "chat gone"}))

	select {
	case evt := <-ch:
		if evt.Payload.(FailEvent).ScheduleID != id {
			t.Errorf("failed event = %+v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for schedule.failed")
	}
	m, _ := f.engine.Get(ctx, id)
	if m.Status != StatusFailed || m.FailReason != "chat gone" {
		t.Errorf("schedule = %+v, want failed", m)
	}
}

func TestLoopFiresWhenDue(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	q := outbox.New(db, nil, nil, nil, nil, nil, outbox.Options{})
	e := New(db, q, nil, b, nil, nil, Options{PollInterval: time.Minute})
	ch, unsub := b.Subscribe(bus.KindScheduleFired, 4)
	defer unsub()

	ctx := context.Background()
	e.Start(ctx)
	defer e.Stop()

	if _, err := e.Schedule(ctx, Request{ChatID: "c1", Body: "soon", FirstFireAt: time.Now().Add(100 * time.Millisecond)}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("schedule did not fire")
	}
}

package api_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/client"
	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/reaper"
	"github.com/matheus3301/courier/internal/remote"
	"github.com/matheus3301/courier/internal/remote/memremote"
	"github.com/matheus3301/courier/internal/schedule"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
	intsync "github.com/matheus3301/courier/internal/sync"
	"github.com/matheus3301/courier/internal/templates"
)

type harness struct {
	db     *store.DB
	remote *memremote.Remote
	bus    *bus.Bus
	client *client.Client
}

func newHarness(t *testing.T) *harness {
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
	b := bus.New()
	rs := memremote.New()
	rs.PutChat(remote.Chat{ID: "chatA", IsGroup: true, Members: []string{"alice", "bob"}})

	machine := status.NewMachine(b)
	queue := outbox.New(db, rs, nil, b, nil, logger, outbox.Options{MaxAttempts: 2})
	tpl := templates.New(db, logger)
	engine := schedule.New(db, queue, tpl, b, nil, logger, schedule.Options{})
	rp := reaper.New(db, rs, rs, b, nil, logger, reaper.Options{})
	syncer := intsync.NewEngine(intsync.NewReconciler(db, rs, logger), b, logger)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	api.Register(srv,
		api.NewStatusService("test", machine, queue, db, b),
		api.NewOutboxService(queue),
		api.NewScheduleService(engine),
		api.NewTemplateService(tpl),
		api.NewReaperService(rp),
		api.NewCacheService(db, syncer),
	)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	c := client.NewFromConn(conn)
	t.Cleanup(func() { _ = c.Close() })

	return &harness{db: db, remote: rs, bus: b, client: c}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != code {
		t.Fatalf("code = %v (%v), want %v", got, err, code)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	if _, err := h.client.Send(ctx, api.SendRequest{ChatID: "chatA", SenderID: "alice", Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	st, err := h.client.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Profile != "test" || st.State != string(status.Booting) || st.Online {
		t.Errorf("status = %+v", st)
	}
	if st.Outbox.Pending != 1 {
		t.Errorf("pending = %d, want 1", st.Outbox.Pending)
	}
}

func TestSendAndDrain(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	resp, err := h.client.Send(ctx, api.SendRequest{ChatID: "chatA", SenderID: "alice", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.OpID == "" || resp.MessageID != resp.OpID {
		t.Errorf("response = %+v", resp)
	}

	res, err := h.client.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 1 {
		t.Errorf("drain = %+v", res)
	}
	m, ok := h.remote.Message(resp.MessageID)
	if !ok || m.Body != "hello" {
		t.Fatalf("remote message = %+v, %v", m, ok)
	}

	if _, err := h.client.AckRead(ctx, api.ReadRequest{ChatID: "chatA", MessageID: resp.MessageID, UserID: "bob"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.client.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	m, _ = h.remote.Message(resp.MessageID)
	if len(m.ReadBy) != 1 || m.ReadBy[0] != "bob" {
		t.Errorf("readBy = %v", m.ReadBy)
	}
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	_, err := h.client.Send(ctx, api.SendRequest{SenderID: "alice", Body: "no chat"})
	wantCode(t, err, codes.InvalidArgument)

	_, err = h.client.Edit(ctx, api.EditRequest{ChatID: "chatA", MessageID: "m1"})
	wantCode(t, err, codes.InvalidArgument)
}

func TestDeadLetters(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	resp, err := h.client.Send(ctx, api.SendRequest{ChatID: "ghost", SenderID: "alice", Body: "lost"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.client.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	dead, err := h.client.Dead(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead.Entries) != 1 || dead.Entries[0].OpID != resp.OpID || dead.Entries[0].LastError == "" {
		t.Fatalf("dead = %+v", dead)
	}

	stats, err := h.client.OutboxStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}

	if err := h.client.Retry(ctx, resp.OpID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.client.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.client.Discard(ctx, resp.OpID); err != nil {
		t.Fatal(err)
	}
	wantCode(t, h.client.Retry(ctx, resp.OpID), codes.NotFound)
	wantCode(t, h.client.Discard(ctx, ""), codes.InvalidArgument)
}

func TestScheduleLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)
	fireAt := time.Now().Add(time.Hour).UnixMilli()

	resp, err := h.client.Schedule(ctx, api.ScheduleRequest{
		ChatID: "chatA", SenderID: "alice", Body: "standup", FirstFireAt: fireAt, Pattern: "weekly",
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := h.client.GetSchedule(ctx, resp.ScheduleID)
	if err != nil {
		t.Fatal(err)
	}
	if got.NextFireAt != fireAt || got.Pattern != "weekly" || got.Status != schedule.StatusPending {
		t.Errorf("schedule = %+v", got)
	}

	list, err := h.client.ListSchedules(ctx, api.ListSchedulesRequest{ChatID: "chatA"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Schedules) != 1 {
		t.Errorf("listed %d schedules", len(list.Schedules))
	}

	if err := h.client.CancelSchedule(ctx, resp.ScheduleID); err != nil {
		t.Fatal(err)
	}
	if err := h.client.CancelSchedule(ctx, resp.ScheduleID); err != nil {
		t.Errorf("second cancel: %v", err)
	}
	wantCode(t, h.client.CancelSchedule(ctx, "missing"), codes.NotFound)

	_, err = h.client.GetSchedule(ctx, "missing")
	wantCode(t, err, codes.NotFound)
}

func TestScheduleValidation(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	_, err := h.client.Schedule(ctx, api.ScheduleRequest{
		ChatID: "chatA", SenderID: "alice", Body: "late", FirstFireAt: time.Now().Add(-time.Hour).UnixMilli(),
	})
	wantCode(t, err, codes.InvalidArgument)

	_, err = h.client.Schedule(ctx, api.ScheduleRequest{
		ChatID: "chatA", SenderID: "alice", Body: "x", FirstFireAt: time.Now().Add(time.Hour).UnixMilli(), Pattern: "hourly",
	})
	wantCode(t, err, codes.InvalidArgument)
}

func TestTemplates(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	tpl, err := h.client.CreateTemplate(ctx, api.CreateTemplateRequest{OwnerID: "alice", Name: "greeting", Body: "good morning"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.client.CreateTemplate(ctx, api.CreateTemplateRequest{OwnerID: "alice", Name: "greeting", Body: "again"})
	wantCode(t, err, codes.AlreadyExists)

	resp, err := h.client.Schedule(ctx, api.ScheduleRequest{
		ChatID: "chatA", SenderID: "alice", TemplateID: tpl.TemplateID, FirstFireAt: time.Now().Add(time.Minute).UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
	sched, err := h.client.GetSchedule(ctx, resp.ScheduleID)
	if err != nil {
		t.Fatal(err)
	}
	if sched.Body != "good morning" {
		t.Errorf("schedule body = %q", sched.Body)
	}

	if err := h.client.UpdateTemplate(ctx, api.UpdateTemplateRequest{TemplateID: tpl.TemplateID, Name: "greeting", Body: "hello"}); err != nil {
		t.Fatal(err)
	}
	list, err := h.client.ListTemplates(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Templates) != 1 || list.Templates[0].Body != "hello" {
		t.Errorf("templates = %+v", list.Templates)
	}

	if err := h.client.DeleteTemplate(ctx, tpl.TemplateID); err != nil {
		t.Fatal(err)
	}
	wantCode(t, h.client.DeleteTemplate(ctx, tpl.TemplateID), codes.NotFound)
}

func TestSweepAndCache(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)
	now := time.Now()
	h.remote.PutMessage(remote.Message{ID: "read", ChatID: "chatA", SenderID: "alice", Body: "seen", CreatedAt: now, ReadBy: []string{"alice", "bob"}})
	h.remote.PutMessage(remote.Message{ID: "unread", ChatID: "chatA", SenderID: "alice", Body: "new", CreatedAt: now.Add(time.Second)})

	rec, err := h.client.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Chats != 1 || rec.Upserted != 2 {
		t.Errorf("reconcile = %+v", rec)
	}

	sweep, err := h.client.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sweep.Deleted != 1 || sweep.Scanned != 2 {
		t.Errorf("sweep = %+v", sweep)
	}

	chats, err := h.client.ListChats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats.Chats) != 1 || len(chats.Chats[0].Members) != 2 {
		t.Errorf("chats = %+v", chats.Chats)
	}
	msgs, err := h.client.ListMessages(ctx, "chatA", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs.Messages) != 1 || msgs.Messages[0].MessageID != "unread" {
		t.Errorf("messages = %+v", msgs.Messages)
	}

	_, err = h.client.ListMessages(ctx, "", 0)
	wantCode(t, err, codes.InvalidArgument)
}

func TestWatchEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan api.Event, 1)
	go func() {
		_ = h.client.WatchEvents(ctx, "outbox.", func(evt api.Event) error {
			select {
			case got <- evt:
			default:
			}
			return nil
		})
	}()

	// The stream subscribes asynchronously; publish until it is delivered.
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case evt := <-got:
			if evt.Kind != bus.KindOutboxDrained || evt.ID == "" {
				t.Errorf("event = %+v", evt)
			}
			if evt.Payload["Applied"] != float64(3) {
				t.Errorf("payload = %v", evt.Payload)
			}
			return
		case <-tick.C:
			h.bus.Publish(bus.NewEvent(bus.KindOutboxDrained, outbox.DrainResult{Applied: 3}))
		case <-ctx.Done():
			t.Fatal("timeout waiting for event")
		}
	}
}

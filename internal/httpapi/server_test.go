package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/metrics"
	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
)

type fakeStats struct {
	stats outbox.Stats
	err   error
}

func (f fakeStats) Stats(context.Context) (outbox.Stats, error) { return f.stats, f.err }

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func do(s *Server, method, path string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(path)
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	s.Handler(ctx)
	return ctx
}

func TestHealthz(t *testing.T) {
	m := status.NewMachine(bus.New())
	s := New(fakeStats{}, m, testDB(t), nil, nil)

	ctx := do(s, "GET", "/healthz")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), string(status.Booting)) {
		t.Errorf("body = %s", ctx.Response.Body())
	}

	_ = m.Transition(status.Error)
	if code := do(s, "GET", "/healthz").Response.StatusCode(); code != fasthttp.StatusServiceUnavailable {
		t.Errorf("status in error state = %d", code)
	}
}

func TestStats(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.SetStateInt(ctx, store.StateLastSync, 1000); err != nil {
		t.Fatal(err)
	}
	m := status.NewMachine(bus.New())
	_ = m.Transition(status.Online)
	drained := time.UnixMilli(5000)
	s := New(fakeStats{stats: outbox.Stats{Pending: 3, Failed: 1, OldestAge: 2 * time.Second, LastDrainAt: drained}}, m, db, nil, nil)

	rc := do(s, "GET", "/v1/stats")
	if rc.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", rc.Response.StatusCode())
	}
	var got Stats
	if err := json.Unmarshal(rc.Response.Body(), &got); err != nil {
		t.Fatal(err)
	}
	if !got.Online || got.Pending != 3 || got.Failed != 1 || got.OldestAgeMs != 2000 {
		t.Errorf("stats = %+v", got)
	}
	if got.LastDrainAt != 5000 || got.LastSyncAt != 1000 || got.LastSweepAt != 0 {
		t.Errorf("timestamps = %+v", got)
	}
}

func TestStatsError(t *testing.T) {
	s := New(fakeStats{err: errors.New("db closed")}, status.NewMachine(bus.New()), testDB(t), nil, nil)
	if code := do(s, "GET", "/v1/stats").Response.StatusCode(); code != fasthttp.StatusInternalServerError {
		t.Errorf("status = %d", code)
	}
}

func TestMetrics(t *testing.T) {
	reg := metrics.New()
	reg.OutboxDead()
	s := New(fakeStats{}, status.NewMachine(bus.New()), testDB(t), reg.Registry, nil)

	rc := do(s, "GET", "/metrics")
	if rc.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", rc.Response.StatusCode())
	}
	if !strings.Contains(string(rc.Response.Body()), "courier_outbox_dead_total 1") {
		t.Errorf("metrics body missing dead counter:\n%s", rc.Response.Body())
	}
}

func TestRouting(t *testing.T) {
	s := New(fakeStats{}, status.NewMachine(bus.New()), testDB(t), nil, nil)
	tests := []struct {
		method, path string
		want         int
	}{
		{"GET", "/nope", fasthttp.StatusNotFound},
		{"GET", "/metrics", fasthttp.StatusNotFound},
		{"POST", "/healthz", fasthttp.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		if code := do(s, tt.method, tt.path).Response.StatusCode(); code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, code, tt.want)
		}
	}
}

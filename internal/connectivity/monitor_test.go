package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/status"
)

const testDebounce = 80 * time.Millisecond

type recorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *recorder) record(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, online)
}

func (r *recorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func TestFirstObservationCommitsImmediately(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	m := New(nil, b, machine, nil, Options{Debounce: testDebounce})

	ch, unsub := b.Subscribe("net.", 10)
	defer unsub()

	m.Report(true)
	if !m.Online() {
		t.Fatal("Online() = false after first online report")
	}
	if machine.Current() != status.Online {
		t.Errorf("status = %s, want ONLINE", machine.Current())
	}
	select {
	case evt := <-ch:
		if evt.Kind != bus.KindNetOnline {
			t.Errorf("event = %s, want %s", evt.Kind, bus.KindNetOnline)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for net.online")
	}
}

func TestDebounceSuppressesFlapping(t *testing.T) {
	m := New(nil, nil, nil, nil, Options{Debounce: testDebounce})
	rec := &recorder{}
	unsub := m.OnChange(rec.record)
	defer unsub()

	m.Report(true)
	// Flap down and back up well inside the window.
	for i := 0; i < 5; i++ {
		m.Report(false)
		time.Sleep(testDebounce / 8)
		m.Report(true)
	}
	time.Sleep(2 * testDebounce)

	got := rec.get()
	if len(got) != 1 || !got[0] {
		t.Errorf("transitions = %v, want [true]", got)
	}
	if !m.Online() {
		t.Error("Online() = false, want true")
	}
}

func TestStableChangeCommitsAfterWindow(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)
	m := New(nil, b, machine, nil, Options{Debounce: testDebounce})
	rec := &recorder{}
	m.OnChange(rec.record)

	m.Report(true)
	m.Report(false)
	if !m.Online() {
		t.Fatal("offline committed before the debounce window elapsed")
	}

	deadline := time.After(time.Second)
	for m.Online() {
		select {
		case <-deadline:
			t.Fatal("offline never committed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if machine.Current() != status.Offline {
		t.Errorf("status = %s, want OFFLINE", machine.Current())
	}
	time.Sleep(20 * time.Millisecond)
	if got := rec.get(); len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("transitions = %v, want [true false]", got)
	}
}

func TestUnsubscribeIsDeterministic(t *testing.T) {
	m := New(nil, nil, nil, nil, Options{Debounce: testDebounce})
	var calls atomic.Int32
	unsub := m.OnChange(func(bool) { calls.Add(1) })

	m.Report(false)
	unsub()
	unsub()
	m.Report(true)
	time.Sleep(2 * testDebounce)

	if n := calls.Load(); n != 1 {
		t.Errorf("listener calls = %d, want 1", n)
	}
}

type flakyProber struct {
	healthy atomic.Bool
}

func (p *flakyProber) Ping(context.Context) error {
	if p.healthy.Load() {
		return nil
	}
	return errors.New("unreachable")
}

func TestProbeLoop(t *testing.T) {
	p := &flakyProber{}
	m := New(p, nil, nil, nil, Options{ProbeInterval: 20 * time.Millisecond, Debounce: testDebounce})
	m.Start(context.Background())
	defer m.Stop()

	time.Sleep(50 * time.Millisecond)
	if m.Online() {
		t.Fatal("Online() = true while probe fails")
	}

	p.healthy.Store(true)
	deadline := time.After(2 * time.Second)
	for !m.Online() {
		select {
		case <-deadline:
			t.Fatal("monitor never went online")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

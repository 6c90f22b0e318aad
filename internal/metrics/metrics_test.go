package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.OutboxEnqueued("send")
	m.OutboxApplied("send")
	m.OutboxFailed("transient")
	m.OutboxDead()
	m.SetOutboxPending(3)
	m.ObserveDrain(time.Second)
	m.ScheduleFired()
	m.ScheduleFailed()
	m.ReaperDeleted(2)
	m.ReaperErrors(1)
	m.ObserveSweep(time.Second)
	m.SetOnline(true)
}

func TestCounters(t *testing.T) {
	m := New()
	m.OutboxApplied("send")
	m.OutboxApplied("send")
	m.OutboxApplied("edit")
	m.ReaperDeleted(4)
	m.SetOnline(true)

	if got := testutil.ToFloat64(m.outboxApplied.WithLabelValues("send")); got != 2 {
		t.Errorf("applied{send} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.reaperDeleted); got != 4 {
		t.Errorf("reaper deleted = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.online); got != 1 {
		t.Errorf("online = %v, want 1", got)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "courier_outbox_applied_total" {
			found = true
		}
	}
	if !found {
		t.Error("courier_outbox_applied_total not gathered")
	}
}

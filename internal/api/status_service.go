package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
)

// StatsSource reports the outbox snapshot.
type StatsSource interface {
	Stats(ctx context.Context) (outbox.Stats, error)
}

// StatusService reports daemon health and streams bus events.
type StatusService struct {
	profile   string
	startedAt time.Time
	machine   *status.Machine
	outbox    StatsSource
	db        *store.DB
	bus       *bus.Bus
}

// NewStatusService creates a new status service.
func NewStatusService(profile string, machine *status.Machine, ob StatsSource, db *store.DB, b *bus.Bus) *StatusService {
	return &StatusService{
		profile:   profile,
		startedAt: time.Now(),
		machine:   machine,
		outbox:    ob,
		db:        db,
		bus:       b,
	}
}

func (s *StatusService) Desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: StatusServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary(StatusServiceName, "GetStatus", s.GetStatus),
			unary(StatusServiceName, "ListQuarantine", s.ListQuarantine),
		},
		Streams: []grpc.StreamDesc{
			serverStream("WatchEvents", s.WatchEvents),
		},
	}
}

func (s *StatusService) GetStatus(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	current := s.machine.Current()
	resp := &StatusResponse{
		Profile:  s.profile,
		State:    string(current),
		Online:   current == status.Online,
		SinceMs:  s.machine.Since().UnixMilli(),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}

	st, err := s.outbox.Stats(ctx)
	if err != nil {
		return nil, err
	}
	resp.Outbox = statsToWire(st)

	if v, err := s.db.GetStateInt(ctx, store.StateLastSync); err == nil {
		resp.LastSyncAt = v
	}
	if v, err := s.db.GetStateInt(ctx, store.StateLastSweep); err == nil {
		resp.LastSweepAt = v
	}
	return resp, nil
}

func (s *StatusService) ListQuarantine(ctx context.Context, _ *Empty) (*QuarantineResponse, error) {
	recs, err := s.db.ListQuarantine(ctx, 100)
	if err != nil {
		return nil, err
	}
	resp := &QuarantineResponse{Records: make([]QuarantineRecord, 0, len(recs))}
	for _, r := range recs {
		resp.Records = append(resp.Records, QuarantineRecord{
			ID:            r.ID,
			Source:        r.Source,
			RecordID:      r.RecordID,
			Reason:        r.Reason,
			Raw:           string(r.Raw),
			QuarantinedAt: r.QuarantinedAt,
		})
	}
	return resp, nil
}

// WatchEvents streams bus events whose kind starts with the requested prefix.
func (s *StatusService) WatchEvents(req *WatchRequest, stream *Sender[Event]) error {
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(&Event{
				ID:         uuid.New().String(),
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp.UnixMilli(),
				Payload:    payloadMap(evt.Payload),
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func payloadMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func statsToWire(st outbox.Stats) OutboxStats {
	out := OutboxStats{
		Pending:     st.Pending,
		Failed:      st.Failed,
		OldestAgeMs: st.OldestAge.Milliseconds(),
	}
	if !st.LastDrainAt.IsZero() {
		out.LastDrainAt = st.LastDrainAt.UnixMilli()
	}
	return out
}

package api

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/matheus3301/courier/internal/outbox"
)

// Outbox is the queue surface the control API drives.
type Outbox interface {
	StatsSource
	Enqueue(ctx context.Context, e outbox.Entry) (string, error)
	Drain(ctx context.Context) (outbox.DrainResult, error)
	Dead(ctx context.Context) ([]outbox.Entry, error)
	Retry(ctx context.Context, opID string) error
	Discard(ctx context.Context, opID string) error
}

// OutboxService accepts user mutations and manages the dead letters.
type OutboxService struct {
	outbox Outbox
}

// NewOutboxService creates a new outbox service.
func NewOutboxService(ob Outbox) *OutboxService {
	return &OutboxService{outbox: ob}
}

func (s *OutboxService) Desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: OutboxServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary(OutboxServiceName, "Send", s.Send),
			unary(OutboxServiceName, "AckRead", s.AckRead),
			unary(OutboxServiceName, "Edit", s.Edit),
			unary(OutboxServiceName, "Delete", s.Delete),
			unary(OutboxServiceName, "Stats", s.Stats),
			unary(OutboxServiceName, "Dead", s.Dead),
			unary(OutboxServiceName, "Retry", s.Retry),
			unary(OutboxServiceName, "Discard", s.Discard),
			unary(OutboxServiceName, "Drain", s.Drain),
		},
	}
}

func (s *OutboxService) Send(ctx context.Context, req *SendRequest) (*EnqueueResponse, error) {
	p := outbox.Payload{
		MessageID: req.MessageID,
		SenderID:  req.SenderID,
		Body:      req.Body,
		MediaRef:  req.MediaRef,
	}
	if req.SenderID == "" {
		return nil, badRequest("sender id is required")
	}
	if req.ExpiresAt > 0 {
		t := time.UnixMilli(req.ExpiresAt)
		p.ExpiresAt = &t
	}
	opID, err := s.outbox.Enqueue(ctx, outbox.Entry{OpID: req.OpID, ChatID: req.ChatID, Kind: outbox.KindSend, Payload: p})
	if err != nil {
		return nil, err
	}
	msgID := req.MessageID
	if msgID == "" {
		msgID = opID
	}
	return &EnqueueResponse{OpID: opID, MessageID: msgID}, nil
}

func (s *OutboxService) AckRead(ctx context.Context, req *ReadRequest) (*EnqueueResponse, error) {
	return s.enqueue(ctx, req.OpID, req.ChatID, outbox.KindAckRead, outbox.Payload{MessageID: req.MessageID, UserID: req.UserID})
}

func (s *OutboxService) Edit(ctx context.Context, req *EditRequest) (*EnqueueResponse, error) {
	return s.enqueue(ctx, req.OpID, req.ChatID, outbox.KindEdit, outbox.Payload{MessageID: req.MessageID, Body: req.Body})
}

func (s *OutboxService) Delete(ctx context.Context, req *DeleteRequest) (*EnqueueResponse, error) {
	return s.enqueue(ctx, req.OpID, req.ChatID, outbox.KindDelete, outbox.Payload{MessageID: req.MessageID})
}

func (s *OutboxService) enqueue(ctx context.Context, opID, chatID string, kind outbox.Kind, p outbox.Payload) (*EnqueueResponse, error) {
	id, err := s.outbox.Enqueue(ctx, outbox.Entry{OpID: opID, ChatID: chatID, Kind: kind, Payload: p})
	if err != nil {
		return nil, err
	}
	return &EnqueueResponse{OpID: id, MessageID: p.MessageID}, nil
}

func (s *OutboxService) Stats(ctx context.Context, _ *Empty) (*OutboxStats, error) {
	st, err := s.outbox.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := statsToWire(st)
	return &out, nil
}

func (s *OutboxService) Dead(ctx context.Context, _ *Empty) (*DeadResponse, error) {
	entries, err := s.outbox.Dead(ctx)
	if err != nil {
		return nil, err
	}
	resp := &DeadResponse{Entries: make([]OutboxEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, entryToWire(e))
	}
	return resp, nil
}

func (s *OutboxService) Retry(ctx context.Context, req *OpRequest) (*Empty, error) {
	if req.OpID == "" {
		return nil, badRequest("op id is required")
	}
	return &Empty{}, s.outbox.Retry(ctx, req.OpID)
}

func (s *OutboxService) Discard(ctx context.Context, req *OpRequest) (*Empty, error) {
	if req.OpID == "" {
		return nil, badRequest("op id is required")
	}
	return &Empty{}, s.outbox.Discard(ctx, req.OpID)
}

func (s *OutboxService) Drain(ctx context.Context, _ *Empty) (*DrainResponse, error) {
	res, err := s.outbox.Drain(ctx)
	if err != nil {
		return nil, err
	}
	return &DrainResponse{
		Coalesced:   res.Coalesced,
		Applied:     res.Applied,
		Retried:     res.Retried,
		Dead:        res.Dead,
		Skipped:     res.Skipped,
		Quarantined: res.Quarantined,
		Interrupted: res.Interrupted,
	}, nil
}

func entryToWire(e outbox.Entry) OutboxEntry {
	out := OutboxEntry{
		OpID:       e.OpID,
		ChatID:     e.ChatID,
		Kind:       string(e.Kind),
		MessageID:  e.Payload.MessageID,
		ScheduleID: e.ScheduleID,
		Body:       e.Payload.Body,
		State:      e.State,
		Attempts:   e.Attempts,
		LastError:  e.LastError,
		EnqueuedAt: e.EnqueuedAt.UnixMilli(),
	}
	if !e.NextAttemptAt.IsZero() {
		out.NextAttemptAt = e.NextAttemptAt.UnixMilli()
	}
	return out
}

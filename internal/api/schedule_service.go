package api

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/matheus3301/courier/internal/schedule"
)

// Scheduler is the schedule engine surface the control API drives.
type Scheduler interface {
	Schedule(ctx context.Context, req schedule.Request) (string, error)
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*schedule.Message, error)
	List(ctx context.Context, chatID, status string) ([]schedule.Message, error)
}

// ScheduleService manages scheduled messages.
type ScheduleService struct {
	engine Scheduler
}

// NewScheduleService creates a new schedule service.
func NewScheduleService(engine Scheduler) *ScheduleService {
	return &ScheduleService{engine: engine}
}

func (s *ScheduleService) Desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ScheduleServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary(ScheduleServiceName, "Add", s.Add),
			unary(ScheduleServiceName, "Cancel", s.Cancel),
			unary(ScheduleServiceName, "Get", s.Get),
			unary(ScheduleServiceName, "List", s.List),
		},
	}
}

func (s *ScheduleService) Add(ctx context.Context, req *ScheduleRequest) (*ScheduleResponse, error) {
	pattern, err := schedule.ParsePattern(req.Pattern)
	if err != nil {
		return nil, err
	}
	if req.FirstFireAt <= 0 {
		return nil, badRequest("firstFireAt is required")
	}
	id, err := s.engine.Schedule(ctx, schedule.Request{
		ChatID:      req.ChatID,
		IsGroupChat: req.IsGroupChat,
		SenderID:    req.SenderID,
		Body:        req.Body,
		TemplateID:  req.TemplateID,
		FirstFireAt: time.UnixMilli(req.FirstFireAt),
		Pattern:     pattern,
	})
	if err != nil {
		return nil, err
	}
	return &ScheduleResponse{ScheduleID: id}, nil
}

func (s *ScheduleService) Cancel(ctx context.Context, req *ScheduleIDRequest) (*Empty, error) {
	if req.ScheduleID == "" {
		return nil, badRequest("schedule id is required")
	}
	return &Empty{}, s.engine.Cancel(ctx, req.ScheduleID)
}

func (s *ScheduleService) Get(ctx context.Context, req *ScheduleIDRequest) (*ScheduledMessage, error) {
	m, err := s.engine.Get(ctx, req.ScheduleID)
	if err != nil {
		return nil, err
	}
	out := scheduleToWire(*m)
	return &out, nil
}

func (s *ScheduleService) List(ctx context.Context, req *ListSchedulesRequest) (*ListSchedulesResponse, error) {
	ms, err := s.engine.List(ctx, req.ChatID, req.Status)
	if err != nil {
		return nil, err
	}
	resp := &ListSchedulesResponse{Schedules: make([]ScheduledMessage, 0, len(ms))}
	for _, m := range ms {
		resp.Schedules = append(resp.Schedules, scheduleToWire(m))
	}
	return resp, nil
}

func scheduleToWire(m schedule.Message) ScheduledMessage {
	out := ScheduledMessage{
		ScheduleID:  m.ID,
		ChatID:      m.ChatID,
		IsGroupChat: m.IsGroupChat,
		SenderID:    m.SenderID,
		Body:        m.Body,
		FirstFireAt: m.FirstFireAt.UnixMilli(),
		Pattern:     string(m.Pattern),
		NextFireAt:  m.NextFireAt.UnixMilli(),
		FireCount:   m.FireCount,
		Status:      m.Status,
		FailReason:  m.FailReason,
	}
	if !m.LastFiredAt.IsZero() {
		out.LastFiredAt = m.LastFiredAt.UnixMilli()
	}
	return out
}

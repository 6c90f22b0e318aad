package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/matheus3301/courier/internal/reaper"
)

// Sweeper runs an expiration sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (reaper.Result, error)
}

// ReaperService triggers sweeps on demand.
type ReaperService struct {
	reaper Sweeper
}

// NewReaperService creates a new reaper service.
func NewReaperService(r Sweeper) *ReaperService {
	return &ReaperService{reaper: r}
}

func (s *ReaperService) Desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ReaperServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary(ReaperServiceName, "Sweep", s.Sweep),
		},
	}
}

func (s *ReaperService) Sweep(ctx context.Context, _ *Empty) (*SweepResponse, error) {
	res, err := s.reaper.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	return &SweepResponse{
		Coalesced:    res.Coalesced,
		Chats:        res.Chats,
		Scanned:      res.Scanned,
		Deleted:      res.Deleted,
		BlobsDeleted: res.BlobsDeleted,
		Errors:       res.Errors,
		DurationMs:   res.Duration.Milliseconds(),
	}, nil
}

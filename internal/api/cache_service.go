package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/matheus3301/courier/internal/store"
	intsync "github.com/matheus3301/courier/internal/sync"
)

// Reconciler refreshes the local cache from the remote store.
type Reconciler interface {
	Reconcile(ctx context.Context) (intsync.Result, error)
}

// CacheService reads the local chat cache and refreshes it on demand.
type CacheService struct {
	db   *store.DB
	sync Reconciler
}

// NewCacheService creates a new cache service.
func NewCacheService(db *store.DB, r Reconciler) *CacheService {
	return &CacheService{db: db, sync: r}
}

func (s *CacheService) Desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: CacheServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary(CacheServiceName, "ListChats", s.ListChats),
			unary(CacheServiceName, "ListMessages", s.ListMessages),
			unary(CacheServiceName, "Reconcile", s.Reconcile),
		},
	}
}

func (s *CacheService) ListChats(ctx context.Context, _ *Empty) (*ListChatsResponse, error) {
	chats, err := s.db.ListChats(ctx)
	if err != nil {
		return nil, err
	}
	resp := &ListChatsResponse{Chats: make([]Chat, 0, len(chats))}
	for _, c := range chats {
		members, err := s.db.ChatMembers(ctx, c.ChatID)
		if err != nil {
			return nil, err
		}
		resp.Chats = append(resp.Chats, Chat{
			ChatID:    c.ChatID,
			IsGroup:   c.IsGroup,
			Members:   members,
			UpdatedAt: c.UpdatedAt,
		})
	}
	return resp, nil
}

func (s *CacheService) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	if req.ChatID == "" {
		return nil, badRequest("chat id is required")
	}
	limit := 50
	if req.Limit > 0 {
		limit = req.Limit
	}
	msgs, err := s.db.ListMessages(ctx, req.ChatID, limit)
	if err != nil {
		return nil, err
	}
	resp := &ListMessagesResponse{
		Messages: make([]Message, 0, len(msgs)),
		HasMore:  len(msgs) == limit,
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, Message{
			MessageID: m.MsgID,
			ChatID:    m.ChatID,
			SenderID:  m.SenderID,
			Body:      m.Body,
			MediaRef:  m.MediaRef,
			CreatedAt: m.CreatedAt,
			ExpiresAt: m.ExpiresAt,
			ReadBy:    m.ReadBy,
			Status:    m.Status,
		})
	}
	return resp, nil
}

func (s *CacheService) Reconcile(ctx context.Context, _ *Empty) (*ReconcileResponse, error) {
	res, err := s.sync.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	return &ReconcileResponse{
		Chats:    res.Chats,
		Upserted: res.Upserted,
		Dropped:  res.Dropped,
		Errors:   res.Errors,
	}, nil
}

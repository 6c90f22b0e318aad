package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/remote"
	"github.com/matheus3301/courier/internal/store"
)

// Result reports what one reconciliation pass changed.
type Result struct {
	Chats    int
	Upserted int
	Dropped  int
	Errors   int
}

// Reconciler pulls the authoritative remote state into the local cache.
type Reconciler struct {
	db     *store.DB
	remote remote.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, rs remote.Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, remote: rs, logger: logger, now: time.Now}
}

// Reconcile upserts every remote chat and message into the cache and drops
// cached messages the remote no longer has. Local messages that are still
// queued or failed are kept: they only exist locally until the outbox
// applies them. Errors on single chats are logged and counted.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	var res Result
	chats, err := r.remote.ListChats(ctx)
	if err != nil {
		return res, fmt.Errorf("list chats: %w", err)
	}
	for _, c := range chats {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := r.reconcileChat(ctx, c, &res); err != nil {
			res.Errors++
			r.logger.Warn("failed to reconcile chat", zap.String("chat_id", c.ID), zap.Error(err))
			continue
		}
		res.Chats++
	}
	if err := r.UpdateCheckpoint(ctx, r.now()); err != nil {
		return res, fmt.Errorf("record sync time: %w", err)
	}
	return res, nil
}

func (r *Reconciler) reconcileChat(ctx context.Context, c remote.Chat, res *Result) error {
	if err := r.db.UpsertChat(ctx, &store.Chat{ChatID: c.ID, IsGroup: c.IsGroup, Members: c.Members}); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	msgs, err := r.remote.ListMessages(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		seen[m.ID] = true
		status := store.MessageReceived
		if cached, err := r.db.GetMessage(ctx, m.ID); err == nil && cached.Status != store.MessageReceived {
			// Ours: the outbox created it.
			status = store.MessageSent
		}
		local := &store.Message{
			MsgID:     m.ID,
			ChatID:    m.ChatID,
			SenderID:  m.SenderID,
			Body:      m.Body,
			MediaRef:  m.MediaRef,
			CreatedAt: m.CreatedAt.UnixMilli(),
			ReadBy:    m.ReadBy,
			Status:    status,
		}
		if m.ExpiresAt != nil {
			local.ExpiresAt = m.ExpiresAt.UnixMilli()
		}
		err := r.db.UpsertMessage(ctx, local)
		if errors.Is(err, store.ErrCorrupt) {
			// The remote copy replaces the unreadable one.
			if err = r.quarantine(ctx, m.ID, err); err == nil {
				err = r.db.UpsertMessage(ctx, local)
			}
		}
		if err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
		res.Upserted++
	}

	ids, err := r.db.MessageIDs(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("list cached messages: %w", err)
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		m, err := r.db.GetMessage(ctx, id)
		if errors.Is(err, store.ErrCorrupt) {
			if err := r.quarantine(ctx, id, err); err != nil {
				return fmt.Errorf("drop message %s: %w", id, err)
			}
			res.Dropped++
			continue
		}
		if err != nil {
			return fmt.Errorf("read cached message %s: %w", id, err)
		}
		if m.Status == store.MessageQueued || m.Status == store.MessageFailed {
			continue
		}
		if err := r.db.DeleteMessage(ctx, id); err != nil {
			return fmt.Errorf("drop message %s: %w", id, err)
		}
		res.Dropped++
	}
	return nil
}

func (r *Reconciler) quarantine(ctx context.Context, msgID string, cause error) error {
	r.logger.Warn("quarantining cached message", zap.String("msg_id", msgID), zap.Error(cause))
	return r.db.QuarantineMessage(ctx, msgID, cause.Error())
}

// UpdateCheckpoint records when the cache last matched the remote.
func (r *Reconciler) UpdateCheckpoint(ctx context.Context, at time.Time) error {
	return r.db.SetStateInt(ctx, store.StateLastSync, at.UnixMilli())
}

// LastSync returns the last recorded sync time, zero if none.
func (r *Reconciler) LastSync(ctx context.Context) (time.Time, error) {
	v, err := r.db.GetStateInt(ctx, store.StateLastSync)
	if err != nil || v == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(v), nil
}

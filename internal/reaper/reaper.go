// Package reaper deletes messages that are fully read or expired, together
// with their media and local reflections.
package reaper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/metrics"
	"github.com/matheus3301/courier/internal/remote"
	"github.com/matheus3301/courier/internal/store"
)

// DefaultCron sweeps every ten minutes.
const DefaultCron = "*/10 * * * *"

// Options tunes the reaper.
type Options struct {
	Cron string
	Now  func() time.Time
}

// Result reports what a sweep did.
type Result struct {
	Coalesced    bool
	Chats        int
	Scanned      int
	Deleted      int
	BlobsDeleted int
	Errors       int
	Duration     time.Duration
}

// Reaper runs sweeps on demand and on a cron cadence.
type Reaper struct {
	db      *store.DB
	remote  remote.Store
	blobs   remote.Blobs
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    Options

	sweeping atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reaper. blobs, b and m may be nil.
func New(db *store.DB, rs remote.Store, blobs remote.Blobs, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, opts Options) *Reaper {
	if opts.Cron == "" {
		opts.Cron = DefaultCron
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{db: db, remote: rs, blobs: blobs, bus: b, metrics: m, logger: logger, opts: opts}
}

// Sweep scans every chat and deletes what the policy selects. A sweep
// already in progress makes the call return at once with Coalesced set.
// Errors on single chats or messages are counted, not returned.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	if !r.sweeping.CompareAndSwap(false, true) {
		return Result{Coalesced: true}, nil
	}
	defer r.sweeping.Store(false)

	start := time.Now()
	var res Result
	chats, err := r.remote.ListChats(ctx)
	if err != nil {
		return res, fmt.Errorf("list chats: %w", err)
	}
	now := r.opts.Now()
	for _, chat := range chats {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Chats++
		r.sweepChat(ctx, chat, now, &res)
	}

	res.Duration = time.Since(start)
	r.metrics.ReaperDeleted(res.Deleted)
	r.metrics.ReaperErrors(res.Errors)
	r.metrics.ObserveSweep(res.Duration)
	if err := r.db.SetStateInt(ctx, store.StateLastSweep, now.UnixMilli()); err != nil {
		r.logger.Warn("failed to record sweep time", zap.Error(err))
	}
	r.logger.Info("sweep finished",
		zap.Int("chats", res.Chats),
		zap.Int("scanned", res.Scanned),
		zap.Int("deleted", res.Deleted),
		zap.Int("errors", res.Errors),
		zap.Duration("took", res.Duration),
	)
	if r.bus != nil {
		r.bus.Publish(bus.NewEvent(bus.KindReaperSwept, res))
	}
	return res, nil
}

func (r *Reaper) sweepChat(ctx context.Context, chat remote.Chat, now time.Time, res *Result) {
	// Membership snapshot for the whole chat pass.
	members := chat.Members
	msgs, err := r.remote.ListMessages(ctx, chat.ID)
	if err != nil {
		res.Errors++
		r.logger.Warn("failed to list messages", zap.String("chat_id", chat.ID), zap.Error(err))
		return
	}
	for _, m := range msgs {
		res.Scanned++
		if !ShouldReap(m, members, now) {
			continue
		}
		blobDeleted, err := r.reap(ctx, m)
		if err != nil {
			res.Errors++
			r.logger.Warn("failed to reap message",
				zap.String("chat_id", chat.ID),
				zap.String("msg_id", m.ID),
				zap.Error(err),
			)
			continue
		}
		res.Deleted++
		if blobDeleted {
			res.BlobsDeleted++
		}
	}
}

// reap deletes the remote document, then its media, then the local copy
// and every outbox entry pointing at it.
func (r *Reaper) reap(ctx context.Context, m remote.Message) (blobDeleted bool, err error) {
	if err := r.remote.DeleteMessage(ctx, m.ChatID, m.ID); err != nil {
		return false, fmt.Errorf("delete remote message: %w", err)
	}
	if m.MediaRef != "" && r.blobs != nil {
		if err := r.blobs.DeleteBlob(ctx, m.MediaRef); err != nil {
			r.logger.Warn("failed to delete media", zap.String("msg_id", m.ID), zap.String("media_ref", m.MediaRef), zap.Error(err))
		} else {
			blobDeleted = true
		}
	}
	removed, err := r.db.DeleteMessageCascade(ctx, m.ID)
	if err != nil {
		return blobDeleted, fmt.Errorf("delete local reflection: %w", err)
	}
	r.logger.Debug("message reaped",
		zap.String("chat_id", m.ChatID),
		zap.String("msg_id", m.ID),
		zap.Int64("outbox_removed", removed),
	)
	return blobDeleted, nil
}

// Start runs sweeps on the cron cadence until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	if !gronx.New().IsValid(r.opts.Cron) {
		return fmt.Errorf("invalid reaper cron expression %q", r.opts.Cron)
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits for a running sweep to return.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reaper) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(r.opts.Cron, time.Now().UTC(), false)
		wait := time.Until(next)
		if err != nil {
			r.logger.Error("failed to compute next sweep", zap.String("cron", r.opts.Cron), zap.Error(err))
			wait = 30 * time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err != nil {
			continue
		}
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("sweep failed", zap.Error(err))
		}
	}
}

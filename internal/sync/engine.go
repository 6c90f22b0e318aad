// Package sync keeps the local message cache in line with the remote store.
package sync

import (
	"context"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/bus"
)

// Engine runs a reconciliation every time the backend comes back online.
// It subscribes to "net.online" events on the bus.
type Engine struct {
	reconciler *Reconciler
	bus        *bus.Bus
	logger     *zap.Logger
	cancel     context.CancelFunc
	wg         gosync.WaitGroup
}

// NewEngine creates a new sync engine.
func NewEngine(r *Reconciler, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		reconciler: r,
		bus:        b,
		logger:     logger,
	}
}

// Start subscribes to connectivity events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe(bus.KindNetOnline, 4)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				e.Sync(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for a running pass.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Sync runs one reconciliation and logs its failure.
func (e *Engine) Sync(ctx context.Context) {
	if _, err := e.Reconcile(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("reconciliation failed", zap.Error(err))
	}
}

// Reconcile runs one reconciliation and publishes its result.
func (e *Engine) Reconcile(ctx context.Context) (Result, error) {
	res, err := e.reconciler.Reconcile(ctx)
	if err != nil {
		return res, err
	}
	e.logger.Info("cache reconciled",
		zap.Int("chats", res.Chats),
		zap.Int("upserted", res.Upserted),
		zap.Int("dropped", res.Dropped),
		zap.Int("errors", res.Errors),
	)
	e.bus.Publish(bus.NewEvent(bus.KindSyncReconciled, res))
	return res, nil
}

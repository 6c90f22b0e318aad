// Package connectivity observes backend reachability and reports debounced
// online/offline transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/status"
)

// MinDebounce is the shortest stability window accepted from configuration.
const MinDebounce = time.Second

const (
	defaultDebounce      = 2 * time.Second
	defaultProbeInterval = 5 * time.Second
)

// Prober checks whether the backend answers.
type Prober interface {
	Ping(ctx context.Context) error
}

// Options tunes the monitor.
type Options struct {
	ProbeInterval time.Duration
	Debounce      time.Duration
}

// Monitor turns raw reachability observations into debounced transitions.
// Listeners, the bus and the status machine all see the same committed
// sequence of states.
type Monitor struct {
	prober  Prober
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	opts    Options

	mu        sync.Mutex
	online    bool
	decided   bool
	pending   bool
	hasPend   bool
	timer     *time.Timer
	gen       uint64
	listeners map[uint64]func(online bool)
	nextID    uint64

	// notify serializes listener callbacks so they observe commits in order.
	notify sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. prober may be nil when observations only arrive
// through Report. b and machine may be nil.
func New(prober Prober, b *bus.Bus, machine *status.Machine, logger *zap.Logger, opts Options) *Monitor {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober:    prober,
		bus:       b,
		machine:   machine,
		logger:    logger,
		opts:      opts,
		listeners: make(map[uint64]func(bool)),
	}
}

// Online returns the last committed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers fn for every committed transition. The returned func
// removes the listener; calling it more than once is harmless.
func (m *Monitor) OnChange(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Report feeds a raw observation. The first observation is committed at
// once; after that a new state must hold for the debounce window.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	if !m.decided {
		m.mu.Unlock()
		m.commit(online, 0, true)
		return
	}
	if online == m.online {
		// Flap back to the committed state: drop the pending change.
		if m.hasPend {
			m.hasPend = false
			m.gen++
			if m.timer != nil {
				m.timer.Stop()
			}
		}
		m.mu.Unlock()
		return
	}
	if m.hasPend && m.pending == online {
		m.mu.Unlock()
		return
	}
	m.hasPend = true
	m.pending = online
	m.gen++
	gen := m.gen
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.opts.Debounce, func() { m.commit(online, gen, false) })
	m.mu.Unlock()
}

func (m *Monitor) commit(online bool, gen uint64, first bool) {
	m.notify.Lock()
	defer m.notify.Unlock()

	m.mu.Lock()
	if first {
		if m.decided {
			m.mu.Unlock()
			return
		}
		m.decided = true
	} else {
		if gen != m.gen || !m.hasPend {
			m.mu.Unlock()
			return
		}
		m.hasPend = false
	}
	m.online = online
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	if m.machine != nil {
		to := status.Offline
		if online {
			to = status.Online
		}
		if err := m.machine.Transition(to); err != nil {
			m.logger.Warn("status transition rejected", zap.Error(err))
		}
	}
	if m.bus != nil {
		kind := bus.KindNetOffline
		if online {
			kind = bus.KindNetOnline
		}
		m.bus.Publish(bus.NewEvent(kind, nil))
	}
	for _, fn := range listeners {
		fn(online)
	}
}

// Start begins probing in the background.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop ends probing and cancels any pending transition.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.mu.Lock()
	m.gen++
	m.hasPend = false
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	if m.prober == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeInterval)
	defer cancel()
	err := m.prober.Ping(pctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("probe failed", zap.Error(err))
	}
	m.Report(err == nil)
}

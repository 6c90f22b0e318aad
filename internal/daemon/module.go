package daemon

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/config"
	"github.com/matheus3301/courier/internal/connectivity"
	"github.com/matheus3301/courier/internal/httpapi"
	"github.com/matheus3301/courier/internal/lock"
	"github.com/matheus3301/courier/internal/logging"
	"github.com/matheus3301/courier/internal/metrics"
	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/profile"
	"github.com/matheus3301/courier/internal/reaper"
	"github.com/matheus3301/courier/internal/remote"
	"github.com/matheus3301/courier/internal/remote/memremote"
	"github.com/matheus3301/courier/internal/schedule"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
	intsync "github.com/matheus3301/courier/internal/sync"
	"github.com/matheus3301/courier/internal/templates"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	// Settings, when set, replaces courier.toml and the environment.
	Settings *config.Settings
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideSettings,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideMetrics,
			provideMonitor,
			provideQueue,
			provideTemplates,
			provideScheduler,
			provideReaper,
			provideSyncEngine,
			provideHTTP,
			provideServices,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideSettings(p Params) (config.Settings, error) {
	if p.Settings != nil {
		return *p.Settings, p.Settings.Validate()
	}
	return config.LoadSettings(profile.SettingsPath(p.Profile), profile.EnvPath(p.Profile))
}

func provideLogger(p Params, s config.Settings) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile, s.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so two daemons never open one database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

type backend struct {
	fx.Out

	Store  remote.Store
	Blobs  remote.Blobs
	Prober connectivity.Prober
}

func provideRemote(lc fx.Lifecycle, s config.Settings, logger *zap.Logger) (backend, error) {
	if s.Remote.Driver == config.DriverMemory {
		logger.Warn("using in-memory remote store; nothing leaves this process")
		mem := memremote.New()
		return backend{Store: mem, Blobs: mem, Prober: mem}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.Remote.Timeout.Duration)
	defer cancel()
	m, err := remote.Dial(ctx, s.Remote.URI, s.Remote.Database, s.Remote.Timeout.Duration)
	if err != nil {
		return backend{}, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// Index creation needs the server; an offline start is fine.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), s.Remote.Timeout.Duration)
				defer cancel()
				if err := m.EnsureIndexes(ctx); err != nil {
					logger.Warn("ensure remote indexes", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return m.Close(ctx)
		},
	})
	logger.Info("remote store configured", zap.String("database", s.Remote.Database))
	return backend{Store: m, Blobs: m, Prober: m}, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideMonitor(prober connectivity.Prober, b *bus.Bus, machine *status.Machine, logger *zap.Logger, s config.Settings) *connectivity.Monitor {
	return connectivity.New(prober, b, machine, logger.Named("connectivity"), connectivity.Options{
		ProbeInterval: s.Connectivity.ProbeInterval.Duration,
		Debounce:      s.Connectivity.Debounce.Duration,
	})
}

func provideQueue(db *store.DB, rs remote.Store, mon *connectivity.Monitor, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, s config.Settings) *outbox.Queue {
	o := s.Outbox
	return outbox.New(db, rs, mon, b, m, logger.Named("outbox"), outbox.Options{
		DrainInterval: o.DrainInterval.Duration,
		BackoffBase:   o.BackoffBase.Duration,
		BackoffCap:    o.BackoffCap.Duration,
		MaxAttempts:   o.MaxAttempts,
		RatePerSecond: o.RatePerSecond,
		Burst:         o.Burst,
	})
}

func provideTemplates(db *store.DB, logger *zap.Logger) *templates.Store {
	return templates.New(db, logger.Named("templates"))
}

func provideScheduler(db *store.DB, q *outbox.Queue, tpl *templates.Store, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, s config.Settings) *schedule.Engine {
	return schedule.New(db, q, tpl, b, m, logger.Named("schedule"), schedule.Options{
		PollInterval:  s.Schedule.PollInterval.Duration,
		SkewTolerance: s.Schedule.SkewTolerance.Duration,
	})
}

func provideReaper(db *store.DB, rs remote.Store, blobs remote.Blobs, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, s config.Settings) *reaper.Reaper {
	return reaper.New(db, rs, blobs, b, m, logger.Named("reaper"), reaper.Options{Cron: s.Reaper.Cron})
}

func provideSyncEngine(db *store.DB, rs remote.Store, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(intsync.NewReconciler(db, rs, logger.Named("sync")), b, logger.Named("sync"))
}

func provideHTTP(q *outbox.Queue, machine *status.Machine, db *store.DB, m *metrics.Metrics, logger *zap.Logger) *httpapi.Server {
	return httpapi.New(q, machine, db, m.Registry, logger.Named("http"))
}

func provideServices(p Params, machine *status.Machine, q *outbox.Queue, db *store.DB, b *bus.Bus, engine *schedule.Engine, tpl *templates.Store, rp *reaper.Reaper, syncer *intsync.Engine) []api.Service {
	return []api.Service{
		api.NewStatusService(p.Profile, machine, q, db, b),
		api.NewOutboxService(q),
		api.NewScheduleService(engine),
		api.NewTemplateService(tpl),
		api.NewReaperService(rp),
		api.NewCacheService(db, syncer),
	}
}

type components struct {
	fx.In

	Settings  config.Settings
	Server    *Server
	HTTP      *httpapi.Server
	Lock      *lock.Lock
	DB        *store.DB
	Machine   *status.Machine
	Monitor   *connectivity.Monitor
	Metrics   *metrics.Metrics
	Queue     *outbox.Queue
	Scheduler *schedule.Engine
	Reaper    *reaper.Reaper
	Sync      *intsync.Engine
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	var unsubOnline func()
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Subscribers first, so the monitor's first verdict reaches them.
			c.Sync.Start(context.Background())
			c.Queue.Start(context.Background())
			c.Scheduler.Start(context.Background())
			if c.Settings.Reaper.Enabled {
				if err := c.Reaper.Start(context.Background()); err != nil {
					return fmt.Errorf("start reaper: %w", err)
				}
			} else {
				c.Logger.Info("reaper disabled")
			}
			unsubOnline = c.Monitor.OnChange(c.Metrics.SetOnline)

			if addr := c.Settings.HTTP.Addr; addr != "" {
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return fmt.Errorf("listen http: %w", err)
				}
				go func() {
					if err := c.HTTP.Serve(ln); err != nil {
						c.Logger.Error("http server error", zap.Error(err))
					}
				}()
			}

			// Start gRPC server in background.
			go func() {
				if err := c.Server.Start(); err != nil {
					c.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			c.Monitor.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = c.Machine.Transition(status.Stopping)
			c.Monitor.Stop()
			if unsubOnline != nil {
				unsubOnline()
			}
			c.Reaper.Stop()
			c.Scheduler.Stop()
			c.Queue.Stop()
			c.Sync.Stop()

			httpCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := c.HTTP.Shutdown(httpCtx); err != nil {
				c.Logger.Warn("http shutdown", zap.Error(err))
			}
			c.Server.Stop(ctx)
			if err := c.DB.Close(); err != nil {
				c.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := c.Lock.Release(); err != nil {
				c.Logger.Warn("error releasing lock", zap.Error(err))
			}
			c.Logger.Info("daemon stopped")
			_ = c.Logger.Sync()
			return nil
		},
	})
}

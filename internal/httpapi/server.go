// Package httpapi serves health, stats and Prometheus metrics over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
)

// StatsSource reports the outbox snapshot.
type StatsSource interface {
	Stats(ctx context.Context) (outbox.Stats, error)
}

// Stats is the /v1/stats response body.
type Stats struct {
	Status        string `json:"status"`
	Online        bool   `json:"online"`
	Pending       int    `json:"pending"`
	Failed        int    `json:"failed"`
	OldestAgeMs   int64  `json:"oldestAgeMs"`
	LastDrainAt   int64  `json:"lastDrainAt,omitempty"`
	LastSyncAt    int64  `json:"lastSyncAt,omitempty"`
	LastSweepAt   int64  `json:"lastSweepAt,omitempty"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// Server is the fasthttp observability endpoint.
type Server struct {
	srv       *fasthttp.Server
	stats     StatsSource
	machine   *status.Machine
	db        *store.DB
	metrics   fasthttp.RequestHandler
	logger    *zap.Logger
	startedAt time.Time
}

// New builds a server. reg may be nil, in which case /metrics is not served.
func New(stats StatsSource, machine *status.Machine, db *store.DB, reg *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		stats:     stats,
		machine:   machine,
		db:        db,
		logger:    logger,
		startedAt: time.Now(),
	}
	if reg != nil {
		s.metrics = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	s.srv = &fasthttp.Server{
		Handler:            s.Handler,
		Name:               "courierd",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        30 * time.Second,
		MaxRequestBodySize: 64 * 1024,
	}
	return s
}

// Handler routes requests.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() && !ctx.IsHead() {
		writeJSON(ctx, fasthttp.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	switch string(ctx.Path()) {
	case "/healthz":
		s.healthz(ctx)
	case "/v1/stats":
		s.statsHandler(ctx)
	case "/metrics":
		if s.metrics == nil {
			writeJSON(ctx, fasthttp.StatusNotFound, map[string]string{"error": "metrics disabled"})
			return
		}
		s.metrics(ctx)
	default:
		writeJSON(ctx, fasthttp.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (s *Server) healthz(ctx *fasthttp.RequestCtx) {
	state := s.machine.Current()
	code := fasthttp.StatusOK
	if state == status.Error || state == status.Stopping {
		code = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, code, map[string]string{"status": string(state)})
}

func (s *Server) statsHandler(ctx *fasthttp.RequestCtx) {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := s.stats.Stats(c)
	if err != nil {
		s.logger.Warn("stats snapshot failed", zap.Error(err))
		writeJSON(ctx, fasthttp.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	state := s.machine.Current()
	out := Stats{
		Status:        string(state),
		Online:        state == status.Online,
		Pending:       snap.Pending,
		Failed:        snap.Failed,
		OldestAgeMs:   snap.OldestAge.Milliseconds(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if !snap.LastDrainAt.IsZero() {
		out.LastDrainAt = snap.LastDrainAt.UnixMilli()
	}
	if v, err := s.db.GetStateInt(c, store.StateLastSync); err == nil {
		out.LastSyncAt = v
	}
	if v, err := s.db.GetStateInt(c, store.StateLastSweep); err == nil {
		out.LastSweepAt = v
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func writeJSON(ctx *fasthttp.RequestCtx, code int, v any) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(code)
	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	}
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server starting", zap.String("addr", ln.Addr().String()))
	return s.srv.Serve(ln)
}

// ListenAndServe listens on addr and serves. It blocks until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops the server, waiting for open requests up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.srv.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.logger.Warn("http shutdown timed out")
		return ctx.Err()
	}
}

// Package server exposes the task scheduler over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ricesearch/rice-eval/internal/config"
	"github.com/ricesearch/rice-eval/internal/metrics"
	appctx "github.com/ricesearch/rice-eval/internal/pkg/context"
	ratelimit "github.com/ricesearch/rice-eval/internal/pkg/middleware"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
	"github.com/ricesearch/rice-eval/internal/pkg/security"
	"github.com/ricesearch/rice-eval/internal/task"
)

// Scheduler is the part of the task scheduler the API drives.
// *scheduler.Manager implements it.
type Scheduler interface {
	Enqueue(ctx context.Context, tasks ...*task.Task) ([]*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, bool, error)
	List(ctx context.Context) ([]*task.Task, error)
	Reset(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	Rename(ctx context.Context, id, runID string) (bool, error)
	Interrupt(taskID string) bool
	Running() (string, bool)
	Outcome(ctx context.Context, id, qid string) (json.RawMessage, bool, error)
	Spool(kind string, r io.Reader) (task.Artifact, error)
}

// Server is the HTTP API server.
type Server struct {
	cfg        Config
	log        *logger.Logger
	sched      Scheduler
	eval       config.EvalConfig
	metrics    *metrics.Metrics
	limiter    *ratelimit.RateLimiter
	httpServer *http.Server

	mu      sync.RWMutex
	started bool
	stopped bool
}

// Config configures the server.
type Config struct {
	// Host is the address to bind to.
	Host string

	// Port is the HTTP port.
	Port int

	// Version is the application version.
	Version string

	// ReadTimeout is the HTTP read timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the HTTP write timeout. Exports of large runs stream
	// for a while, so keep it generous.
	WriteTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout.
	ShutdownTimeout time.Duration

	// MetricsPath serves Prometheus metrics when Metrics is set.
	MetricsPath string

	// RateLimit applies to mutating routes.
	RateLimit ratelimit.RateLimiterConfig
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8090,
		Version:         "dev",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    10 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		MetricsPath:     "/metrics",
		RateLimit:       ratelimit.DefaultRateLimiterConfig(),
	}
}

// Deps are the collaborators of the server.
type Deps struct {
	Scheduler Scheduler

	// Eval locates the spool and output trees.
	Eval config.EvalConfig

	// Metrics is optional.
	Metrics *metrics.Metrics

	Logger *logger.Logger
}

// New creates a server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Scheduler == nil {
		return nil, errors.New("server requires a scheduler")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultConfig().Port
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit = ratelimit.DefaultRateLimiterConfig()
	}

	return &Server{
		cfg:     cfg,
		log:     logger.OrDefault(deps.Logger),
		sched:   deps.Scheduler,
		eval:    deps.Eval,
		metrics: deps.Metrics,
		limiter: ratelimit.NewRateLimiter(cfg.RateLimit),
	}, nil
}

// Handler returns the router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	if s.metrics != nil {
		r.Use(func(next http.Handler) http.Handler { return metrics.HTTPMiddleware(s.metrics, next) })
	}

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(ResponseWrapperMiddleware)

		r.Get("/version", s.handleVersion)

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks/{id}/outcome", s.handleOutcome)
		r.Get("/tasks/{id}/outcome/{qid}", s.handleOutcome)
		r.Get("/tasks/{id}/export", s.handleExportTask)
		r.Get("/export", s.handleExport)
		r.Get("/summary", s.handleSummary)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)

			r.Post("/tasks", s.handleEnqueue)
			r.Delete("/tasks/{id}", s.handleDeleteTask)
			r.Post("/tasks/{id}/reset", s.handleResetTask)
			r.Post("/tasks/{id}/rename", s.handleRenameTask)
			r.Post("/tasks/{id}/interrupt", s.handleInterruptTask)
			r.Post("/spool/{kind}", s.handleSpool)
		})
	})

	if s.metrics != nil && s.cfg.MetricsPath != "" {
		r.Handle(s.cfg.MetricsPath, s.metrics.Handler())
	}

	return r
}

// Start serves HTTP until Stop is called.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.started = true

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.log.Info("Starting HTTP server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.limiter.Stop()
	s.stopped = true
	if !s.started {
		return nil
	}

	s.log.Info("Shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		s.log.Error("HTTP shutdown error", "error", err)
	}

	s.started = false
	s.log.Info("HTTP server stopped")
	return err
}

// Health reports whether the server is serving.
func (s *Server) Health() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// requestLogger logs every request at debug level.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			r = r.WithContext(appctx.WithRequestID(r.Context(), middleware.GetReqID(r.Context())))

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.WithContext(r.Context()).Debug("HTTP request",
				"method", r.Method,
				"path", security.SanitizeForLog(r.URL.Path),
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"headers", security.MaskSensitiveHeaders(r.Header),
			)
		})
	}
}

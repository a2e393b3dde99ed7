// Package api exposes the job queue over HTTP: enqueue, inspect, cancel, and
// kick off a worker run.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/backpost/internal/queue"
	"github.com/mattjoyce/backpost/internal/worker"
)

// JobService is the queue store surface the API needs.
type JobService interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error)
	GetByUUID(ctx context.Context, uuid string) (*queue.Job, error)
	RequestCancel(ctx context.Context, uuid string) (queue.Status, error)
	RunningCount(ctx context.Context) (int, error)
}

// QueueLister lists the queue mirror.
type QueueLister interface {
	List(ctx context.Context, limit int) ([]queue.Entry, error)
}

// Runner executes one worker run.
type Runner interface {
	Run(ctx context.Context, maxJobs int) (worker.RunReport, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	APIKey string
	// MaxJobsPerRun caps ?max_jobs on POST /worker/run.
	MaxJobsPerRun int
}

type Server struct {
	config    Config
	jobs      JobService
	lister    QueueLister
	runner    Runner
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	runs      sync.WaitGroup
}

func New(config Config, jobs JobService, lister QueueLister, runner Runner, logger *slog.Logger) *Server {
	if config.MaxJobsPerRun <= 0 {
		config.MaxJobsPerRun = 100
	}
	return &Server{
		config:    config,
		jobs:      jobs,
		lister:    lister,
		runner:    runner,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		s.Wait()
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Wait blocks until every worker run started through the API has returned.
func (s *Server) Wait() { s.runs.Wait() }

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{uuid}", s.handleGetJob)
		r.Post("/jobs/{uuid}/cancel", s.handleCancel)
		r.Get("/queue", s.handleQueue)
		r.Post("/worker/run", s.handleWorkerRun)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

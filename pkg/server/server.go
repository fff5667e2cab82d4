package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mnemo-ai/mnemo/internal/observability"
	"github.com/mnemo-ai/mnemo/pkg/engine"
	"github.com/mnemo-ai/mnemo/pkg/jobs"
	"github.com/mnemo-ai/mnemo/pkg/maintenance"
	"github.com/mnemo-ai/mnemo/pkg/provider"
)

// Options holds server configuration
type Options struct {
	Host string
	Port int
}

// Server is the memory store's HTTP API
type Server struct {
	options     Options
	engine      *engine.Engine
	scheduler   *jobs.Scheduler
	maintenance *maintenance.Service
	provider    provider.CompletionProvider
	logger      zerolog.Logger

	server    *http.Server
	startTime time.Time

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	maintenanceMu  sync.Mutex
}

// New creates the API server
func New(options Options, eng *engine.Engine, scheduler *jobs.Scheduler, maint *maintenance.Service, prov provider.CompletionProvider, logger zerolog.Logger) (*Server, error) {
	if options.Port == 0 {
		options.Port = 7474
	}
	if options.Host == "" {
		options.Host = "127.0.0.1"
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("job scheduler is required")
	}
	if maint == nil {
		return nil, fmt.Errorf("maintenance service is required")
	}
	if prov == nil {
		return nil, fmt.Errorf("completion provider is required")
	}

	observability.EnsureRegistered()

	return &Server{
		options:     options,
		engine:      eng,
		scheduler:   scheduler,
		maintenance: maint,
		provider:    prov,
		logger:      logger,
		startTime:   time.Now(),
	}, nil
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /search", s.wrap("search", s.handleSearch))
	mux.HandleFunc("POST /memory/add", s.wrap("memory_add", s.handleAdd))
	mux.HandleFunc("POST /memory/upsert", s.wrap("memory_upsert", s.handleUpsert))
	mux.HandleFunc("GET /memory", s.wrap("memory_list", s.handleList))
	mux.HandleFunc("GET /memory/{id}", s.wrap("memory_get", s.handleGet))
	mux.HandleFunc("PATCH /memory/{id}", s.wrap("memory_update", s.handleUpdate))
	mux.HandleFunc("DELETE /memory/{id}", s.wrap("memory_delete", s.handleDelete))

	mux.HandleFunc("POST /memory/extract", s.wrap("extract_submit", s.handleExtractSubmit))
	mux.HandleFunc("GET /memory/extract/{jobId}", s.wrap("extract_poll", s.handleExtractPoll))

	mux.HandleFunc("POST /backup", s.wrap("backup", s.handleBackup))
	mux.HandleFunc("GET /backups", s.wrap("backups", s.handleListBackups))
	mux.HandleFunc("POST /restore", s.wrap("restore", s.handleRestore))

	mux.HandleFunc("POST /maintenance/consolidate", s.wrap("consolidate", s.handleConsolidate))
	mux.HandleFunc("POST /maintenance/prune", s.wrap("prune", s.handlePrune))

	mux.HandleFunc("GET /health", s.wrap("health", s.handleHealth))
	mux.HandleFunc("GET /stats", s.wrap("stats", s.handleStats))
	mux.Handle("GET /metrics", observability.Handler())

	return mux
}

// Start runs the HTTP listener until Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler: s.Handler(),
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down API server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// wrap adds request tracking, request-ID logging, and metrics to a handler
func (s *Server) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			writeReason(w, http.StatusServiceUnavailable, ReasonShuttingDown, "server is shutting down")
			return
		}
		s.shutdownMu.RUnlock()

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		start := time.Now()
		requestID := uuid.New().String()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		h(rec, r)

		observability.RecordHTTPRequest(route, rec.status, time.Since(start))
		s.logger.Debug().
			Str("requestId", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	}
}

package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/BadgerOps/strmsync/internal/engine"
	"github.com/BadgerOps/strmsync/internal/metrics"
	"github.com/BadgerOps/strmsync/internal/schedule"
	"github.com/BadgerOps/strmsync/internal/store"
)

// Runner executes configured jobs. Kind is "sync" or "mirror".
type Runner interface {
	Trigger(ctx context.Context, kind, id string) (status string, err error)
	Jobs() []schedule.Status
	Progress(id string) (engine.Progress, bool)
}

// History is the run history the server reports.
type History interface {
	ListSyncRuns(job string, limit int) ([]store.SyncRun, error)
	ListFailedFiles(job string) ([]store.FailedFileRecord, error)
}

// Server is the HTTP control surface.
type Server struct {
	runner     Runner
	history    History
	apiKey     string
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new Server instance. Every /api route requires
// apiKey in the X-API-Key header.
func NewServer(runner Runner, history History, apiKey string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runner:  runner,
		history: history,
		apiKey:  apiKey,
		logger:  logger,
	}
}

// Start serves on listenAddr until Shutdown.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/trigger/{kind}/{id}", s.requireKey(s.handleTrigger))
	mux.HandleFunc("GET /api/progress/{id}", s.requireKey(s.handleProgress))

	// Listings can grow large; compress them for clients that accept it.
	mux.Handle("GET /api/jobs", gzhttp.GzipHandler(s.requireKey(s.handleJobs)))
	mux.Handle("GET /api/runs", gzhttp.GzipHandler(s.requireKey(s.handleRuns)))
	mux.Handle("GET /api/failures", gzhttp.GzipHandler(s.requireKey(s.handleFailures)))

	return mux
}

func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if s.apiKey == "" || key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.logger.Warn("rejected API request", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing API key"})
			return
		}
		next(w, r)
	}
}

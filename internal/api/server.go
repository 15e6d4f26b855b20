package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/storesync/internal/models"
	engine "github.com/marcus/storesync/internal/sync"
)

// Store is the local storage the server reads from.
type Store interface {
	engine.ChangeSource
	Ping(ctx context.Context) error
}

// Engine is the sync control surface exposed on the admin routes.
type Engine interface {
	StartSync(ctx context.Context, peerID string, types []models.EntityType, mode models.SyncMode) (string, error)
	GetStatus(ctx context.Context, jobID string) (*models.JobSnapshot, error)
	Cancel(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context, peerID string, limit int) ([]models.Job, error)
	ListConflicts(ctx context.Context, peerID string, since time.Time, limit int) ([]models.ConflictRecord, error)
}

// Server is the HTTP API server for a store: it serves the change feed to
// peers and the job admin routes to operators.
type Server struct {
	config        Config
	http          *http.Server
	store         Store
	engine        Engine
	feed          engine.ChangeFeed
	metrics       *Metrics
	engineMetrics *engine.Metrics
	rateLimiter   *RateLimiter
	logger        *slog.Logger
	cancel        context.CancelFunc
}

// NewServer creates a new Server. eng may be nil, in which case only the
// change feed and health routes are served. engineMetrics may be nil.
func NewServer(cfg Config, store Store, eng Engine, engineMetrics *engine.Metrics, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("api: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:        cfg,
		store:         store,
		engine:        eng,
		feed:          engine.ChangeFeed{Source: store, MaxLimit: cfg.MaxPageSize},
		metrics:       NewMetrics(),
		engineMetrics: engineMetrics,
		rateLimiter:   NewRateLimiter(ctx),
		logger:        logger,
		cancel:        cancel,
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.logger.Info("listening", "addr", ln.Addr().String(), "store", s.config.StoreID)

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.requireAuth(s.handleMetrics))

	// Change feed
	mux.HandleFunc("GET /sync/{entity_type}/changes", s.requireAuth(s.withRateLimit(s.handleChanges, s.config.RateLimitChanges, "changes")))

	// Jobs
	if s.engine != nil {
		admin := func(h http.HandlerFunc) http.HandlerFunc {
			return s.requireAuth(s.withRateLimit(h, s.config.RateLimitAdmin, "admin"))
		}
		mux.HandleFunc("POST /v1/jobs", admin(s.handleStartJob))
		mux.HandleFunc("GET /v1/jobs", admin(s.handleListJobs))
		mux.HandleFunc("GET /v1/jobs/{id}", admin(s.handleGetJob))
		mux.HandleFunc("POST /v1/jobs/{id}/cancel", admin(s.handleCancelJob))
		mux.HandleFunc("GET /v1/conflicts", admin(s.handleListConflicts))
	}

	return chain(mux,
		recoveryMiddleware,
		requestIDMiddleware,
		loggerMiddleware(s.logger),
		metricsMiddleware(s.metrics),
		loggingMiddleware,
		s.CORSMiddleware,
		maxBytesMiddleware(1<<20),
	)
}

// handleHealth returns a health check response, pinging the store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "store_id": s.config.StoreID})
}

type metricsResponse struct {
	Server MetricsSnapshot         `json:"server"`
	Engine *engine.MetricsSnapshot `json:"engine,omitempty"`
}

// handleMetrics returns a snapshot of server and engine metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := metricsResponse{Server: s.metrics.Snapshot()}
	if s.engineMetrics != nil {
		snap := s.engineMetrics.Snapshot()
		resp.Engine = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

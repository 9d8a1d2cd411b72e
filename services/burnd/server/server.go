package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"burnkeeper/services/burnd/models"
	"burnkeeper/services/burnd/orchestrator"
	"burnkeeper/services/burnd/recon"
	"burnkeeper/services/burnd/storage"
	"burnkeeper/services/burnd/valuation"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress     string
	RequestsPerMinute float64
	Burst             int
	MaxPageSize       int
}

// Projector is the supply series surface used by the API.
type Projector interface {
	Latest(ctx context.Context) (models.MetricsSnapshot, error)
	Refresh(ctx context.Context) (models.MetricsSnapshot, bool, error)
}

// Controller is the orchestrator surface exposed to operators.
type Controller interface {
	Pause()
	Resume()
	Status() orchestrator.Status
	BurnMilestone(ctx context.Context, id int) (models.Burn, error)
	ResolveMilestone(ctx context.Context, id int, txRef string) (models.Milestone, error)
}

// Reconciler runs an on-demand sweep.
type Reconciler interface {
	Run(ctx context.Context) (*recon.Result, error)
}

// ValuationSource supplies the valuation shown next to milestones.
type ValuationSource interface {
	Current(ctx context.Context) (valuation.Reading, error)
}

// Dependencies wires the server to the rest of the daemon.
type Dependencies struct {
	Store      *storage.Store
	Projector  Projector
	Controller Controller
	Reconciler Reconciler
	Valuation  ValuationSource
	Auth       *Authenticator
	Metrics    http.Handler
	Logger     *slog.Logger
}

// Server hosts the read API, the announcement hand-off and admin endpoints.
type Server struct {
	cfg     Config
	deps    Dependencies
	logger  *slog.Logger
	limiter *RateLimiter
	router  http.Handler
}

// New constructs the HTTP server.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if deps.Projector == nil || deps.Controller == nil {
		return nil, fmt.Errorf("projector and controller required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("admin authenticator required")
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		limiter: NewRateLimiter(cfg.RequestsPerMinute, cfg.Burst),
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.limiter.Middleware)
		api.Get("/burns", s.listBurns)
		api.Get("/burns/{id}", s.getBurn)
		api.Get("/milestones", s.listMilestones)
		api.Get("/rewards", s.listRewards)
		api.Get("/metrics/latest", s.latestMetrics)
		api.Get("/metrics/history", s.metricsHistory)
		api.Get("/metrics/summary", s.metricsSummary)

		api.Group(func(protected chi.Router) {
			protected.Use(s.deps.Auth.Middleware)
			protected.Post("/metrics/refresh", s.refreshMetrics)
			protected.Get("/announcements/pending", s.pendingAnnouncements)
			protected.Post("/burns/{id}/announced", s.markAnnounced)
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.deps.Auth.Middleware)
		admin.Post("/pause", s.pause)
		admin.Post("/resume", s.resume)
		admin.Get("/status", s.status)
		admin.Post("/recon/run", s.runRecon)
		admin.Post("/milestones/{id}/burn", s.burnMilestone)
		admin.Post("/milestones/{id}/resolve", s.resolveMilestone)
	})

	return otelhttp.NewHandler(r, "burnd.http")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("address", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "paused": s.deps.Controller.Status().Paused})
}

func (s *Server) audit(r *http.Request, action string, attrs ...any) {
	principal, _ := PrincipalFromContext(r.Context())
	method, subject := "", ""
	if principal != nil {
		method, subject = principal.Method, principal.Subject
	}
	args := append([]any{
		slog.String("action", action),
		slog.String("auth", method),
		slog.String("subject", subject),
		slog.String("request_id", chimw.GetReqID(r.Context())),
	}, attrs...)
	s.logger.Info("admin action", args...)
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(chi.URLParam(r, name)))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

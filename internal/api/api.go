// Package api exposes the control surface over HTTP: triggering scans,
// querying the audit trail, and approving or rejecting suggestions.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/audit"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/telemetry"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// ScanTrigger starts a scan cycle unless one is already in flight.
type ScanTrigger interface {
	TriggerAsync(ctx context.Context) error
}

// Remediator is the approval and manual-remediation entry point.
type Remediator interface {
	ApproveSuggestion(ctx context.Context, suggestionID, approver string) (types.RemediationRun, error)
	RejectSuggestion(ctx context.Context, suggestionID, actor string) error
	TriggerRemediation(ctx context.Context, findingID, approver string) (types.RemediationRun, error)
}

// Server is the HTTP control surface.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	logger  zerolog.Logger
	store   *audit.Store
	trigger ScanTrigger
	rem     Remediator
}

// Config for the control surface.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// NewServer wires the routes. The metrics endpoint serves the shared
// Prometheus registry when OTEL has been initialized.
func NewServer(cfg Config, store *audit.Store, trigger ScanTrigger, rem Remediator, logger zerolog.Logger) *Server {
	s := &Server{
		logger:  logger.With().Str("component", "api").Logger(),
		store:   store,
		trigger: trigger,
		rem:     rem,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/scan", s.triggerScan)
		r.Get("/findings", s.listFindings)
		r.Get("/findings/{id}", s.getFinding)
		r.Get("/findings/{id}/transitions", s.findingTransitions)
		r.Get("/findings/{id}/suggestions", s.findingSuggestions)
		r.Post("/findings/{id}/remediate", s.remediateFinding)
		r.Post("/suggestions/{id}/approve", s.approveSuggestion)
		r.Post("/suggestions/{id}/reject", s.rejectSuggestion)
		r.Get("/runs/{id}", s.getRun)
	})
	router.Get("/healthz", s.health)
	router.Get("/metrics", s.metrics)

	s.router = router
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route tree, used by tests and embedding servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("control surface listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	registry := telemetry.PrometheusRegistry
	if registry == nil {
		http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		return
	}
	promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	findings, suggestions, runs, err := s.store.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"findings":    findings,
		"suggestions": suggestions,
		"runs":        runs,
	})
}

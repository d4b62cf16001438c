// Package api exposes the registry, orchestrator and health intake over
// HTTP. Each route maps onto one engine operation; engine error codes map
// onto HTTP statuses.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/rangekeeper/rangekeeper/pkg/config"
	"github.com/rangekeeper/rangekeeper/pkg/engine"
	"github.com/rangekeeper/rangekeeper/pkg/stores"
	"github.com/rangekeeper/rangekeeper/pkg/telemetry"
)

// AuditRecorder records who changed what.
type AuditRecorder interface {
	CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error
}

// RunReader serves stored run reports.
type RunReader interface {
	GetReport(ctx context.Context, runID string) (*engine.Report, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*stores.Run, error)
}

// Dependencies are the collaborators the API serves. Audit, Runs and Events
// are optional.
type Dependencies struct {
	Registry     *engine.Registry
	Orchestrator *engine.Orchestrator
	Health       *engine.HealthIntake
	Audit        AuditRecorder
	Runs         RunReader
	Events       *telemetry.EventBus
	Logger       zerolog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(dep Dependencies) http.Handler {
	h := &handlers{
		registry: dep.Registry,
		orch:     dep.Orchestrator,
		health:   dep.Health,
		audit:    dep.Audit,
		runs:     dep.Runs,
		events:   dep.Events,
		validate: validator.New(),
		logger:   dep.Logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(chimid.RequestID)
	r.Use(chimid.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(chimid.Recoverer)

	r.Get("/healthz", h.healthz)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/resources", func(rr chi.Router) {
			rr.Get("/", h.listResources)
			rr.Post("/", h.createResource)

			rr.Route("/{id}", func(one chi.Router) {
				one.Get("/", h.getResource)
				one.Delete("/", h.deleteResource)
				one.Post("/transitions", h.transition)
				one.Delete("/tree", h.deleteTree)
				one.Post("/health/active", h.reportHealth(engine.HealthSourceActive))
				one.Post("/health/passive", h.reportHealth(engine.HealthSourcePassive))
				one.Post("/recover", h.recoverResource)
			})
		})

		api.Get("/transitions", h.listTransitions)
		api.Get("/plan", h.plan)
		api.Post("/deploy", h.run(engine.OperationDeploy))
		api.Post("/revoke", h.run(engine.OperationRevoke))

		if h.runs != nil {
			api.Get("/runs", h.listRuns)
			api.Get("/runs/{runID}", h.getRun)
		}
		if h.events != nil {
			api.Get("/events", h.streamEvents)
		}
	})

	return r
}

// Server serves the API until its context is done.
type Server struct {
	cfg    config.APIConfig
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer wraps the router in an http.Server.
func NewServer(cfg config.APIConfig, dep Dependencies) *Server {
	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           NewRouter(dep),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		logger: dep.Logger.With().Str("component", "api").Logger(),
	}
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Listen).Msg("API server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("Shutting down API server")
	return s.srv.Shutdown(shutdownCtx)
}

// Package server is the HTTP face of hatchd: the control plane for deploying,
// rolling back and inspecting applications, and the dispatcher that routes
// every other request into the active version of the target application.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tomyedwab/hatch/audit"
	"github.com/tomyedwab/hatch/bundle"
	"github.com/tomyedwab/hatch/config"
	"github.com/tomyedwab/hatch/registry"
	"github.com/tomyedwab/hatch/store"
)

// Server wires the bundle store, the version registry and the deployment
// history behind one HTTP listener.
type Server struct {
	cfg      config.Config
	logger   zerolog.Logger
	store    *store.Store
	registry *registry.Registry
	auditLog *audit.Log
	metrics  *metricsCollector
}

// New assembles a Server from its collaborators.
func New(cfg config.Config, st *store.Store, reg *registry.Registry, auditLog *audit.Log, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "server").Logger(),
		store:    st,
		registry: reg,
		auditLog: auditLog,
		metrics:  newMetricsCollector(),
	}
}

// Router builds the HTTP handler. Paths under the reserved "_" prefix form
// the control plane; everything else is dispatched into application code.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/_healthz", s.handleHealth)
	r.Method(http.MethodGet, "/_metrics", s.metrics.handler())
	r.Put("/_deploy/{application}", s.requireDeployToken(s.handleDeploy))
	r.Post("/_rollback/{application}", s.requireDeployToken(s.handleRollback))
	r.Get("/_deployments/{application}", s.requireDeployToken(s.handleHistory))

	r.NotFound(s.handleDispatch)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"applications": s.registry.Apps(),
	})
}

// Restore reloads each application's last active version from the deployment
// history and the bundle store. Applications whose bundle has been garbage
// collected or fails to load stay inactive; the failure is logged, not fatal.
func (s *Server) Restore(ctx context.Context) error {
	records, err := s.auditLog.Latest()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := s.restoreOne(ctx, rec); err != nil {
			s.logger.Warn().Err(err).
				Str("application", rec.Application).
				Str("hash", rec.Hash).
				Msg("could not restore version")
		}
	}
	return nil
}

func (s *Server) restoreOne(ctx context.Context, rec audit.Record) error {
	data, err := s.store.Get(rec.Hash)
	if err != nil {
		return err
	}
	b, err := bundle.Parse(data)
	if err != nil {
		return err
	}
	v, err := s.registry.Build(ctx, rec.Hash, b)
	if err != nil {
		return err
	}
	app := s.registry.App(rec.Application)
	app.AddVersion(v)
	_, err = s.registry.Activate(ctx, app, rec.Hash)
	return err
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully. It also
// owns the periodic garbage-collection sweep.
func (s *Server) Run(ctx context.Context) error {
	go s.gcLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.GCInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.Sweep(s.registry.ReferencedHashes(), s.cfg.GCGrace.Std())
			if err != nil {
				s.logger.Warn().Err(err).Msg("garbage collection sweep failed")
			} else if len(removed) > 0 {
				s.logger.Info().Int("removed", len(removed)).Msg("garbage collection sweep")
			}
		}
	}
}

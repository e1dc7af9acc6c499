package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tomyedwab/hatch/audit"
	"github.com/tomyedwab/hatch/bundle"
	"github.com/tomyedwab/hatch/registry"
	"github.com/tomyedwab/hatch/sandbox"
	"github.com/tomyedwab/hatch/store"
)

// hashHeader declares the expected content hash of an uploaded bundle. The
// server recomputes the hash and rejects the push on any mismatch.
const hashHeader = "X-Content-Hash"

type deployResult struct {
	status int
	body   interface{}
}

type deployResponse struct {
	Application string `json:"application"`
	Hash        string `json:"hash"`
	Version     string `json:"version,omitempty"`
	Status      string `json:"status"`
}

// handleDeploy validates an uploaded bundle and runs the deployment.
// Deployments are serialized per application: a push that finds one already
// running is not queued, the client gets 202 and retries.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "application")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBundleBytes()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, s.logger, r, http.StatusRequestEntityTooLarge,
				fmt.Errorf("bundle exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, s.logger, r, http.StatusBadRequest, fmt.Errorf("read bundle: %w", err))
		return
	}

	declared := r.Header.Get(hashHeader)
	if declared == "" {
		writeError(w, s.logger, r, http.StatusBadRequest, fmt.Errorf("missing %s header", hashHeader))
		return
	}
	actual := bundle.Hash(body)
	if declared != actual {
		s.recordRejection(name, actual, "content hash mismatch")
		writeError(w, s.logger, r, http.StatusConflict,
			fmt.Errorf("content hash mismatch: declared %s, got %s", declared, actual))
		return
	}

	b, err := bundle.Parse(body)
	if err != nil {
		s.recordRejection(name, actual, err.Error())
		writeError(w, s.logger, r, http.StatusBadRequest, err)
		return
	}

	// The deployment keeps running even if the pushing client disconnects;
	// an interrupted activation would be worse than a wasted one.
	res := s.runDeploy(context.WithoutCancel(r.Context()), name, actual, body, b)
	writeJSON(w, s.logger, res.status, res.body)
}

func (s *Server) runDeploy(ctx context.Context, name, hash string, data []byte, b *bundle.Bundle) deployResult {
	app := s.registry.App(name)
	if err := app.BeginDeploy(); err != nil {
		return deployResult{http.StatusAccepted, deployResponse{
			Application: name,
			Hash:        hash,
			Status:      "busy",
		}}
	}
	defer app.EndDeploy()

	if _, err := s.store.Put(data); err != nil {
		return deployResult{http.StatusInternalServerError, errorBody{Error: err.Error()}}
	}

	built, err := s.registry.Build(ctx, hash, b)
	if err != nil {
		if errors.Is(err, sandbox.ErrInvalidModule) {
			s.recordRejection(name, hash, err.Error())
			return deployResult{http.StatusBadRequest, errorBody{Error: err.Error()}}
		}
		return deployResult{http.StatusInternalServerError, errorBody{Error: err.Error()}}
	}
	v := app.AddVersion(built)
	if v != built && built.Program != nil {
		// Re-push of a hash that is already loaded: drop the redundant compile.
		if err := built.Program.Close(ctx); err != nil {
			s.logger.Warn().Err(err).Str("hash", hash).Msg("closing duplicate program")
		}
	}

	if _, err := s.registry.Activate(ctx, app, hash); err != nil {
		return deployResult{http.StatusInternalServerError, errorBody{Error: err.Error()}}
	}

	if _, err := s.auditLog.Append(name, hash, v.Manifest.Version, audit.OutcomeAccepted, ""); err != nil {
		s.logger.Error().Err(err).Msg("append deployment record")
	}
	s.metrics.deployments.WithLabelValues(name, string(audit.OutcomeAccepted)).Inc()

	return deployResult{http.StatusOK, deployResponse{
		Application: name,
		Hash:        hash,
		Version:     v.Manifest.Version,
		Status:      "active",
	}}
}

func (s *Server) recordRejection(application, hash, detail string) {
	if _, err := s.auditLog.Append(application, hash, "", audit.OutcomeRejected, detail); err != nil {
		s.logger.Error().Err(err).Msg("append rejection record")
	}
	s.metrics.deployments.WithLabelValues(application, string(audit.OutcomeRejected)).Inc()
}

// handleRollback re-activates a previously deployed version. Versions pruned
// from memory are reloaded from the bundle store as long as the archive has
// not been garbage collected.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "application")
	hash := r.URL.Query().Get("hash")
	if hash == "" {
		writeError(w, s.logger, r, http.StatusBadRequest, errors.New("missing hash parameter"))
		return
	}

	app, err := s.registry.Lookup(name)
	if err != nil {
		writeError(w, s.logger, r, http.StatusNotFound, err)
		return
	}
	if err := app.BeginDeploy(); err != nil {
		writeError(w, s.logger, r, http.StatusConflict, err)
		return
	}
	defer app.EndDeploy()

	ctx := r.Context()
	if _, err := app.Version(hash); errors.Is(err, registry.ErrVersionNotFound) {
		v, err := s.reloadVersion(ctx, name, hash)
		if err != nil {
			writeError(w, s.logger, r, http.StatusNotFound, err)
			return
		}
		app.AddVersion(v)
	} else if err != nil {
		writeError(w, s.logger, r, http.StatusInternalServerError, err)
		return
	}

	v, err := s.registry.Activate(ctx, app, hash)
	if err != nil {
		writeError(w, s.logger, r, http.StatusInternalServerError, err)
		return
	}

	if _, err := s.auditLog.Append(name, hash, v.Manifest.Version, audit.OutcomeRolledBack, ""); err != nil {
		s.logger.Error().Err(err).Msg("append rollback record")
	}
	s.metrics.deployments.WithLabelValues(name, string(audit.OutcomeRolledBack)).Inc()

	writeJSON(w, s.logger, http.StatusOK, deployResponse{
		Application: name,
		Hash:        hash,
		Version:     v.Manifest.Version,
		Status:      "active",
	})
}

// reloadVersion rebuilds a version that was pruned from memory. Only hashes
// that were once active for this application are eligible; anything else is
// VersionNotFound even if the archive happens to be in the store.
func (s *Server) reloadVersion(ctx context.Context, application, hash string) (*registry.Version, error) {
	seen, err := s.auditLog.Seen(application, hash)
	if err != nil {
		return nil, err
	}
	if !seen {
		return nil, fmt.Errorf("%w: %s", registry.ErrVersionNotFound, hash)
	}
	data, err := s.store.Get(hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", registry.ErrVersionNotFound, hash)
		}
		return nil, err
	}
	b, err := bundle.Parse(data)
	if err != nil {
		return nil, err
	}
	return s.registry.Build(ctx, hash, b)
}

type historyResponse struct {
	Application string         `json:"application"`
	Current     string         `json:"current,omitempty"`
	Records     []audit.Record `json:"records"`
}

// handleHistory returns the deployment history of one application, newest
// first, plus the hash currently receiving traffic.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "application")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, s.logger, r, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	records, err := s.auditLog.History(name, limit)
	if err != nil {
		writeError(w, s.logger, r, http.StatusInternalServerError, err)
		return
	}

	resp := historyResponse{Application: name, Records: records}
	if app, err := s.registry.Lookup(name); err == nil {
		if current, err := app.Current(); err == nil {
			resp.Current = current.Hash
		}
	}
	writeJSON(w, s.logger, http.StatusOK, resp)
}

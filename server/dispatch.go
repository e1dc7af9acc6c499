package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tomyedwab/hatch/bundle"
	"github.com/tomyedwab/hatch/pool"
	"github.com/tomyedwab/hatch/registry"
	"github.com/tomyedwab/hatch/sandbox"
)

// maxScriptBody caps the request body handed to module code.
const maxScriptBody = 4 << 20

// handleDispatch routes a request into the active version of the application
// named by the Host header.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	name, app, err := s.resolveApp(r.Host)
	if err != nil {
		writeError(w, s.logger, r, http.StatusNotFound, err)
		s.metrics.observeRequest("unknown", http.StatusNotFound, start)
		return
	}

	code := s.dispatch(w, r, name, app)
	s.metrics.observeRequest(name, code, start)
}

// resolveApp maps a Host header to an application: the exact host first, then
// its first DNS label, then the configured default.
func (s *Server) resolveApp(host string) (string, *registry.Application, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	candidates := []string{host}
	if label, _, found := strings.Cut(host, "."); found && label != "" {
		candidates = append(candidates, label)
	}
	if s.cfg.DefaultApp != "" {
		candidates = append(candidates, s.cfg.DefaultApp)
	}
	for _, name := range candidates {
		if app, err := s.registry.Lookup(name); err == nil {
			return name, app, nil
		}
	}
	return "", nil, fmt.Errorf("%w: host %q", registry.ErrAppNotFound, host)
}

// dispatch resolves the active version exactly once and serves the request
// from it. The one exception is losing a race with a cutover (the version's
// pool started draining between the pointer read and the acquire); then the
// new active version is resolved and tried once more.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, name string, app *registry.Application) int {
	for attempt := 0; attempt < 2; attempt++ {
		v, err := app.Current()
		if err != nil {
			writeError(w, s.logger, r, http.StatusServiceUnavailable, err)
			return http.StatusServiceUnavailable
		}

		route, params, ok := v.Manifest.Match(r.Method, r.URL.Path)
		statusOverride := 0
		if !ok {
			if v.Manifest.NotFound == nil {
				writeError(w, s.logger, r, http.StatusNotFound,
					fmt.Errorf("no route for %s %s", r.Method, r.URL.Path))
				return http.StatusNotFound
			}
			route, params = v.Manifest.NotFound, nil
			statusOverride = http.StatusNotFound
		}

		switch route.Handler {
		case bundle.KindTemplate:
			return s.serveTemplate(w, r, v, route, params, statusOverride)
		case bundle.KindScript:
			code, retry := s.serveScript(w, r, name, v, route, params, statusOverride)
			if retry {
				continue
			}
			return code
		}
	}

	// Two consecutive cutovers raced this request.
	writeError(w, s.logger, r, http.StatusServiceUnavailable, errors.New("version cutover in progress"))
	return http.StatusServiceUnavailable
}

func (s *Server) serveTemplate(w http.ResponseWriter, r *http.Request, v *registry.Version, route *bundle.Route, params []string, statusOverride int) int {
	content, ok := v.Templates[route.Target]
	if !ok {
		writeError(w, s.logger, r, http.StatusInternalServerError,
			fmt.Errorf("template %q not in bundle", route.Target))
		return http.StatusInternalServerError
	}
	rendered, err := renderTemplate(route.Target, content, templateData(r.URL.Path, params, r.URL.Query()))
	if err != nil {
		writeError(w, s.logger, r, http.StatusInternalServerError, err)
		return http.StatusInternalServerError
	}

	status := http.StatusOK
	if statusOverride != 0 {
		status = statusOverride
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(rendered)
	return status
}

// serveScript runs the route's entrypoint in a pooled sandbox instance. The
// retry return is true only when the version's pool began draining, meaning
// the caller should re-resolve the active version.
func (s *Server) serveScript(w http.ResponseWriter, r *http.Request, name string, v *registry.Version, route *bundle.Route, params []string, statusOverride int) (int, bool) {
	p := v.Pool()
	if p == nil {
		writeError(w, s.logger, r, http.StatusInternalServerError, errors.New("version has no program"))
		return http.StatusInternalServerError, false
	}

	lease, err := p.Acquire(r.Context())
	if errors.Is(err, pool.ErrDraining) {
		return 0, true
	}
	if errors.Is(err, pool.ErrExhausted) {
		s.metrics.poolRejections.WithLabelValues(name).Inc()
		writeError(w, s.logger, r, http.StatusServiceUnavailable, err)
		return http.StatusServiceUnavailable, false
	}
	if err != nil {
		writeError(w, s.logger, r, http.StatusInternalServerError, err)
		return http.StatusInternalServerError, false
	}

	// The invocation outlives client disconnects: it runs to completion or
	// quota expiry, and an unwanted response is simply discarded.
	invokeCtx := context.WithoutCancel(r.Context())
	defer lease.Release(invokeCtx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxScriptBody))
	if err != nil {
		writeError(w, s.logger, r, http.StatusBadRequest, fmt.Errorf("read request body: %w", err))
		return http.StatusBadRequest, false
	}

	resp, err := lease.Invoke(invokeCtx, route.Target, &sandbox.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Params:  params,
		Query:   r.URL.Query(),
		Headers: r.Header,
		Body:    body,
	})
	switch {
	case errors.Is(err, sandbox.ErrQuotaExceeded):
		s.metrics.sandboxFailures.WithLabelValues(name, "quota").Inc()
		writeError(w, s.logger, r, http.StatusGatewayTimeout, err)
		return http.StatusGatewayTimeout, false
	case errors.Is(err, sandbox.ErrTrap):
		s.metrics.sandboxFailures.WithLabelValues(name, "trap").Inc()
		writeError(w, s.logger, r, http.StatusInternalServerError, err)
		return http.StatusInternalServerError, false
	case err != nil:
		writeError(w, s.logger, r, http.StatusInternalServerError, err)
		return http.StatusInternalServerError, false
	}

	status := resp.Status
	if statusOverride != 0 && status == http.StatusOK {
		status = statusOverride
	}
	if status < 100 || status > 599 {
		s.metrics.sandboxFailures.WithLabelValues(name, "status").Inc()
		writeError(w, s.logger, r, http.StatusInternalServerError,
			fmt.Errorf("module produced invalid status %d", status))
		return http.StatusInternalServerError, false
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(status)
	w.Write(resp.Body)
	return status, false
}

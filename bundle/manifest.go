package bundle

import (
	"fmt"
	"strings"
)

// HandlerKind selects how a matched route is served.
type HandlerKind string

const (
	// KindTemplate renders a named template resource with request-derived
	// bindings.
	KindTemplate HandlerKind = "template"
	// KindScript invokes a named entrypoint of the bundle's sandbox module.
	KindScript HandlerKind = "script"
)

// Route maps an HTTP method and path pattern to a handler. Path patterns are
// segment-based; a "[param]" segment matches any single segment and its value
// is captured in declaration order, and a trailing "[empty]" segment matches
// access to the enclosing directory itself. An empty Method matches all
// methods.
type Route struct {
	Method  string      `json:"method,omitempty"`
	Path    string      `json:"path"`
	Handler HandlerKind `json:"handler"`
	Target  string      `json:"target"`
}

// Manifest is the route table and metadata carried in a bundle's
// manifest.json. Route declaration order is significant: the first matching
// route wins.
type Manifest struct {
	Name     string  `json:"name"`
	Version  string  `json:"version,omitempty"`
	Routes   []Route `json:"routes"`
	NotFound *Route  `json:"not_found,omitempty"`
}

// Validate checks the manifest for well-formedness. It is called during
// archive parsing so that malformed route tables are rejected before any
// module code is ever loaded.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if len(m.Routes) == 0 {
		return fmt.Errorf("manifest: at least one route is required")
	}
	for i, r := range m.Routes {
		if err := r.validate(); err != nil {
			return fmt.Errorf("manifest: route %d: %w", i, err)
		}
	}
	if m.NotFound != nil {
		if err := m.NotFound.validate(); err != nil {
			return fmt.Errorf("manifest: not_found: %w", err)
		}
	}
	return nil
}

func (r *Route) validate() error {
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("path %q must start with '/'", r.Path)
	}
	if segs := splitPath(r.Path); len(segs) > 0 {
		for _, s := range segs[:len(segs)-1] {
			if s == "[empty]" {
				return fmt.Errorf("path %q: [empty] must be the last segment", r.Path)
			}
		}
	}
	switch r.Handler {
	case KindTemplate, KindScript:
	default:
		return fmt.Errorf("unknown handler kind %q", r.Handler)
	}
	if r.Target == "" {
		return fmt.Errorf("target is required")
	}
	return nil
}

// HasScriptRoutes reports whether any route (including not_found) invokes the
// sandbox module.
func (m *Manifest) HasScriptRoutes() bool {
	for _, r := range m.Routes {
		if r.Handler == KindScript {
			return true
		}
	}
	return m.NotFound != nil && m.NotFound.Handler == KindScript
}

// Match resolves a method and path against the route table. The first route
// that matches wins. Captured "[param]" segment values are returned in
// declaration order. The returned Route points into the Manifest and must not
// be modified.
func (m *Manifest) Match(method, path string) (*Route, []string, bool) {
	segs := splitPath(path)
	for i := range m.Routes {
		r := &m.Routes[i]
		if r.Method != "" && !strings.EqualFold(r.Method, method) {
			continue
		}
		if params, ok := matchPattern(r.Path, segs); ok {
			return r, params, true
		}
	}
	return nil, nil, false
}

func splitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func matchPattern(pattern string, segs []string) ([]string, bool) {
	psegs := splitPath(pattern)
	// A trailing "[empty]" names the directory itself: the request path ends
	// where the pattern's parent does.
	if n := len(psegs); n > 0 && psegs[n-1] == "[empty]" {
		psegs = psegs[:n-1]
	}
	if len(psegs) != len(segs) {
		return nil, false
	}
	var params []string
	for i, p := range psegs {
		if p == "[param]" {
			params = append(params, segs[i])
			continue
		}
		if p != segs[i] {
			return nil, false
		}
	}
	return params, true
}

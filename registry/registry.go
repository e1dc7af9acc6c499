// Package registry tracks deployed applications and their immutable versions,
// and owns the atomic switch of live traffic from one version to the next.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomyedwab/hatch/bundle"
	"github.com/tomyedwab/hatch/pool"
	"github.com/tomyedwab/hatch/sandbox"
)

var (
	// ErrAppNotFound is returned when no application with the given name has
	// ever been deployed.
	ErrAppNotFound = errors.New("application not found")
	// ErrVersionNotFound is returned by Activate when the requested hash was
	// never deployed to the application.
	ErrVersionNotFound = errors.New("version not found")
	// ErrNoActiveVersion is returned by Current before the first activation.
	ErrNoActiveVersion = errors.New("no active version")
	// ErrDeploymentInProgress is returned by BeginDeploy while another
	// deployment of the same application is running.
	ErrDeploymentInProgress = errors.New("deployment already in progress")
)

// DefaultRetain is how many versions of an application are kept loaded for
// rollback before the oldest become eligible for garbage collection.
const DefaultRetain = 5

// Version is one immutable deployed version of an application. Once built it
// never changes; activation swaps which version the atomic pointer names.
type Version struct {
	Hash      string
	CreatedAt time.Time
	Manifest  bundle.Manifest
	Templates map[string][]byte

	// Program is nil for template-only bundles.
	Program *sandbox.Program

	// pool is replaced on every activation so that a rolled-back version
	// starts with fresh capacity. A version stays visible to in-flight
	// requests after being superseded, so the slot must tolerate a
	// re-activation racing those readers.
	pool atomic.Pointer[pool.Pool]
}

// Pool returns the version's current instance pool, nil for template-only
// versions.
func (v *Version) Pool() *pool.Pool { return v.pool.Load() }

// Application is a named deployment target. Its active version is read
// lock-free on every request; mutation happens only under the deploy lock.
type Application struct {
	Name string

	active   atomic.Pointer[Version]
	deployMu sync.Mutex

	mu       sync.Mutex
	versions map[string]*Version
}

// Registry is the root of all deployment state. It builds versions from
// bundles and hands out applications by name.
type Registry struct {
	runtime *sandbox.Runtime
	ceiling int
	retain  int
	logger  zerolog.Logger

	mu   sync.RWMutex
	apps map[string]*Application
}

// New returns an empty registry. ceiling is the per-version instance pool
// ceiling applied to every application; retain is how many versions stay
// loaded per application (values below one fall back to DefaultRetain).
func New(runtime *sandbox.Runtime, ceiling, retain int, logger zerolog.Logger) *Registry {
	if retain < 1 {
		retain = DefaultRetain
	}
	return &Registry{
		runtime: runtime,
		ceiling: ceiling,
		retain:  retain,
		logger:  logger.With().Str("component", "registry").Logger(),
		apps:    make(map[string]*Application),
	}
}

// App returns the named application, creating it on first deployment.
func (r *Registry) App(name string) *Application {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[name]
	if !ok {
		app = &Application{Name: name, versions: make(map[string]*Version)}
		r.apps[name] = app
	}
	return app
}

// Lookup returns the named application without creating it.
func (r *Registry) Lookup(name string) (*Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAppNotFound, name)
	}
	return app, nil
}

// Apps lists all known application names, sorted.
func (r *Registry) Apps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReferencedHashes returns the content hashes of every version still loaded
// in any application. The store's sweeper treats everything else as garbage.
func (r *Registry) ReferencedHashes() map[string]bool {
	r.mu.RLock()
	apps := make([]*Application, 0, len(r.apps))
	for _, app := range r.apps {
		apps = append(apps, app)
	}
	r.mu.RUnlock()

	referenced := make(map[string]bool)
	for _, app := range apps {
		for _, v := range app.Versions() {
			referenced[v.Hash] = true
		}
	}
	return referenced
}

// Build compiles a bundle into a Version. Script bundles are validated and
// compiled here, before the version can ever be activated; template-only
// bundles carry no program.
func (r *Registry) Build(ctx context.Context, hash string, b *bundle.Bundle) (*Version, error) {
	v := &Version{
		Hash:      hash,
		CreatedAt: time.Now(),
		Manifest:  b.Manifest,
		Templates: b.Templates,
	}
	if b.Manifest.HasScriptRoutes() {
		prog, err := r.runtime.Load(ctx, b.Module)
		if err != nil {
			return nil, err
		}
		v.Program = prog
	}
	return v, nil
}

// BeginDeploy takes the application's deploy lock without blocking. Exactly
// one deployment per application may run at a time.
func (a *Application) BeginDeploy() error {
	if !a.deployMu.TryLock() {
		return fmt.Errorf("%w: %s", ErrDeploymentInProgress, a.Name)
	}
	return nil
}

// EndDeploy releases the deploy lock taken by BeginDeploy.
func (a *Application) EndDeploy() {
	a.deployMu.Unlock()
}

// AddVersion records a built version under its hash. Re-deploying a hash that
// is already loaded is a no-op returning the loaded version.
func (a *Application) AddVersion(v *Version) *Version {
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.versions[v.Hash]; ok {
		return existing
	}
	a.versions[v.Hash] = v
	return v
}

// Version returns the loaded version with the given hash.
func (a *Application) Version(hash string) (*Version, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.versions[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, hash)
	}
	return v, nil
}

// Versions lists all loaded versions, newest first.
func (a *Application) Versions() []*Version {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Version, 0, len(a.versions))
	for _, v := range a.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Current returns the active version. Requests resolve their version through
// this exactly once and use that version for their whole lifetime.
func (a *Application) Current() (*Version, error) {
	v := a.active.Load()
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveVersion, a.Name)
	}
	return v, nil
}

// Activate switches live traffic to the version with the given hash. The
// version gets a fresh instance pool before the pointer swap, so no request
// can observe the new version without its pool; the superseded version's pool
// is drained after the swap, letting in-flight requests finish on it.
// Re-activating the version already receiving traffic is a no-op that keeps
// its pool.
//
// Must be called with the deploy lock held.
func (r *Registry) Activate(ctx context.Context, a *Application, hash string) (*Version, error) {
	v, err := a.Version(hash)
	if err != nil {
		return nil, err
	}

	if a.active.Load() == v {
		return v, nil
	}

	if v.Program != nil {
		prog := v.Program
		factory := func(ctx context.Context) (pool.Instance, error) {
			return prog.Instantiate(ctx)
		}
		v.pool.Store(pool.New(factory, r.ceiling, r.logger))
	}

	previous := a.active.Swap(v)
	if previous != nil {
		if p := previous.Pool(); p != nil {
			p.Drain(ctx)
		}
	}

	r.logger.Info().
		Str("application", a.Name).
		Str("hash", hash).
		Str("version", v.Manifest.Version).
		Msg("version activated")

	a.prune(ctx, r.retain, r.logger)
	return v, nil
}

// prune drops the oldest loaded versions beyond the retain count, releasing
// their compiled programs. The active version is always kept. Versions whose
// pools still hold leased instances are skipped until a later activation.
func (a *Application) prune(ctx context.Context, retain int, logger zerolog.Logger) {
	active := a.active.Load()
	versions := a.Versions()
	if len(versions) <= retain {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, v := range versions[retain:] {
		if v == active {
			continue
		}
		if p := v.Pool(); p != nil {
			if _, leased := p.Stats(); leased > 0 {
				continue
			}
		}
		delete(a.versions, v.Hash)
		if v.Program != nil {
			if err := v.Program.Close(ctx); err != nil {
				logger.Warn().Err(err).Str("hash", v.Hash).Msg("closing pruned program")
			}
		}
		logger.Info().Str("application", a.Name).Str("hash", v.Hash).Msg("version pruned")
	}
}

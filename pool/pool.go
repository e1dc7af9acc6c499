// Package pool manages reusable sandbox instances for one application
// version. It enforces the per-version concurrency ceiling, discards poisoned
// instances on release, and drains cleanly when its version is superseded.
package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomyedwab/hatch/sandbox"
)

var (
	// ErrExhausted is returned by Acquire when the concurrency ceiling is
	// reached. Callers reject the request rather than queue it.
	ErrExhausted = errors.New("instance pool exhausted")
	// ErrDraining is returned by Acquire after Drain: the pool's version has
	// been superseded and no new work may start on it.
	ErrDraining = errors.New("instance pool draining")
)

// Instance is the slice of a sandbox instance the pool cares about.
// *sandbox.Instance satisfies it; tests substitute fakes.
type Instance interface {
	Invoke(ctx context.Context, entrypoint string, req *sandbox.Request) (*sandbox.Response, error)
	Poisoned() bool
	Close(ctx context.Context) error
}

// Factory creates a fresh instance when the pool has no idle one to hand out.
type Factory func(ctx context.Context) (Instance, error)

// Pool hands out instances up to a fixed concurrency ceiling. Idle instances
// are reused; poisoned ones are disposed on release and never reused.
type Pool struct {
	factory Factory
	ceiling int
	logger  zerolog.Logger

	mu       sync.Mutex
	idle     []Instance
	leased   int
	draining bool
}

// New returns a pool with the given ceiling. A ceiling below one is treated
// as one.
func New(factory Factory, ceiling int, logger zerolog.Logger) *Pool {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Pool{
		factory: factory,
		ceiling: ceiling,
		logger:  logger.With().Str("component", "pool").Logger(),
	}
}

// Acquire returns a lease on an instance, creating one if no idle instance is
// available. It fails with ErrExhausted at the ceiling and ErrDraining after
// Drain; it never blocks waiting for capacity.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, ErrDraining
	}
	if p.leased >= p.ceiling {
		p.mu.Unlock()
		return nil, ErrExhausted
	}
	p.leased++
	var inst Instance
	if n := len(p.idle); n > 0 {
		inst = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if inst == nil {
		created, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.leased--
			p.mu.Unlock()
			return nil, err
		}
		inst = created
	}
	return &Lease{Instance: inst, pool: p}, nil
}

// Drain stops the pool: idle instances are disposed now, leased ones when
// they are released. Acquire fails with ErrDraining from here on.
func (p *Pool) Drain(ctx context.Context) {
	p.mu.Lock()
	p.draining = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, inst := range idle {
		if err := inst.Close(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("closing idle instance")
		}
	}
}

// Stats reports the number of idle and leased instances.
func (p *Pool) Stats() (idle, leased int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.leased
}

// Lease is a borrowed instance. It must be released exactly once; Release
// decides whether the instance returns to the pool or is disposed.
type Lease struct {
	Instance
	pool     *Pool
	released bool
}

// Release returns the instance to its pool, or disposes it if it is poisoned
// or the pool is draining. Releasing twice is a no-op.
func (l *Lease) Release(ctx context.Context) {
	if l.released {
		return
	}
	l.released = true

	p := l.pool
	p.mu.Lock()
	p.leased--
	dispose := p.draining || l.Poisoned()
	if !dispose {
		p.idle = append(p.idle, l.Instance)
	}
	p.mu.Unlock()

	if dispose {
		if err := l.Instance.Close(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("closing released instance")
		}
	}
}

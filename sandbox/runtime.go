// Package sandbox loads untrusted WebAssembly modules and executes them under
// CPU-time and memory quotas. The host exposes a minimal capability-scoped
// interface to module code: read the inbound request, write a response, emit a
// log line. No filesystem, network or process access is ever granted.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

var (
	// ErrInvalidModule is returned when module bytes fail static validation.
	// Malformed bytecode is rejected before any of it executes.
	ErrInvalidModule = errors.New("invalid module")
	// ErrTrap is returned when module code performs an illegal operation
	// (out-of-bounds access, unreachable, missing entrypoint). The instance
	// is poisoned and never reused.
	ErrTrap = errors.New("module trapped")
	// ErrQuotaExceeded is returned when an invocation exceeds its execution
	// budget. The instance is poisoned and never reused.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Quota bounds the resources one sandbox instance may consume. The memory
// ceiling is enforced by the runtime at instantiation and on every
// memory.grow; the execution budget is enforced by the runtime closing the
// instance when the invocation deadline passes. Neither requires caller
// polling.
type Quota struct {
	// MemoryPages is the ceiling on linear memory, in 64KiB wasm pages.
	MemoryPages uint32
	// ExecBudget is the wall-clock budget for a single invocation.
	ExecBudget time.Duration
}

// DefaultQuota is used when a field is left zero.
var DefaultQuota = Quota{
	MemoryPages: 256, // 16MiB
	ExecBudget:  5 * time.Second,
}

func (q Quota) withDefaults() Quota {
	if q.MemoryPages == 0 {
		q.MemoryPages = DefaultQuota.MemoryPages
	}
	if q.ExecBudget == 0 {
		q.ExecBudget = DefaultQuota.ExecBudget
	}
	return q
}

// Runtime is the factory for sandbox programs. It carries the quota applied
// to every program it loads.
type Runtime struct {
	quota  Quota
	logger zerolog.Logger
}

// NewRuntime returns a Runtime applying the given quota.
func NewRuntime(quota Quota, logger zerolog.Logger) *Runtime {
	return &Runtime{
		quota:  quota.withDefaults(),
		logger: logger.With().Str("component", "sandbox").Logger(),
	}
}

// Program is a validated, compiled module for one application version. It
// owns its wazero runtime so that the memory ceiling and close-on-deadline
// behavior are baked in; instances are created from it per request.
type Program struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	quota    Quota
	logger   zerolog.Logger
}

// Load validates and compiles module bytes. Validation happens here, before
// any module code can run; malformed bytecode fails with ErrInvalidModule.
func (r *Runtime) Load(ctx context.Context, moduleBytes []byte) (*Program, error) {
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(r.quota.MemoryPages)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	// WASI is instantiated for modules built with toolchains that expect it;
	// it grants no filesystem or network access under the default config.
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	if err := instantiateHostModule(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, moduleBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}

	return &Program{
		rt:       rt,
		compiled: compiled,
		quota:    r.quota,
		logger:   r.logger,
	}, nil
}

// Instantiate creates a fresh isolated instance of the program. Instances are
// single-threaded and must not be shared across concurrent invocations; the
// instance pool owns that discipline.
func (p *Program) Instantiate(ctx context.Context) (*Instance, error) {
	// Anonymous module name allows concurrent instantiation of the same
	// compiled module.
	mod, err := p.rt.InstantiateModule(ctx, p.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions("_initialize"))
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate: %v", ErrInvalidModule, err)
	}
	return &Instance{
		mod:    mod,
		quota:  p.quota,
		logger: p.logger,
	}, nil
}

// Close releases the program's runtime and every instance created from it.
func (p *Program) Close(ctx context.Context) error {
	return p.rt.Close(ctx)
}

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// State is the lifecycle state of a sandbox instance.
type State int32

const (
	StateIdle State = iota
	StateExecuting
	StatePoisoned
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StatePoisoned:
		return "poisoned"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Request is the marshaled view of an HTTP request handed to module code.
// Params holds wildcard path segment values in declaration order.
type Request struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Params  []string            `json:"params,omitempty"`
	Query   map[string][]string `json:"query,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// Response is what module code produced via the host interface.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Instance is one isolated execution context bound to a single program. An
// instance runs at most one invocation at a time and is poisoned forever after
// a trap or quota overrun.
type Instance struct {
	mod    api.Module
	quota  Quota
	logger zerolog.Logger

	mu    sync.Mutex
	state State
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Poisoned reports whether the instance must never be reused.
func (i *Instance) Poisoned() bool {
	return i.State() == StatePoisoned
}

// Close disposes the instance. Safe to call in any state.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.state == StateDisposed {
		i.mu.Unlock()
		return nil
	}
	i.state = StateDisposed
	i.mu.Unlock()
	return i.mod.Close(ctx)
}

// Invoke runs the named entrypoint against a request and returns the response
// the module produced. The execution budget and memory ceiling are enforced by
// the runtime itself: overruns abort the call with ErrQuotaExceeded, illegal
// operations with ErrTrap, and either outcome poisons the instance.
//
// The invocation always runs to completion, quota expiry, or trap; callers
// must not cancel it mid-flight (a disconnected client's response is simply
// discarded upstream).
func (i *Instance) Invoke(ctx context.Context, entrypoint string, req *Request) (*Response, error) {
	i.mu.Lock()
	if i.state != StateIdle {
		state := i.state
		i.mu.Unlock()
		return nil, fmt.Errorf("invoke on %s instance", state)
	}
	i.state = StateExecuting
	i.mu.Unlock()

	resp, err := i.invoke(ctx, entrypoint, req)

	i.mu.Lock()
	if err != nil {
		i.state = StatePoisoned
	} else if i.state == StateExecuting {
		i.state = StateIdle
	}
	i.mu.Unlock()
	return resp, err
}

func (i *Instance) invoke(ctx context.Context, entrypoint string, req *Request) (*Response, error) {
	fn := i.mod.ExportedFunction(entrypoint)
	if fn == nil {
		return nil, fmt.Errorf("%w: missing entrypoint %q", ErrTrap, entrypoint)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	inv := &invocation{
		req:     payload,
		status:  http.StatusOK,
		headers: make(map[string]string),
		inst:    i,
	}

	callCtx, cancel := context.WithTimeout(withInvocation(ctx, inv), i.quota.ExecBudget)
	defer cancel()

	if _, err := fn.Call(callCtx); err != nil {
		return nil, classifyCallError(err)
	}

	return &Response{
		Status:  int(inv.status),
		Headers: inv.headers,
		Body:    inv.body,
	}, nil
}

// classifyCallError maps wazero call failures onto the sandbox error
// taxonomy. When the runtime closes a module because its invocation context
// expired, the call fails with a sys.ExitError carrying a reserved exit code.
func classifyCallError(err error) error {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return fmt.Errorf("%w: execution budget exhausted", ErrQuotaExceeded)
		case sys.ExitCodeContextCanceled:
			return fmt.Errorf("%w: invocation canceled", ErrQuotaExceeded)
		}
		// A voluntary proc_exit is treated as an abort.
		return fmt.Errorf("%w: exit code %d", ErrTrap, exitErr.ExitCode())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: execution budget exhausted", ErrQuotaExceeded)
	}
	return fmt.Errorf("%w: %v", ErrTrap, err)
}

// Package sandbox provides the isolated execution engines that run
// ExecutionUnits on behalf of the executor. Engines receive validated
// units and return ResultEnvelopes or typed errors; they never touch
// run state or the network except through the host's tool proxy.
package sandbox

import (
	"context"

	"github.com/patina/patina/pkg/engine"
)

// ToolProxy invokes one tool on behalf of a running unit. The executor
// supplies an implementation that re-checks policy before any network
// activity, so a compromised worker cannot widen its tool surface.
type ToolProxy = engine.ToolProxy

// Engine executes one unit in isolation.
type Engine interface {
	// Name identifies the backend.
	Name() engine.EngineName

	// Execute runs the unit to completion or typed failure. Budgets
	// in the unit are already merged with run defaults. Cancellation
	// of ctx terminates the unit and returns SANDBOX/PROC_CRASH
	// unless a more specific error is already determined.
	Execute(ctx context.Context, nodeID string, unit *engine.ExecutionUnit, tools ToolProxy) (*engine.ResultEnvelope, *engine.Error)

	// Health reports whether the engine can currently accept work.
	Health(ctx context.Context) error

	// Close releases engine resources.
	Close() error
}

// Registry maps engine names to live engines.
type Registry struct {
	engines map[engine.EngineName]Engine
}

// NewRegistry creates a registry over the given engines.
func NewRegistry(engines ...Engine) *Registry {
	reg := &Registry{engines: make(map[engine.EngineName]Engine, len(engines))}
	for _, e := range engines {
		reg.engines[e.Name()] = e
	}
	return reg
}

// Lookup returns the engine for name. Unknown engines yield
// SANDBOX/UNAVAILABLE so the plan fails fast at feasibility checking.
func (r *Registry) Lookup(name engine.EngineName) (Engine, *engine.Error) {
	e, ok := r.engines[name]
	if !ok {
		return nil, engine.NewError(engine.ErrorKindSandbox, engine.CodeUnavailable,
			"no engine registered for "+string(name), nil)
	}
	return e, nil
}

// Names lists registered engine names.
func (r *Registry) Names() []engine.EngineName {
	out := make([]engine.EngineName, 0, len(r.engines))
	for name := range r.engines {
		out = append(out, name)
	}
	return out
}

// Map exposes the registry as the executor's engine table.
func (r *Registry) Map() map[engine.EngineName]engine.SandboxEngine {
	out := make(map[engine.EngineName]engine.SandboxEngine, len(r.engines))
	for name, e := range r.engines {
		out[name] = e
	}
	return out
}

// Close closes all registered engines, returning the first error.
func (r *Registry) Close() error {
	var first error
	for _, e := range r.engines {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

package policy

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ReloadingGate serves gate decisions from the most recent manifest a
// Watcher has loaded. The compiled gate is swapped only through
// Refresh or ResetWindows, so a running execution keeps one manifest
// for its whole lifetime and reloads apply between runs.
type ReloadingGate struct {
	watcher *Watcher
	logger  zerolog.Logger

	mu       sync.Mutex
	manifest *Manifest
	gate     *Gate
}

// NewReloadingGate compiles the watcher's current manifest.
func NewReloadingGate(w *Watcher, logger zerolog.Logger) (*ReloadingGate, error) {
	manifest := w.Current()
	gate, err := NewGate(manifest, logger)
	if err != nil {
		return nil, err
	}
	return &ReloadingGate{
		watcher:  w,
		logger:   logger.With().Str("component", "reloading-gate").Logger(),
		manifest: manifest,
		gate:     gate,
	}, nil
}

// Refresh recompiles the gate if the watcher holds a newer manifest.
// A manifest that fails to compile leaves the previous gate in place.
func (g *ReloadingGate) Refresh() {
	current := g.watcher.Current()
	g.mu.Lock()
	defer g.mu.Unlock()
	if current == g.manifest {
		return
	}
	gate, err := NewGate(current, g.logger)
	if err != nil {
		g.logger.Error().Err(err).Msg("Reloaded manifest failed to compile, keeping previous gate")
		return
	}
	g.manifest = current
	g.gate = gate
	g.logger.Info().Msg("Policy gate rebuilt from reloaded manifest")
}

// ResetWindows refreshes the gate and clears its rate limit windows.
// The executor calls this at run start, which is the reload boundary.
func (g *ReloadingGate) ResetWindows() {
	g.Refresh()
	g.current().ResetWindows()
}

// Decide evaluates one capability request against the active gate.
func (g *ReloadingGate) Decide(ctx context.Context, req Request) Decision {
	return g.current().Decide(ctx, req)
}

// CheckCapability evaluates a request without charging rate limits.
func (g *ReloadingGate) CheckCapability(ctx context.Context, req Request) Decision {
	return g.current().CheckCapability(ctx, req)
}

func (g *ReloadingGate) current() *Gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gate
}

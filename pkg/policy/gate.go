package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Gate evaluates capability requests against one manifest. Lookups are
// safe for concurrent use; rate limit counters are the only mutable
// state and are confined behind the mutex.
type Gate struct {
	manifest *Manifest
	logger   zerolog.Logger

	// qualifiers holds prepared Rego queries per allow rule index.
	qualifiers map[int]rego.PreparedEvalQuery

	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewGate compiles the manifest's qualifier policies and returns a gate.
// Rego compilation errors surface here so a bad manifest fails the run
// before any node executes.
func NewGate(manifest *Manifest, logger zerolog.Logger) (*Gate, error) {
	if manifest == nil {
		return nil, fmt.Errorf("manifest is required")
	}

	g := &Gate{
		manifest:   manifest,
		logger:     logger.With().Str("component", "policy-gate").Logger(),
		qualifiers: make(map[int]rego.PreparedEvalQuery),
		windows:    make(map[string]*window),
		now:        time.Now,
	}

	for i := range manifest.Allow {
		rule := &manifest.Allow[i]
		if rule.Rego == "" {
			continue
		}
		query := fmt.Sprintf("data.%s.deny", extractPackageName(rule.Rego))
		prepared, err := rego.New(
			rego.Module(fmt.Sprintf("qualifier_%d", i), rule.Rego),
			rego.Query(query),
		).PrepareForEval(context.Background())
		if err != nil {
			return nil, fmt.Errorf("compile qualifier for %s: %w", rule.Pattern, err)
		}
		g.qualifiers[i] = prepared
	}

	return g, nil
}

// Decide evaluates one capability request. Pure over (manifest, request,
// window state); absence of an allow match is a deny.
func (g *Gate) Decide(ctx context.Context, req Request) Decision {
	// Deny rules win regardless of allow entries.
	for i := range g.manifest.Deny {
		rule := &g.manifest.Deny[i]
		if matchPattern(rule.Pattern, req.Tool) {
			g.logger.Debug().Str("tool", req.Tool).Str("rule", rule.Pattern).Msg("capability denied by deny rule")
			return Deny("tool is denied by manifest", rule.Pattern)
		}
	}

	for i := range g.manifest.Allow {
		rule := &g.manifest.Allow[i]
		if !matchPattern(rule.Pattern, req.Tool) {
			continue
		}

		if req.Write && len(rule.Fields) > 0 {
			if missing := missingFields(rule.Fields, req.Fields); missing != "" {
				return Deny(fmt.Sprintf("write to field %q outside allowed scope", missing), rule.Pattern)
			}
		}

		if q, ok := g.qualifiers[i]; ok {
			if reason, denied := g.evalQualifier(ctx, q, req); denied {
				return Deny(reason, rule.Pattern)
			}
		}

		if rule.RateLimit != nil {
			if !g.admit(req.Tool, rule.RateLimit) {
				d := Deny("rate limit exceeded", rule.Pattern)
				d.RateLimited = true
				return d
			}
		}

		return Allow(rule.Pattern)
	}

	g.logger.Debug().Str("tool", req.Tool).Msg("capability denied: no allow entry")
	return Deny("no allow entry matches tool", "")
}

// CheckCapability evaluates a request without charging rate limits.
// Used for plan feasibility checks, where no call actually happens.
func (g *Gate) CheckCapability(ctx context.Context, req Request) Decision {
	for i := range g.manifest.Deny {
		rule := &g.manifest.Deny[i]
		if matchPattern(rule.Pattern, req.Tool) {
			return Deny("tool is denied by manifest", rule.Pattern)
		}
	}
	for i := range g.manifest.Allow {
		rule := &g.manifest.Allow[i]
		if matchPattern(rule.Pattern, req.Tool) {
			return Allow(rule.Pattern)
		}
	}
	return Deny("no allow entry matches tool", "")
}

// ResetWindows clears all rate limit counters. Called at run start so
// limits are per-run, as the manifest scope requires.
func (g *Gate) ResetWindows() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.windows = make(map[string]*window)
}

// evalQualifier runs a prepared Rego deny-set query. Any member of the
// deny set rejects the request; evaluation errors also deny (fail closed).
func (g *Gate) evalQualifier(ctx context.Context, q rego.PreparedEvalQuery, req Request) (string, bool) {
	results, err := q.Eval(ctx, rego.EvalInput(req))
	if err != nil {
		g.logger.Warn().Err(err).Str("tool", req.Tool).Msg("qualifier evaluation failed, denying")
		return "qualifier evaluation failed", true
	}
	for _, result := range results {
		for _, expr := range result.Expressions {
			if denySet, ok := expr.Value.([]any); ok {
				for _, d := range denySet {
					return fmt.Sprintf("%v", d), true
				}
			}
		}
	}
	return "", false
}

// admit records one call against the tool's sliding window and reports
// whether it fits the limit.
func (g *Gate) admit(tool string, limit *RateLimit) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[tool]
	if !ok {
		w = &window{}
		g.windows[tool] = w
	}

	now := g.now()
	w.trim(now.Add(-limit.Window))
	if len(w.calls) >= limit.Limit {
		return false
	}
	w.calls = append(w.calls, now)
	return true
}

// window is a sliding window of call timestamps.
type window struct {
	calls []time.Time
}

func (w *window) trim(cutoff time.Time) {
	i := 0
	for i < len(w.calls) && w.calls[i].Before(cutoff) {
		i++
	}
	w.calls = w.calls[i:]
}

// matchPattern matches a tool URI against a glob pattern where '*'
// matches any run of characters, including '/'.
func matchPattern(pattern, s string) bool {
	if pattern == "" {
		return false
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// missingFields returns the first requested field not covered by the
// allowed set, or "".
func missingFields(allowed, requested []string) string {
	set := make(map[string]bool, len(allowed))
	for _, f := range allowed {
		set[f] = true
	}
	for _, f := range requested {
		if !set[f] {
			return f
		}
	}
	return ""
}

// extractPackageName extracts the package name from Rego source.
func extractPackageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "patina.qualifiers"
}

package engine

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/patina/patina/pkg/policy"
)

// scriptedEngine returns canned outcomes per node, counting attempts.
type scriptedEngine struct {
	mu       sync.Mutex
	attempts map[string]int
	fail     map[string][]*Error // consumed per attempt, nil entry means success
	order    []string
}

func newScriptedEngine() *scriptedEngine {
	return &scriptedEngine{
		attempts: make(map[string]int),
		fail:     make(map[string][]*Error),
	}
}

func (s *scriptedEngine) failOnce(nodeID string, err *Error) {
	s.fail[nodeID] = append(s.fail[nodeID], err)
}

func (s *scriptedEngine) Execute(ctx context.Context, nodeID string, unit *ExecutionUnit, tools ToolProxy) (*ResultEnvelope, *Error) {
	s.mu.Lock()
	s.attempts[nodeID]++
	s.order = append(s.order, nodeID)
	var next *Error
	if queue := s.fail[nodeID]; len(queue) > 0 {
		next = queue[0]
		s.fail[nodeID] = queue[1:]
	}
	s.mu.Unlock()
	if next != nil {
		return nil, next
	}
	return &ResultEnvelope{
		Summary:      nodeID + " ok",
		StateUpdates: map[string]any{"out": nodeID},
	}, nil
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*ResultEnvelope
	hits    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]*ResultEnvelope)}
}

func (c *memoryCache) GetResult(ctx context.Context, key string) (*ResultEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	envelope, ok := c.entries[key]
	if !ok {
		return nil, errors.New("not found")
	}
	c.hits++
	return envelope, nil
}

func (c *memoryCache) PutResult(ctx context.Context, key, planHash, nodeID string, envelope *ResultEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = envelope
	return nil
}

type approverFunc func(ctx context.Context, runID string, node *NodeSpec) (bool, error)

func (f approverFunc) Approve(ctx context.Context, runID string, node *NodeSpec) (bool, error) {
	return f(ctx, runID, node)
}

func executorPlan(t *testing.T, nodes []NodeSpec) *Plan {
	t.Helper()
	for i := range nodes {
		if !nodes[i].Approval && nodes[i].Unit.Engine == "" {
			nodes[i].Unit.Engine = EngineStarlark
			nodes[i].Unit.Code = []byte("pass")
		}
	}
	graph, err := NewDAGBuilder().BuildGraph(liveNodes(nodes))
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	hash, err := ComputeHash(nodes)
	if err != nil {
		t.Fatalf("ComputeHash() error = %v", err)
	}
	return &Plan{ID: "p1", Goal: "test", Nodes: nodes, Graph: graph, Hash: hash}
}

func testExecutor(eng *scriptedEngine, cfg ExecutorConfig) *Executor {
	cfg.Engines = map[EngineName]SandboxEngine{EngineStarlark: eng}
	cfg.Logger = zerolog.Nop()
	return NewExecutor(cfg)
}

func TestExecuteLinearPlan(t *testing.T) {
	nodes := specs("a", "b", "c")
	nodes = withDeps(nodes, "b", "a")
	nodes = withDeps(nodes, "c", "b")
	plan := executorPlan(t, nodes)

	eng := newScriptedEngine()
	exec := testExecutor(eng, ExecutorConfig{})
	state := NewRunState()

	summary, err := exec.Execute(context.Background(), "r1", plan, state, Constraints{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if summary.Status != RunStatusSucceeded {
		t.Errorf("Status = %s, want %s (error: %v)", summary.Status, RunStatusSucceeded, summary.Error)
	}
	if summary.Succeeded != 3 || summary.Total != 3 {
		t.Errorf("counts = %d/%d, want 3/3", summary.Succeeded, summary.Total)
	}
	want := []string{"a", "b", "c"}
	for i, id := range eng.order {
		if id != want[i] {
			t.Errorf("execution order = %v, want %v", eng.order, want)
			break
		}
	}
	if v, ok := state.Value("b", "out"); !ok || v != "b" {
		t.Errorf("state Value(b, out) = %v, %v", v, ok)
	}
}

func TestExecuteSkipsDependentsOfFailure(t *testing.T) {
	nodes := specs("a", "b", "c", "d")
	nodes = withDeps(nodes, "b", "a")
	nodes = withDeps(nodes, "c", "b")
	plan := executorPlan(t, nodes)

	eng := newScriptedEngine()
	eng.failOnce("b", NewError(ErrorKindCode, CodeScriptFailed, "script raised", nil))
	exec := testExecutor(eng, ExecutorConfig{})

	summary, err := exec.Execute(context.Background(), "r1", plan, NewRunState(), Constraints{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if summary.Status != RunStatusPartial {
		t.Errorf("Status = %s, want %s", summary.Status, RunStatusPartial)
	}
	if summary.Failed != 1 || summary.Skipped != 1 || summary.Succeeded != 2 {
		t.Errorf("counts failed=%d skipped=%d succeeded=%d, want 1/1/2",
			summary.Failed, summary.Skipped, summary.Succeeded)
	}
	if CodeOf(summary.Error) != CodeScriptFailed {
		t.Errorf("summary.Error = %v, want %s", summary.Error, CodeScriptFailed)
	}
	if got := eng.attempts["c"]; got != 0 {
		t.Errorf("skipped node c executed %d times", got)
	}
}

func TestExecuteRetriesIdempotentOnce(t *testing.T) {
	tests := []struct {
		name         string
		idempotent   bool
		retriable    bool
		wantAttempts int
		wantStatus   RunStatus
	}{
		{"idempotent retriable failure retries", true, true, 2, RunStatusSucceeded},
		{"non-idempotent never retries", false, true, 1, RunStatusFailed},
		{"non-retriable never retries", true, false, 1, RunStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes := specs("a")
			nodes[0].Idempotent = tt.idempotent
			plan := executorPlan(t, nodes)

			failure := NewError(ErrorKindSandbox, CodeProcCrash, "worker died", nil)
			if tt.retriable {
				failure = failure.AsRetriable()
			}
			eng := newScriptedEngine()
			eng.failOnce("a", failure)
			exec := testExecutor(eng, ExecutorConfig{})

			summary, err := exec.Execute(context.Background(), "r1", plan, NewRunState(), Constraints{})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if eng.attempts["a"] != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", eng.attempts["a"], tt.wantAttempts)
			}
			if summary.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", summary.Status, tt.wantStatus)
			}
		})
	}
}

func TestExecuteCacheRoundTrip(t *testing.T) {
	nodes := specs("a")
	nodes[0].Idempotent = true
	plan := executorPlan(t, nodes)

	cache := newMemoryCache()
	eng := newScriptedEngine()
	exec := testExecutor(eng, ExecutorConfig{Cache: cache})

	if _, err := exec.Execute(context.Background(), "r1", plan, NewRunState(), Constraints{}); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	if eng.attempts["a"] != 1 {
		t.Fatalf("first run attempts = %d, want 1", eng.attempts["a"])
	}

	summary, err := exec.Execute(context.Background(), "r2", plan, NewRunState(), Constraints{})
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if eng.attempts["a"] != 1 {
		t.Errorf("second run re-executed a cached node: attempts = %d", eng.attempts["a"])
	}
	if cache.hits != 1 {
		t.Errorf("cache hits = %d, want 1", cache.hits)
	}
	if summary.Status != RunStatusSucceeded {
		t.Errorf("Status = %s, want %s", summary.Status, RunStatusSucceeded)
	}
}

func TestExecuteMutatingNotCached(t *testing.T) {
	nodes := []NodeSpec{
		{ID: "approve-a", Approval: true},
		{ID: "a", DependsOn: []string{"approve-a"}, Idempotent: true, Mutating: true},
	}
	plan := executorPlan(t, nodes)

	cache := newMemoryCache()
	eng := newScriptedEngine()
	exec := testExecutor(eng, ExecutorConfig{
		Cache:    cache,
		Approver: approverFunc(func(context.Context, string, *NodeSpec) (bool, error) { return true, nil }),
	})

	for _, runID := range []string{"r1", "r2"} {
		if _, err := exec.Execute(context.Background(), runID, plan, NewRunState(), Constraints{}); err != nil {
			t.Fatalf("Execute(%s) error = %v", runID, err)
		}
	}
	if eng.attempts["a"] != 2 {
		t.Errorf("mutating node attempts = %d, want 2 (never cached)", eng.attempts["a"])
	}
	if len(cache.entries) != 0 {
		t.Errorf("cache entries = %d, want 0", len(cache.entries))
	}
}

func TestExecuteApprovalDenied(t *testing.T) {
	nodes := []NodeSpec{
		{ID: "approve-a", Approval: true},
		{ID: "a", DependsOn: []string{"approve-a"}, Mutating: true},
	}
	plan := executorPlan(t, nodes)

	eng := newScriptedEngine()
	exec := testExecutor(eng, ExecutorConfig{
		Approver: approverFunc(func(context.Context, string, *NodeSpec) (bool, error) { return false, nil }),
	})

	summary, err := exec.Execute(context.Background(), "r1", plan, NewRunState(), Constraints{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if CodeOf(summary.Error) != CodeApprovalDenied {
		t.Errorf("summary.Error = %v, want %s", summary.Error, CodeApprovalDenied)
	}
	if eng.attempts["a"] != 0 {
		t.Errorf("gated node executed %d times after denial", eng.attempts["a"])
	}
	if summary.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", summary.Skipped)
	}
}

func TestExecuteMutatingWithoutGateFailsClosed(t *testing.T) {
	// Hand-built plan bypassing the planner's gate insertion.
	nodes := specs("a")
	nodes[0].Mutating = true
	plan := executorPlan(t, nodes)

	eng := newScriptedEngine()
	exec := testExecutor(eng, ExecutorConfig{
		Approver: approverFunc(func(context.Context, string, *NodeSpec) (bool, error) { return true, nil }),
	})

	summary, err := exec.Execute(context.Background(), "r1", plan, NewRunState(), Constraints{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if CodeOf(summary.Error) != CodeWriteUngated {
		t.Errorf("summary.Error = %v, want %s", summary.Error, CodeWriteUngated)
	}
	if eng.attempts["a"] != 0 {
		t.Errorf("ungated mutating node reached the engine %d times", eng.attempts["a"])
	}
}

func TestExecuteRunNodeBudget(t *testing.T) {
	nodes := specs("a", "b", "c")
	nodes = withDeps(nodes, "b", "a")
	nodes = withDeps(nodes, "c", "b")
	plan := executorPlan(t, nodes)

	eng := newScriptedEngine()
	exec := testExecutor(eng, ExecutorConfig{})

	summary, err := exec.Execute(context.Background(), "r1", plan, NewRunState(),
		Constraints{Run: RunBudget{MaxNodes: 2}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if summary.Status == RunStatusSucceeded {
		t.Error("run succeeded despite node budget exhaustion")
	}
	if CodeOf(summary.Error) != CodeRunLimit {
		t.Errorf("summary.Error = %v, want %s", summary.Error, CodeRunLimit)
	}
	if eng.attempts["c"] != 0 {
		t.Errorf("node over budget executed %d times", eng.attempts["c"])
	}
}

func TestExecutePreservesPriorResults(t *testing.T) {
	nodes := specs("a", "b")
	nodes = withDeps(nodes, "b", "a")
	plan := executorPlan(t, nodes)

	state := NewRunState()
	state.ApplyResult(succeededResult("a", map[string]any{"out": "prior"}))

	eng := newScriptedEngine()
	exec := testExecutor(eng, ExecutorConfig{})

	summary, err := exec.Execute(context.Background(), "r1", plan, state, Constraints{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if summary.Status != RunStatusSucceeded {
		t.Errorf("Status = %s, want %s", summary.Status, RunStatusSucceeded)
	}
	if eng.attempts["a"] != 0 {
		t.Errorf("prior-succeeded node re-executed %d times", eng.attempts["a"])
	}
	if eng.attempts["b"] != 1 {
		t.Errorf("dependent of prior success attempts = %d, want 1", eng.attempts["b"])
	}
}

func TestExecuteToolProxyAllowlist(t *testing.T) {
	nodes := specs("a")
	nodes[0].Unit.AllowedTools = []string{"search.query"}
	plan := executorPlan(t, nodes)

	var proxyErr *Error
	eng := newScriptedEngine()
	exec := testExecutor(eng, ExecutorConfig{})
	// The engine fake ignores the proxy; drive it directly through a
	// wrapper engine instead.
	exec.engines[EngineStarlark] = engineFunc(func(ctx context.Context, nodeID string, unit *ExecutionUnit, tools ToolProxy) (*ResultEnvelope, *Error) {
		_, proxyErr = tools(ctx, nodeID, "mail.send", nil)
		return &ResultEnvelope{Summary: "ok"}, nil
	})

	if _, err := exec.Execute(context.Background(), "r1", plan, NewRunState(), Constraints{}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if proxyErr == nil || proxyErr.Code != CodeCapabilityDenied {
		t.Errorf("proxy error = %v, want %s", proxyErr, CodeCapabilityDenied)
	}
}

type engineFunc func(ctx context.Context, nodeID string, unit *ExecutionUnit, tools ToolProxy) (*ResultEnvelope, *Error)

func (f engineFunc) Execute(ctx context.Context, nodeID string, unit *ExecutionUnit, tools ToolProxy) (*ResultEnvelope, *Error) {
	return f(ctx, nodeID, unit, tools)
}

type memoryArtifacts struct {
	mu     sync.Mutex
	bodies map[string][]byte
}

func newMemoryArtifacts() *memoryArtifacts {
	return &memoryArtifacts{bodies: make(map[string][]byte)}
}

func (m *memoryArtifacts) PutArtifact(ctx context.Context, contentType string, body []byte) (ArtifactHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uri := fmt.Sprintf("artifact://sha256/%x", sha256.Sum256(body))
	m.bodies[uri] = append([]byte(nil), body...)
	return ArtifactHandle{URI: uri, ContentType: contentType, Size: int64(len(body))}, nil
}

func TestExecuteSpillsOversizeSummary(t *testing.T) {
	nodes := specs("a")
	nodes[0].Unit.Budget.MaxOutputBytes = 64
	plan := executorPlan(t, nodes)

	big := strings.Repeat("x", 1000)
	artifacts := newMemoryArtifacts()
	exec := testExecutor(newScriptedEngine(), ExecutorConfig{Artifacts: artifacts})
	exec.engines[EngineStarlark] = engineFunc(func(ctx context.Context, nodeID string, unit *ExecutionUnit, tools ToolProxy) (*ResultEnvelope, *Error) {
		return &ResultEnvelope{Summary: big}, nil
	})

	state := NewRunState()
	summary, err := exec.Execute(context.Background(), "r1", plan, state, Constraints{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if summary.Status != RunStatusSucceeded {
		t.Fatalf("Status = %s, want %s (error: %v)", summary.Status, RunStatusSucceeded, summary.Error)
	}

	envelope := state.Result("a").Envelope
	if len(envelope.Artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(envelope.Artifacts))
	}
	handle := envelope.Artifacts[0]
	if handle.Size != 1000 {
		t.Errorf("artifact size = %d, want 1000", handle.Size)
	}
	if !strings.Contains(envelope.Summary, handle.URI) {
		t.Errorf("summary %q does not reference %s", envelope.Summary, handle.URI)
	}
	if got := artifacts.bodies[handle.URI]; string(got) != big {
		t.Errorf("stored artifact body length = %d, want 1000", len(got))
	}
}

func TestExecuteOutputCapWithoutArtifactStore(t *testing.T) {
	nodes := specs("a")
	nodes[0].Unit.Budget.MaxOutputBytes = 64
	plan := executorPlan(t, nodes)

	exec := testExecutor(newScriptedEngine(), ExecutorConfig{})
	exec.engines[EngineStarlark] = engineFunc(func(ctx context.Context, nodeID string, unit *ExecutionUnit, tools ToolProxy) (*ResultEnvelope, *Error) {
		return &ResultEnvelope{Summary: strings.Repeat("x", 1000)}, nil
	})

	summary, err := exec.Execute(context.Background(), "r1", plan, NewRunState(), Constraints{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if summary.Status == RunStatusSucceeded {
		t.Fatal("oversize output succeeded with no artifact store configured")
	}
	if CodeOf(summary.Error) != CodeOutputLimit {
		t.Errorf("error code = %s, want %s", CodeOf(summary.Error), CodeOutputLimit)
	}
}

func TestExecuteStateUpdatesNeverSpilled(t *testing.T) {
	nodes := specs("a")
	nodes[0].Unit.Budget.MaxOutputBytes = 64
	plan := executorPlan(t, nodes)

	artifacts := newMemoryArtifacts()
	exec := testExecutor(newScriptedEngine(), ExecutorConfig{Artifacts: artifacts})
	exec.engines[EngineStarlark] = engineFunc(func(ctx context.Context, nodeID string, unit *ExecutionUnit, tools ToolProxy) (*ResultEnvelope, *Error) {
		return &ResultEnvelope{
			Summary:      "ok",
			StateUpdates: map[string]any{"blob": strings.Repeat("y", 1000)},
		}, nil
	})

	summary, err := exec.Execute(context.Background(), "r1", plan, NewRunState(), Constraints{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if CodeOf(summary.Error) != CodeOutputLimit {
		t.Errorf("error code = %s, want %s", CodeOf(summary.Error), CodeOutputLimit)
	}
	if len(artifacts.bodies) != 0 {
		t.Errorf("state updates were spilled: %d artifacts stored", len(artifacts.bodies))
	}
}

func TestExecuteChecksAllowlistBeforeDispatch(t *testing.T) {
	gate, err := policy.NewGate(&policy.Manifest{
		Allow: []policy.Rule{{Pattern: "mcp://fs.*"}},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	tests := []struct {
		name         string
		allowedTools []string
		wantAttempts int
		wantCode     string
	}{
		{"granted tool dispatches", []string{"fs.read"}, 1, ""},
		{"ungranted tool never dispatches", []string{"mail.send"}, 0, CodeCapabilityDenied},
		{"one ungranted tool fails the node", []string{"fs.read", "mail.send"}, 0, CodeCapabilityDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes := specs("a")
			nodes[0].Unit.AllowedTools = tt.allowedTools
			plan := executorPlan(t, nodes)

			eng := newScriptedEngine()
			exec := testExecutor(eng, ExecutorConfig{Gate: gate})

			summary, err := exec.Execute(context.Background(), "r1", plan, NewRunState(), Constraints{})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if eng.attempts["a"] != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", eng.attempts["a"], tt.wantAttempts)
			}
			if tt.wantCode == "" {
				if summary.Status != RunStatusSucceeded {
					t.Errorf("Status = %s, want %s (error: %v)", summary.Status, RunStatusSucceeded, summary.Error)
				}
				return
			}
			if CodeOf(summary.Error) != tt.wantCode {
				t.Errorf("error code = %s, want %s", CodeOf(summary.Error), tt.wantCode)
			}
		})
	}
}

func TestExecuteRetriesBudgetBreachOnIdempotent(t *testing.T) {
	tests := []struct {
		name         string
		idempotent   bool
		wantAttempts int
		wantStatus   RunStatus
	}{
		{"idempotent budget breach retries once", true, 2, RunStatusSucceeded},
		{"non-idempotent budget breach fails", false, 1, RunStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes := specs("a")
			nodes[0].Idempotent = tt.idempotent
			plan := executorPlan(t, nodes)

			eng := newScriptedEngine()
			eng.failOnce("a", NewError(ErrorKindBudget, CodeCPULimit, "cpu ceiling hit", nil))
			exec := testExecutor(eng, ExecutorConfig{})

			summary, err := exec.Execute(context.Background(), "r1", plan, NewRunState(), Constraints{})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if eng.attempts["a"] != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", eng.attempts["a"], tt.wantAttempts)
			}
			if summary.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", summary.Status, tt.wantStatus)
			}
		})
	}
}

func TestExecuteCancelDrainsInflight(t *testing.T) {
	nodes := specs("a")
	plan := executorPlan(t, nodes)

	release := make(chan struct{})
	exec := testExecutor(newScriptedEngine(), ExecutorConfig{})
	exec.engines[EngineStarlark] = engineFunc(func(ctx context.Context, nodeID string, unit *ExecutionUnit, tools ToolProxy) (*ResultEnvelope, *Error) {
		<-ctx.Done()
		<-release
		return nil, NewError(ErrorKindSandbox, CodeProcCrash, "unit cancelled", ctx.Err())
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		cancel()
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	summary, err := exec.Execute(ctx, "r1", plan, NewRunState(), Constraints{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if summary.Status != RunStatusCancelled {
		t.Errorf("Status = %s, want %s", summary.Status, RunStatusCancelled)
	}
}

func TestExecuteDeterministicAcrossRuns(t *testing.T) {
	nodes := specs("a", "b", "c")
	nodes = withDeps(nodes, "c", "a", "b")
	for i := range nodes {
		nodes[i].Idempotent = true
	}
	plan := executorPlan(t, nodes)

	cache := newMemoryCache()
	reducer := &Reducer{SummaryBudget: 4000}

	runOnce := func(runID string) (*RunSummary, map[string]*NodeResult) {
		eng := newScriptedEngine()
		exec := testExecutor(eng, ExecutorConfig{Cache: cache})
		state := NewRunState()
		summary, err := exec.Execute(context.Background(), runID, plan, state, Constraints{})
		if err != nil {
			t.Fatalf("Execute(%s) error = %v", runID, err)
		}
		reducer.Reduce(plan, state.Results(), summary)
		return summary, state.Results()
	}

	first, firstResults := runOnce("r1")
	second, secondResults := runOnce("r2")

	if first.Summary != second.Summary {
		t.Errorf("summaries differ:\n%q\n%q", first.Summary, second.Summary)
	}
	for id, result := range firstResults {
		a, err := CanonicalJSON(result.Envelope)
		if err != nil {
			t.Fatalf("CanonicalJSON(%s) error = %v", id, err)
		}
		b, err := CanonicalJSON(secondResults[id].Envelope)
		if err != nil {
			t.Fatalf("CanonicalJSON(%s) error = %v", id, err)
		}
		if string(a) != string(b) {
			t.Errorf("node %s envelope differs across runs:\n%s\n%s", id, a, b)
		}
	}
	for id := range secondResults {
		if !secondResults[id].CacheHit {
			t.Errorf("second run node %s was not a cache hit", id)
		}
	}
}

package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patina/patina/pkg/policy"
)

// ToolProxy invokes one tool on behalf of a running unit.
type ToolProxy func(ctx context.Context, nodeID, tool string, args map[string]any) (any, *Error)

// SandboxEngine executes one unit in isolation.
type SandboxEngine interface {
	Execute(ctx context.Context, nodeID string, unit *ExecutionUnit, tools ToolProxy) (*ResultEnvelope, *Error)
}

// CapabilityGate is the executor's view of the policy gate. Decide
// charges rate limits; CheckCapability answers feasibility only.
type CapabilityGate interface {
	Decide(ctx context.Context, req policy.Request) policy.Decision
	CheckCapability(ctx context.Context, req policy.Request) policy.Decision
	ResetWindows()
}

// ArtifactStore persists bulk payloads out of band and returns a
// content-addressed handle.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, contentType string, body []byte) (ArtifactHandle, error)
}

// ToolInvoker is the executor's view of the tool client.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (any, *Error)
	SchemaVersions() map[string]string
}

// ResultCache stores envelopes keyed by ResultCacheKey.
type ResultCache interface {
	GetResult(ctx context.Context, key string) (*ResultEnvelope, error)
	PutResult(ctx context.Context, key, planHash, nodeID string, envelope *ResultEnvelope) error
}

// NodeRecorder persists node results as they become terminal.
type NodeRecorder interface {
	SaveNodeResult(ctx context.Context, runID string, result *NodeResult) error
}

// Approver answers approval gates. The executor blocks the gated
// subgraph until an answer arrives; a denial skips all dependents.
type Approver interface {
	Approve(ctx context.Context, runID string, node *NodeSpec) (bool, error)
}

// EventFunc receives run trace events.
type EventFunc func(runID, kind, nodeID string, detail map[string]any)

// ResultCacheKey derives the deterministic cache key for one node
// execution: plan hash, node id, canonical resolved inputs, and the
// pinned tool schema versions. Any change to any component yields a
// distinct key, so stale results are unreachable rather than evicted.
func ResultCacheKey(planHash, nodeID string, canonicalInputs []byte, schemaVersions map[string]string) string {
	h := sha256.New()
	h.Write([]byte(planHash))
	h.Write([]byte{0})
	h.Write([]byte(nodeID))
	h.Write([]byte{0})
	h.Write(canonicalInputs)
	h.Write([]byte{0})

	names := make([]string, 0, len(schemaVersions))
	for name := range schemaVersions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte("@"))
		h.Write([]byte(schemaVersions[name]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Engines   map[EngineName]SandboxEngine
	Gate      CapabilityGate
	Tools     ToolInvoker
	Cache     ResultCache
	Recorder  NodeRecorder
	Artifacts ArtifactStore
	Approver  Approver
	Events    EventFunc
	Logger    zerolog.Logger
}

// Executor walks a plan's DAG, dispatching ready nodes to sandbox
// engines under the run's budgets. Ready nodes are dispatched in
// ascending node id order, so runs over the same plan are
// reproducible worker-count permitting.
type Executor struct {
	engines   map[EngineName]SandboxEngine
	gate      CapabilityGate
	tools     ToolInvoker
	cache     ResultCache
	recorder  NodeRecorder
	artifacts ArtifactStore
	approver  Approver
	events    EventFunc
	logger    zerolog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	events := cfg.Events
	if events == nil {
		events = func(string, string, string, map[string]any) {}
	}
	return &Executor{
		engines:   cfg.Engines,
		gate:      cfg.Gate,
		tools:     cfg.Tools,
		cache:     cfg.Cache,
		recorder:  cfg.Recorder,
		artifacts: cfg.Artifacts,
		approver:  cfg.Approver,
		events:    events,
		logger:    cfg.Logger.With().Str("component", "executor").Logger(),
	}
}

// runProgress is the executor's mutable view of one run.
type runProgress struct {
	mu        sync.Mutex
	started   int   // node attempts begun, retries included
	toolCalls int64 // tool invocations across all nodes
}

// Execute runs the plan to completion, cancellation, or budget
// exhaustion. The returned summary carries counts and the first fatal
// error; reduction of node outputs happens elsewhere.
func (e *Executor) Execute(
	ctx context.Context,
	runID string,
	plan *Plan,
	state *RunState,
	c Constraints,
) (*RunSummary, error) {
	startedAt := time.Now().UTC()

	if e.gate != nil {
		e.gate.ResetWindows()
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if c.Run.WallClock > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Run.WallClock)
		defer cancel()
	}

	live := liveNodes(plan.Nodes)
	specs := make(map[string]*NodeSpec, len(live))
	waiting := make(map[string]int, len(live)) // unmet dependency count
	dependents := make(map[string][]string, len(live))
	for i := range live {
		node := &live[i]
		specs[node.ID] = node
		waiting[node.ID] = len(node.DependsOn)
		for _, dep := range node.DependsOn {
			dependents[dep] = append(dependents[dep], node.ID)
		}
	}

	results := make(map[string]*NodeResult, len(live))

	// Nodes that already succeeded in a previous execution of this run
	// (before a re-plan) keep their results and are not re-executed.
	for id := range specs {
		if prior := state.Result(id); prior != nil && prior.Status == NodeStatusSucceeded {
			results[id] = prior
		}
	}
	for id := range results {
		for _, dep := range dependents[id] {
			waiting[dep]--
		}
	}

	var ready []string
	for id, n := range waiting {
		if n == 0 {
			if _, seen := results[id]; !seen {
				ready = append(ready, id)
			}
		}
	}
	sort.Strings(ready)

	maxWorkers := c.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	sem := make(chan struct{}, maxWorkers)
	done := make(chan *NodeResult)

	progress := &runProgress{}
	var fatal *Error
	inflight := 0

	skipNode := func(id string, reason string) {
		now := time.Now().UTC()
		result := &NodeResult{
			NodeID:      id,
			Status:      NodeStatusSkipped,
			StartedAt:   now,
			CompletedAt: now,
		}
		results[id] = result
		state.ApplyResult(result)
		e.record(ctx, runID, result)
		e.events(runID, eventNodeSkipped, id, map[string]any{"reason": reason})
	}

	// skipDependents marks every transitive dependent of id skipped.
	var skipDependents func(id, reason string)
	skipDependents = func(id, reason string) {
		for _, dep := range dependents[id] {
			if _, seen := results[dep]; seen {
				continue
			}
			skipNode(dep, reason)
			skipDependents(dep, reason)
		}
	}

	launch := func(id string) {
		node := specs[id]
		inflight++
		progress.mu.Lock()
		progress.started++
		progress.mu.Unlock()
		go func() {
			defer func() { <-sem }()
			done <- e.runNode(runCtx, runID, plan, node, state, progress, c)
		}()
	}

	finish := func(result *NodeResult) {
		inflight--
		results[result.NodeID] = result
		state.ApplyResult(result)
		e.record(ctx, runID, result)
		e.events(runID, eventNodeCompleted, result.NodeID, map[string]any{
			"status":    string(result.Status),
			"attempts":  result.Attempts,
			"cache_hit": result.CacheHit,
		})

		switch result.Status {
		case NodeStatusSucceeded:
			newly := dependents[result.NodeID]
			for _, dep := range newly {
				if _, seen := results[dep]; seen {
					continue
				}
				waiting[dep]--
				if waiting[dep] == 0 {
					ready = append(ready, dep)
				}
			}
			sort.Strings(ready)
		default:
			if fatal == nil && result.Error != nil {
				fatal = result.Error
			}
			skipDependents(result.NodeID, "dependency "+result.NodeID+" did not succeed")
		}
	}

	cancelled := false
	// cancelCh is nilled after the first fire so the drain loop blocks
	// on in-flight results instead of spinning on a closed Done channel.
	cancelCh := runCtx.Done()
	for len(ready) > 0 || inflight > 0 {
		if cancelled {
			ready = nil
		}
		if len(ready) > 0 {
			if over := e.overNodeBudget(progress, c); over {
				id := ready[0]
				ready = ready[1:]
				now := time.Now().UTC()
				err := NewError(ErrorKindBudget, CodeRunLimit,
					fmt.Sprintf("run node budget %d exhausted", c.Run.MaxNodes), nil).WithNode(id)
				finishBudget := &NodeResult{
					NodeID: id, Status: NodeStatusFailed, Error: err,
					StartedAt: now, CompletedAt: now,
				}
				inflight++ // finish() decrements
				finish(finishBudget)
				continue
			}
			select {
			case sem <- struct{}{}:
				id := ready[0]
				ready = ready[1:]
				launch(id)
				continue
			case result := <-done:
				finish(result)
				continue
			case <-cancelCh:
				cancelled = true
				cancelCh = nil
				continue
			}
		}
		select {
		case result := <-done:
			finish(result)
		case <-cancelCh:
			cancelled = true
			cancelCh = nil
		}
	}

	// Anything never reached is skipped.
	for id := range specs {
		if _, seen := results[id]; !seen {
			skipNode(id, "run ended before node became ready")
		}
	}

	summary := e.summarize(runID, plan, results, progress, startedAt)
	if cancelled {
		if ctx.Err() != nil {
			summary.Status = RunStatusCancelled
		} else {
			summary.Status = RunStatusFailed
			summary.Error = NewError(ErrorKindBudget, CodeRunLimit,
				fmt.Sprintf("run exceeded wall clock budget %s", c.Run.WallClock), runCtx.Err())
		}
	} else if fatal != nil && summary.Error == nil {
		summary.Error = fatal
	}
	return summary, nil
}

func (e *Executor) overNodeBudget(progress *runProgress, c Constraints) bool {
	if c.Run.MaxNodes <= 0 {
		return false
	}
	progress.mu.Lock()
	defer progress.mu.Unlock()
	return progress.started >= c.Run.MaxNodes
}

// runNode executes one node to a terminal result.
func (e *Executor) runNode(
	ctx context.Context,
	runID string,
	plan *Plan,
	node *NodeSpec,
	state *RunState,
	progress *runProgress,
	c Constraints,
) *NodeResult {
	result := &NodeResult{
		NodeID:    node.ID,
		StartedAt: time.Now().UTC(),
	}
	fail := func(err *Error) *NodeResult {
		result.Status = NodeStatusFailed
		result.Error = err.WithNode(node.ID)
		result.CompletedAt = time.Now().UTC()
		return result
	}
	e.events(runID, eventNodeStarted, node.ID, nil)

	if node.Approval {
		return e.runApproval(ctx, runID, node, result)
	}

	// A mutating node must sit behind an approval gate. The planner
	// inserts one; a plan that lost it is rejected here, fail closed.
	if node.Mutating && !hasApprovalGate(plan, node) {
		return fail(NewError(ErrorKindPolicy, CodeWriteUngated,
			"mutating node has no approval gate", nil))
	}

	// The whole allowlist must be feasible under the manifest before
	// any sandbox starts. Per-call Decide still runs inside toolProxy;
	// this check catches plans granting tools the manifest never will.
	if e.gate != nil {
		for _, tool := range node.Unit.AllowedTools {
			decision := e.gate.CheckCapability(ctx, policy.Request{
				Tool:   policy.ToolURI(tool),
				NodeID: node.ID,
				Write:  node.Mutating,
			})
			if !decision.Allowed {
				e.events(runID, eventPolicyDenied, node.ID, map[string]any{
					"tool": tool, "reason": decision.Reason, "rule": decision.Rule,
				})
				return fail(NewError(ErrorKindPolicy, CodeCapabilityDenied,
					fmt.Sprintf("tool %s: %s", tool, decision.Reason), nil))
			}
		}
	}

	params, perr := state.ResolveParams(node.Unit.Params)
	if perr != nil {
		return fail(NewError(ErrorKindCode, CodePlanInvalid, perr.Error(), perr))
	}
	unit := node.Unit
	unit.Params = params

	cacheable := e.cache != nil && node.Idempotent && !node.Mutating
	var cacheKey string
	if cacheable {
		inputs, err := CanonicalJSON(map[string]any{
			"code":          string(unit.Code),
			"params":        params,
			"allowed_tools": unit.AllowedTools,
			"engine":        string(unit.Engine),
		})
		if err != nil {
			return fail(NewError(ErrorKindCode, CodeInternal, "canonicalize inputs", err))
		}
		var versions map[string]string
		if e.tools != nil {
			versions = e.tools.SchemaVersions()
		}
		cacheKey = ResultCacheKey(plan.Hash, node.ID, inputs, versions)
		if envelope, err := e.cache.GetResult(ctx, cacheKey); err == nil {
			e.events(runID, eventCacheHit, node.ID, nil)
			result.Status = NodeStatusSucceeded
			result.Envelope = envelope
			result.CacheHit = true
			result.CompletedAt = time.Now().UTC()
			return result
		}
	}

	eng, lerr := e.lookupEngine(unit.Engine)
	if lerr != nil {
		return fail(lerr)
	}
	proxy := e.toolProxy(runID, node, progress, c)

	maxAttempts := 1
	if node.Idempotent {
		maxAttempts = 2
	}
	var (
		envelope *ResultEnvelope
		execErr  *Error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		if attempt > 1 {
			if e.overNodeBudget(progress, c) {
				execErr = NewError(ErrorKindBudget, CodeRunLimit,
					fmt.Sprintf("run node budget %d exhausted", c.Run.MaxNodes), nil)
				break
			}
			progress.mu.Lock()
			progress.started++
			progress.mu.Unlock()
			e.events(runID, eventNodeRetried, node.ID, map[string]any{"attempt": attempt})
		}
		envelope, execErr = eng.Execute(ctx, node.ID, &unit, proxy)
		if execErr == nil {
			break
		}
		// Budget breaches retry alongside retriable failures here;
		// idempotency gating happened in maxAttempts above.
		if !execErr.Retriable && execErr.Kind != ErrorKindBudget {
			break
		}
		e.logger.Debug().Str("node", node.ID).Str("code", execErr.Code).
			Int("attempt", attempt).Msg("node attempt failed")
	}
	if execErr != nil {
		return fail(execErr)
	}

	if capErr := e.capOutput(ctx, runID, node, &unit, envelope); capErr != nil {
		return fail(capErr)
	}

	if cacheable {
		if err := e.cache.PutResult(ctx, cacheKey, plan.Hash, node.ID, envelope); err != nil {
			e.logger.Warn().Err(err).Str("node", node.ID).Msg("cache write failed")
		}
	}
	result.Status = NodeStatusSucceeded
	result.Envelope = envelope
	result.CompletedAt = time.Now().UTC()
	return result
}

func (e *Executor) runApproval(ctx context.Context, runID string, node *NodeSpec, result *NodeResult) *NodeResult {
	if e.approver == nil {
		result.Status = NodeStatusFailed
		result.Error = NewError(ErrorKindPolicy, CodeApprovalDenied,
			"no approver configured", nil).WithNode(node.ID)
		result.CompletedAt = time.Now().UTC()
		return result
	}
	approved, err := e.approver.Approve(ctx, runID, node)
	e.events(runID, eventApproval, node.ID, map[string]any{"approved": approved && err == nil})
	result.CompletedAt = time.Now().UTC()
	switch {
	case err != nil:
		result.Status = NodeStatusFailed
		result.Error = NewError(ErrorKindPolicy, CodeApprovalDenied,
			"approval failed: "+err.Error(), err).WithNode(node.ID)
	case !approved:
		result.Status = NodeStatusFailed
		result.Error = NewError(ErrorKindPolicy, CodeApprovalDenied,
			"operator denied approval", nil).WithNode(node.ID)
	default:
		result.Status = NodeStatusSucceeded
		result.Envelope = &ResultEnvelope{Summary: "approved"}
	}
	return result
}

// toolProxy builds the per-node tool callback. Every call passes the
// gate even though the unit's allowlist was checked in the worker: the
// worker is untrusted and its allowlist is advisory from out here.
func (e *Executor) toolProxy(runID string, node *NodeSpec, progress *runProgress, c Constraints) ToolProxy {
	allowed := make(map[string]bool, len(node.Unit.AllowedTools))
	for _, t := range node.Unit.AllowedTools {
		allowed[t] = true
	}
	return func(ctx context.Context, nodeID, tool string, args map[string]any) (any, *Error) {
		if !allowed[tool] {
			return nil, NewError(ErrorKindPolicy, CodeCapabilityDenied,
				fmt.Sprintf("tool %s not in unit allowlist", tool), nil).WithNode(nodeID)
		}

		if c.Run.MaxToolCalls > 0 {
			progress.mu.Lock()
			over := progress.toolCalls >= int64(c.Run.MaxToolCalls)
			if !over {
				progress.toolCalls++
			}
			progress.mu.Unlock()
			if over {
				return nil, NewError(ErrorKindBudget, CodeRunLimit,
					fmt.Sprintf("run tool call budget %d exhausted", c.Run.MaxToolCalls), nil).
					WithNode(nodeID)
			}
		} else {
			progress.mu.Lock()
			progress.toolCalls++
			progress.mu.Unlock()
		}

		if e.gate != nil {
			decision := e.gate.Decide(ctx, policy.Request{
				Tool:   policy.ToolURI(tool),
				NodeID: nodeID,
				Write:  node.Mutating,
				Fields: fieldArgs(args),
			})
			if !decision.Allowed {
				e.events(runID, eventPolicyDenied, nodeID, map[string]any{
					"tool": tool, "reason": decision.Reason, "rule": decision.Rule,
				})
				if decision.RateLimited {
					return nil, NewError(ErrorKindTool, CodeRateLimited,
						decision.Reason, nil).WithNode(nodeID).AsRetriable()
				}
				return nil, NewError(ErrorKindPolicy, CodeCapabilityDenied,
					decision.Reason, nil).WithNode(nodeID)
			}
		}

		e.events(runID, eventToolCall, nodeID, map[string]any{"tool": tool})
		if e.tools == nil {
			return nil, NewError(ErrorKindTool, CodeToolNotFound,
				"no tool client configured", nil).WithNode(nodeID)
		}
		return e.tools.Invoke(ctx, tool, args)
	}
}

// defaultMaxOutputBytes applies where a node budget leaves
// MaxOutputBytes unset.
const defaultMaxOutputBytes = 256 * 1024

// capOutput enforces the node's output budget over the envelope's
// summary and state updates. An oversize summary is spilled to the
// artifact store and replaced with a reference; state updates are
// never spilled because dependent nodes resolve params from them, so
// state alone over the cap fails the node.
func (e *Executor) capOutput(ctx context.Context, runID string, node *NodeSpec, unit *ExecutionUnit, envelope *ResultEnvelope) *Error {
	capBytes := unit.Budget.MaxOutputBytes
	if capBytes <= 0 {
		capBytes = defaultMaxOutputBytes
	}

	summaryBytes := int64(len(envelope.Summary))
	var stateBytes int64
	if len(envelope.StateUpdates) > 0 {
		raw, err := json.Marshal(envelope.StateUpdates)
		if err != nil {
			return NewError(ErrorKindCode, CodeInternal, "serialize state updates", err)
		}
		stateBytes = int64(len(raw))
	}
	if summaryBytes+stateBytes <= capBytes {
		return nil
	}
	if stateBytes > capBytes {
		return NewError(ErrorKindBudget, CodeOutputLimit,
			fmt.Sprintf("state updates %d bytes exceed output cap %d", stateBytes, capBytes), nil)
	}
	if e.artifacts == nil {
		return NewError(ErrorKindBudget, CodeOutputLimit,
			fmt.Sprintf("node output %d bytes exceeds cap %d", summaryBytes+stateBytes, capBytes), nil)
	}

	handle, err := e.artifacts.PutArtifact(ctx, "text/plain; charset=utf-8", []byte(envelope.Summary))
	if err != nil {
		return NewError(ErrorKindSandbox, CodeInternal, "spill summary to artifact store", err)
	}
	envelope.Summary = fmt.Sprintf("summary (%d bytes) spilled to %s", handle.Size, handle.URI)
	envelope.Artifacts = append(envelope.Artifacts, handle)
	e.events(runID, eventOutputSpilled, node.ID, map[string]any{
		"artifact": handle.URI, "bytes": handle.Size,
	})
	return nil
}

func (e *Executor) lookupEngine(name EngineName) (SandboxEngine, *Error) {
	eng, ok := e.engines[name]
	if !ok {
		return nil, NewError(ErrorKindSandbox, CodeUnavailable,
			"no engine registered for "+string(name), nil)
	}
	return eng, nil
}

func (e *Executor) record(ctx context.Context, runID string, result *NodeResult) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.SaveNodeResult(ctx, runID, result); err != nil {
		e.logger.Warn().Err(err).Str("node", result.NodeID).Msg("persist node result failed")
	}
}

func (e *Executor) summarize(
	runID string,
	plan *Plan,
	results map[string]*NodeResult,
	progress *runProgress,
	startedAt time.Time,
) *RunSummary {
	summary := &RunSummary{
		RunID:     runID,
		PlanHash:  plan.Hash,
		StartedAt: startedAt,
	}
	for _, result := range results {
		summary.Total++
		switch result.Status {
		case NodeStatusSucceeded:
			summary.Succeeded++
		case NodeStatusFailed:
			summary.Failed++
		case NodeStatusSkipped:
			summary.Skipped++
		}
	}
	progress.mu.Lock()
	summary.ToolCalls = int(progress.toolCalls)
	progress.mu.Unlock()
	summary.CompletedAt = time.Now().UTC()

	switch {
	case summary.Failed == 0 && summary.Skipped == 0:
		summary.Status = RunStatusSucceeded
	case summary.Succeeded > 0:
		summary.Status = RunStatusPartial
	default:
		summary.Status = RunStatusFailed
	}
	return summary
}

// hasApprovalGate reports whether one of the node's dependencies is an
// approval node.
func hasApprovalGate(plan *Plan, node *NodeSpec) bool {
	for _, dep := range node.DependsOn {
		if d := plan.Node(dep); d != nil && d.Approval {
			return true
		}
	}
	return false
}

// fieldArgs extracts the write field scope from tool args.
func fieldArgs(args map[string]any) []string {
	raw, ok := args["fields"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Run trace event kinds emitted by the executor.
const (
	eventNodeStarted   = "node_started"
	eventNodeCompleted = "node_completed"
	eventNodeRetried   = "node_retried"
	eventNodeSkipped   = "node_skipped"
	eventCacheHit      = "cache_hit"
	eventPolicyDenied  = "policy_denied"
	eventApproval      = "approval"
	eventToolCall      = "tool_call"
	eventOutputSpilled = "output_spilled"
)

package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// EngineName selects a sandbox backend for an ExecutionUnit.
type EngineName string

const (
	// EngineStarlark is the required scripting-language worker.
	EngineStarlark EngineName = "starlark"

	// EngineWASM is the managed-runtime worker variant.
	EngineWASM EngineName = "wasm"
)

// Budget is a resource ceiling applied at node or run granularity.
// Zero values mean "use the configured default", not "unlimited".
type Budget struct {
	// CPUMillis is the CPU time ceiling in milliseconds.
	CPUMillis int64 `json:"cpu_ms"`

	// MemMB is the memory ceiling in mebibytes.
	MemMB int64 `json:"mem_mb"`

	// MaxOps is the interpreter operation-count ceiling.
	MaxOps int64 `json:"max_ops"`

	// MaxOutputBytes caps the serialized ResultEnvelope size.
	MaxOutputBytes int64 `json:"max_output_bytes"`

	// TokenCap bounds LLM token usage attributable to this scope.
	TokenCap int64 `json:"token_cap"`

	// WallClock is the wall-clock ceiling enforced by the watchdog.
	WallClock time.Duration `json:"wall_clock_ns"`
}

// Merge returns b with zero fields filled from defaults.
func (b Budget) Merge(defaults Budget) Budget {
	out := b
	if out.CPUMillis == 0 {
		out.CPUMillis = defaults.CPUMillis
	}
	if out.MemMB == 0 {
		out.MemMB = defaults.MemMB
	}
	if out.MaxOps == 0 {
		out.MaxOps = defaults.MaxOps
	}
	if out.MaxOutputBytes == 0 {
		out.MaxOutputBytes = defaults.MaxOutputBytes
	}
	if out.TokenCap == 0 {
		out.TokenCap = defaults.TokenCap
	}
	if out.WallClock == 0 {
		out.WallClock = defaults.WallClock
	}
	return out
}

// RunBudget bounds one whole run.
type RunBudget struct {
	// MaxNodes is the maximum number of nodes executed (retries count).
	MaxNodes int `json:"max_nodes"`

	// WallClock is the total run wall-clock ceiling.
	WallClock time.Duration `json:"wall_clock_ns"`

	// MaxToolCalls is the total tool invocation ceiling.
	MaxToolCalls int `json:"max_tool_calls"`

	// TokenCap bounds LLM tokens spent on planning and re-planning.
	TokenCap int64 `json:"token_cap"`
}

// ExecutionUnit is one sandboxed code-execution request. It is owned
// exclusively by its NodeSpec and never shared across nodes.
type ExecutionUnit struct {
	// Engine selects the sandbox backend that must run this unit.
	Engine EngineName `json:"engine"`

	// Code is the script or module payload.
	Code []byte `json:"code"`

	// Params maps parameter names to values visible to the payload.
	// Values referencing "$nodes.<id>.<key>" are resolved from run
	// state before dispatch.
	Params map[string]any `json:"params,omitempty"`

	// AllowedTools is the capability subset granted to this unit only.
	AllowedTools []string `json:"allowed_tools,omitempty"`

	// Budget is the per-node resource ceiling.
	Budget Budget `json:"budget"`
}

// NodeSpec is one node of an immutable Plan.
type NodeSpec struct {
	// ID is unique within the plan. Ties in dispatch order are broken
	// by ascending ID for determinism.
	ID string `json:"id"`

	// DependsOn lists node IDs that must reach Succeeded first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Unit is the work to execute. Approval nodes carry an empty unit.
	Unit ExecutionUnit `json:"unit"`

	// Idempotent marks the node safe to retry exactly once.
	Idempotent bool `json:"idempotent"`

	// Mutating marks a node whose state updates write external state.
	// The planner inserts an approval node in front of every such node.
	Mutating bool `json:"mutating"`

	// Approval marks an inserted approval gate with no side effects.
	// Its sole success condition is an explicit external approval.
	Approval bool `json:"approval,omitempty"`

	// SupersededBy points to the replacement node id when a re-plan
	// substituted a subgraph. The original spec is kept for audit.
	SupersededBy string `json:"superseded_by,omitempty"`
}

// Plan is an immutable DAG of NodeSpecs plus its content hash.
type Plan struct {
	// ID identifies the plan instance.
	ID string `json:"id"`

	// Goal is the operator goal the plan was derived from.
	Goal string `json:"goal"`

	// Nodes are the plan nodes, in planner order.
	Nodes []NodeSpec `json:"nodes"`

	// Graph is the computed execution graph.
	Graph *ExecutionGraph `json:"graph,omitempty"`

	// Hash is the content-derived plan hash (hex SHA-256 over the
	// canonical serialization of all NodeSpecs). It seeds result
	// caching and determinism checks.
	Hash string `json:"hash"`

	// CreatedAt is when the plan was produced.
	CreatedAt time.Time `json:"created_at"`
}

// Node returns the node with the given id, or nil.
func (p *Plan) Node(id string) *NodeSpec {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i]
		}
	}
	return nil
}

// ComputeHash computes the canonical plan hash over the node set.
// Nodes are serialized sorted by id so hash equality is independent of
// planner emission order.
func ComputeHash(nodes []NodeSpec) (string, error) {
	sorted := make([]NodeSpec, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range sorted {
		// SupersededBy is runtime bookkeeping, not plan content.
		n := sorted[i]
		n.SupersededBy = ""
		if err := enc.Encode(n); err != nil {
			return "", fmt.Errorf("hash plan node %s: %w", n.ID, err)
		}
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON serializes v with sorted keys, suitable for cache keys.
func CanonicalJSON(v any) ([]byte, error) {
	// encoding/json sorts map keys; normalize through a generic value
	// so struct field order does not leak into the key.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// ArtifactHandle references an out-of-band stored payload. The artifact
// body is stored content-addressed; the core never embeds artifact
// bytes in summaries or logs.
type ArtifactHandle struct {
	// URI locates the artifact, e.g. "artifact://sha256/<hash>".
	URI string `json:"uri"`

	// ContentType is the declared media type.
	ContentType string `json:"content_type"`

	// Size is the body size in bytes.
	Size int64 `json:"size"`
}

// EnvelopeMetrics is the resource accounting attached to a result.
type EnvelopeMetrics struct {
	CPUMillis      int64 `json:"cpu_ms"`
	MemMB          int64 `json:"mem_mb"`
	OperationCount int64 `json:"operation_count"`
	ToolCallCount  int64 `json:"tool_call_count"`
}

// ResultEnvelope is the sole return type from a sandbox engine.
type ResultEnvelope struct {
	// Summary is a human-readable result summary.
	Summary string `json:"summary"`

	// Artifacts reference out-of-band payloads.
	Artifacts []ArtifactHandle `json:"artifacts,omitempty"`

	// StateUpdates is merged into shared run state on completion.
	StateUpdates map[string]any `json:"state_updates,omitempty"`

	// Metrics is the unit's resource accounting.
	Metrics EnvelopeMetrics `json:"metrics"`
}

// SerializedSize returns the envelope's serialized size in bytes.
func (r *ResultEnvelope) SerializedSize() int64 {
	raw, err := json.Marshal(r)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}

// NodeStatus is the executor-side node state machine.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusReady     NodeStatus = "ready"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// IsTerminal reports whether the status is final.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusSkipped:
		return true
	default:
		return false
	}
}

// NodeResult is one node's terminal record in the run trace.
type NodeResult struct {
	NodeID      string          `json:"node_id"`
	Status      NodeStatus      `json:"status"`
	Envelope    *ResultEnvelope `json:"envelope,omitempty"`
	Error       *Error          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	CacheHit    bool            `json:"cache_hit"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// RunStatus is the lifecycle state of one run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusPlanning  RunStatus = "planning"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsActive reports whether the run may still make progress.
func (s RunStatus) IsActive() bool {
	switch s {
	case RunStatusPending, RunStatusPlanning, RunStatusRunning:
		return true
	default:
		return false
	}
}

// RunSummary is the compact, persisted outcome of one run.
type RunSummary struct {
	RunID       string           `json:"run_id"`
	PlanHash    string           `json:"plan_hash"`
	Status      RunStatus        `json:"status"`
	Summary     string           `json:"summary"`
	Artifacts   []ArtifactHandle `json:"artifacts,omitempty"`
	State       map[string]any   `json:"state,omitempty"`
	Error       *Error           `json:"error,omitempty"`
	Total       int              `json:"total"`
	Succeeded   int              `json:"succeeded"`
	Failed      int              `json:"failed"`
	Skipped     int              `json:"skipped"`
	ToolCalls   int              `json:"tool_calls"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Constraints bound planning and execution of one run. Passed explicitly
// into Start; no process-wide mutable configuration state exists.
type Constraints struct {
	// MaxNodes caps the planned node count.
	MaxNodes int `json:"max_nodes" validate:"gte=0"`

	// DisallowedTools are removed from planner consideration.
	DisallowedTools []string `json:"disallowed_tools,omitempty"`

	// NodeDefaults fills unset per-node budget fields.
	NodeDefaults Budget `json:"node_defaults"`

	// Run is the run-level budget.
	Run RunBudget `json:"run"`

	// MaxWorkers bounds concurrent sandbox workers.
	MaxWorkers int `json:"max_workers" validate:"gte=0"`

	// SummaryBudget caps the reduced summary length in characters.
	SummaryBudget int `json:"summary_budget" validate:"gte=0"`

	// Template selects a deterministic plan template instead of the
	// LLM-drafted path. Used by automation and tests.
	Template string `json:"template,omitempty"`
}

// ExecutionGraph, GraphNode, and GraphEdge form the computed DAG shape.
type ExecutionGraph struct {
	// Nodes maps node IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists all dependency edges.
	Edges []GraphEdge `json:"edges"`

	// Roots are node IDs with no dependencies.
	Roots []string `json:"roots"`

	// Depth is the number of topological levels.
	Depth int `json:"depth"`
}

// GraphNode is one node in the execution graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// GraphEdge is one dependency edge.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

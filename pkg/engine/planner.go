package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/patina/patina/pkg/llm"
	"github.com/patina/patina/pkg/policy"
)

// CapabilityChecker answers plan-time feasibility questions without
// charging rate limits.
type CapabilityChecker interface {
	CheckCapability(ctx context.Context, req policy.Request) policy.Decision
}

// Template is a deterministic plan generator, selected by name through
// Constraints.Template.
type Template func(goal string, c Constraints) []NodeSpec

// PlannerConfig configures a Planner.
type PlannerConfig struct {
	Completer llm.Completer
	Gate      CapabilityChecker

	// Engines lists the registered sandbox backends.
	Engines []EngineName

	// Templates maps template names to generators.
	Templates map[string]Template

	Logger zerolog.Logger
}

// Planner turns a goal into a validated, immutable Plan. Model output
// is a draft only: every draft passes the same validation as template
// plans before anything is allowed to execute.
type Planner struct {
	completer llm.Completer
	gate      CapabilityChecker
	engines   map[EngineName]bool
	templates map[string]Template
	logger    zerolog.Logger
}

// NewPlanner creates a planner.
func NewPlanner(cfg PlannerConfig) *Planner {
	engines := make(map[EngineName]bool, len(cfg.Engines))
	for _, e := range cfg.Engines {
		engines[e] = true
	}
	return &Planner{
		completer: cfg.Completer,
		gate:      cfg.Gate,
		engines:   engines,
		templates: cfg.Templates,
		logger:    cfg.Logger.With().Str("component", "planner").Logger(),
	}
}

// Plan produces a validated plan for the goal. Failures are
// CODE/PLAN_INVALID and fatal to the run before any node executes.
// Returned tokensUsed counts against the run's planning token budget.
func (p *Planner) Plan(ctx context.Context, goal string, c Constraints) (*Plan, int64, error) {
	var (
		nodes  []NodeSpec
		tokens int64
	)
	if c.Template != "" {
		tmpl, ok := p.templates[c.Template]
		if !ok {
			return nil, 0, NewError(ErrorKindCode, CodePlanInvalid,
				fmt.Sprintf("unknown plan template %q", c.Template), nil)
		}
		nodes = tmpl(goal, c)
	} else {
		if p.completer == nil {
			return nil, 0, NewError(ErrorKindCode, CodePlanInvalid,
				"no completer configured and no template selected", nil)
		}
		drafted, used, err := p.draft(ctx, goal, c)
		if err != nil {
			return nil, used, err
		}
		nodes, tokens = drafted, used
	}

	plan, err := p.finalize(ctx, goal, nodes, c)
	if err != nil {
		return nil, tokens, err
	}
	return plan, tokens, nil
}

// Replan produces a replacement plan after failedNode failed. The
// failed node and its not-yet-succeeded dependents are superseded by a
// fresh drafted subgraph; succeeded nodes keep their specs so cached
// results stay addressable in the audit trail.
func (p *Planner) Replan(
	ctx context.Context,
	plan *Plan,
	failedNode string,
	failure *Error,
	state *RunState,
	c Constraints,
) (*Plan, int64, error) {
	if p.completer == nil {
		return nil, 0, NewError(ErrorKindCode, CodePlanInvalid,
			"re-planning requires a completer", nil)
	}
	failed := plan.Node(failedNode)
	if failed == nil {
		return nil, 0, NewError(ErrorKindCode, CodePlanInvalid,
			fmt.Sprintf("re-plan target %s not in plan", failedNode), nil)
	}

	superseded := dependentClosure(plan, failedNode)
	prompt := replanPrompt(plan, failedNode, failure, superseded, c)
	resp, err := p.completer.Complete(ctx, llm.Request{System: plannerSystemPrompt, Prompt: prompt})
	if err != nil {
		return nil, 0, NewError(ErrorKindCode, CodePlanInvalid,
			"re-plan draft failed", err)
	}
	replacement, err := parseDraft(resp.Text)
	if err != nil {
		return nil, resp.TokensUsed, NewError(ErrorKindCode, CodePlanInvalid,
			"re-plan draft unparsable: "+err.Error(), err)
	}

	// Keep every non-superseded node, mark superseded ones, append the
	// replacement subgraph.
	next := make([]NodeSpec, 0, len(plan.Nodes)+len(replacement))
	replacementRoot := ""
	if len(replacement) > 0 {
		replacementRoot = replacement[0].ID
	}
	for _, node := range plan.Nodes {
		if superseded[node.ID] {
			node.SupersededBy = replacementRoot
		}
		next = append(next, node)
	}
	for _, node := range replacement {
		// Replacement nodes may only depend on live nodes or each other.
		for _, dep := range node.DependsOn {
			if superseded[dep] {
				return nil, resp.TokensUsed, NewError(ErrorKindCode, CodePlanInvalid,
					fmt.Sprintf("replacement node %s depends on superseded node %s", node.ID, dep), nil)
			}
		}
		next = append(next, node)
	}

	newPlan, ferr := p.finalize(ctx, plan.Goal, next, c)
	if ferr != nil {
		return nil, resp.TokensUsed, ferr
	}
	p.logger.Info().Str("plan", plan.ID).Str("failed_node", failedNode).
		Str("new_plan", newPlan.ID).Int("replacement_nodes", len(replacement)).
		Msg("plan superseded")
	return newPlan, resp.TokensUsed, nil
}

// finalize validates nodes, inserts approval gates, merges budgets,
// builds the graph, and seals the plan with its hash.
func (p *Planner) finalize(ctx context.Context, goal string, nodes []NodeSpec, c Constraints) (*Plan, error) {
	if len(nodes) == 0 {
		return nil, NewError(ErrorKindCode, CodePlanInvalid, "plan has no nodes", nil)
	}

	nodes = insertApprovalGates(nodes)

	if c.MaxNodes > 0 && len(nodes) > c.MaxNodes {
		return nil, NewError(ErrorKindCode, CodePlanInvalid,
			fmt.Sprintf("plan has %d nodes, constraint allows %d", len(nodes), c.MaxNodes), nil)
	}

	disallowed := make(map[string]bool, len(c.DisallowedTools))
	for _, t := range c.DisallowedTools {
		disallowed[t] = true
	}

	for i := range nodes {
		node := &nodes[i]
		if node.ID == "" {
			return nil, NewError(ErrorKindCode, CodePlanInvalid, "node with empty id", nil)
		}
		if node.Approval {
			continue
		}
		if !p.engines[node.Unit.Engine] {
			return nil, NewError(ErrorKindCode, CodePlanInvalid,
				fmt.Sprintf("node %s requests unregistered engine %q", node.ID, node.Unit.Engine), nil)
		}
		if len(node.Unit.Code) == 0 {
			return nil, NewError(ErrorKindCode, CodePlanInvalid,
				fmt.Sprintf("node %s has no code payload", node.ID), nil)
		}
		for _, tool := range node.Unit.AllowedTools {
			if disallowed[tool] {
				return nil, NewError(ErrorKindCode, CodePlanInvalid,
					fmt.Sprintf("node %s uses disallowed tool %s", node.ID, tool), nil)
			}
			if p.gate != nil {
				d := p.gate.CheckCapability(ctx, policy.Request{
					Tool:   policy.ToolURI(tool),
					NodeID: node.ID,
					Write:  node.Mutating,
				})
				if !d.Allowed {
					return nil, NewError(ErrorKindCode, CodePlanInvalid,
						fmt.Sprintf("node %s tool %s infeasible: %s", node.ID, tool, d.Reason), nil)
				}
			}
		}
		node.Unit.Budget = node.Unit.Budget.Merge(c.NodeDefaults)
	}

	graph, err := NewDAGBuilder().BuildGraph(liveNodes(nodes))
	if err != nil {
		return nil, NewError(ErrorKindCode, CodePlanInvalid, err.Error(), err)
	}

	hash, err := ComputeHash(nodes)
	if err != nil {
		return nil, NewError(ErrorKindCode, CodePlanInvalid, "hash plan", err)
	}

	return &Plan{
		ID:        uuid.New().String(),
		Goal:      goal,
		Nodes:     nodes,
		Graph:     graph,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// draft asks the completer for a plan and parses it.
func (p *Planner) draft(ctx context.Context, goal string, c Constraints) ([]NodeSpec, int64, error) {
	resp, err := p.completer.Complete(ctx, llm.Request{
		System: plannerSystemPrompt,
		Prompt: draftPrompt(goal, c),
	})
	if err != nil {
		return nil, 0, NewError(ErrorKindCode, CodePlanInvalid, "plan draft failed", err)
	}
	nodes, perr := parseDraft(resp.Text)
	if perr != nil {
		return nil, resp.TokensUsed, NewError(ErrorKindCode, CodePlanInvalid,
			"plan draft unparsable: "+perr.Error(), perr)
	}
	return nodes, resp.TokensUsed, nil
}

const plannerSystemPrompt = `You produce execution plans as JSON arrays of nodes.
Each node: {"id", "depends_on", "unit", "idempotent", "mutating"}.
Each unit: {"engine", "code", "params", "allowed_tools"} with code base64-encoded.
Engines: "starlark", "wasm". Output only JSON.`

func draftPrompt(goal string, c Constraints) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	if c.MaxNodes > 0 {
		fmt.Fprintf(&b, "At most %d nodes including approval gates.\n", c.MaxNodes)
	}
	if len(c.DisallowedTools) > 0 {
		fmt.Fprintf(&b, "Never use tools: %s\n", strings.Join(c.DisallowedTools, ", "))
	}
	return b.String()
}

func replanPrompt(plan *Plan, failedNode string, failure *Error, superseded map[string]bool, c Constraints) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", plan.Goal)
	fmt.Fprintf(&b, "Node %s failed: %s/%s %s\n", failedNode, failure.Kind, failure.Code, failure.Message)
	fmt.Fprintf(&b, "Produce a replacement subgraph for the failed node and its dependents.\n")
	fmt.Fprintf(&b, "These node ids are superseded and unavailable as dependencies: %s\n",
		strings.Join(sortedKeys(superseded), ", "))
	return b.String()
}

// parseDraft decodes a model draft, tolerating markdown code fences.
func parseDraft(text string) ([]NodeSpec, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	var nodes []NodeSpec
	if err := json.Unmarshal([]byte(trimmed), &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// insertApprovalGates puts an approval node in front of every mutating
// node that does not already have one.
func insertApprovalGates(nodes []NodeSpec) []NodeSpec {
	byID := make(map[string]*NodeSpec, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}

	out := make([]NodeSpec, 0, len(nodes))
	for i := range nodes {
		node := nodes[i]
		if node.Mutating && !node.Approval && !hasApprovalDep(&node, byID) {
			gate := NodeSpec{
				ID:        "approve-" + node.ID,
				DependsOn: node.DependsOn,
				Approval:  true,
			}
			node.DependsOn = []string{gate.ID}
			out = append(out, gate)
		}
		out = append(out, node)
	}
	return out
}

func hasApprovalDep(node *NodeSpec, byID map[string]*NodeSpec) bool {
	for _, dep := range node.DependsOn {
		if d, ok := byID[dep]; ok && d.Approval {
			return true
		}
	}
	return false
}

// dependentClosure returns the failed node plus every transitive
// dependent that is not already superseded.
func dependentClosure(plan *Plan, rootID string) map[string]bool {
	dependents := make(map[string][]string)
	for _, node := range plan.Nodes {
		for _, dep := range node.DependsOn {
			dependents[dep] = append(dependents[dep], node.ID)
		}
	}
	closure := map[string]bool{rootID: true}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[id] {
			if !closure[dep] {
				closure[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	// Already-superseded nodes stay as they are.
	for _, node := range plan.Nodes {
		if node.SupersededBy != "" {
			delete(closure, node.ID)
		}
	}
	return closure
}

// liveNodes filters out superseded nodes; only live nodes participate
// in the execution graph.
func liveNodes(nodes []NodeSpec) []NodeSpec {
	out := make([]NodeSpec, 0, len(nodes))
	for _, node := range nodes {
		if node.SupersededBy == "" {
			out = append(out, node)
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

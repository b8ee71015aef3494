package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/patina/patina/pkg/llm"
)

// Reducer folds node envelopes into the run's final summary. Merge
// order is deterministic: topological level first, ascending node id
// within a level, so the same results always reduce to the same text.
type Reducer struct {
	// SummaryBudget caps the reduced summary in characters. Zero
	// means DefaultSummaryBudget.
	SummaryBudget int

	// Polisher optionally rewrites the reduced summary into prose.
	// Nil keeps the deterministic line format; runs that must reduce
	// byte-identically leave it unset.
	Polisher llm.Completer
}

// DefaultSummaryBudget caps the reduced summary when unset.
const DefaultSummaryBudget = 4000

// Reduce fills the summary's text, artifacts, and state from the
// recorded node results. Skipped and failed nodes contribute their
// status, not content.
func (r *Reducer) Reduce(plan *Plan, results map[string]*NodeResult, summary *RunSummary) {
	budget := r.SummaryBudget
	if budget <= 0 {
		budget = DefaultSummaryBudget
	}

	order := reduceOrder(plan)

	var (
		lines     []string
		artifacts []ArtifactHandle
		state     = make(map[string]any)
		truncated int
	)
	used := 0
	for _, id := range order {
		result, ok := results[id]
		if !ok {
			continue
		}
		node := plan.Node(id)
		if node != nil && node.Approval {
			continue
		}

		line := reduceLine(id, result)
		if line != "" {
			if used+len(line)+1 > budget {
				truncated++
			} else {
				lines = append(lines, line)
				used += len(line) + 1
			}
		}

		if result.Envelope != nil {
			artifacts = append(artifacts, result.Envelope.Artifacts...)
			for key, value := range result.Envelope.StateUpdates {
				state["nodes."+id+"."+key] = value
			}
		}
	}

	if truncated > 0 {
		lines = append(lines, fmt.Sprintf("+%d more", truncated))
	}
	summary.Summary = strings.Join(lines, "\n")
	summary.Artifacts = artifacts
	if len(state) > 0 {
		summary.State = state
	}
}

// Polish rewrites the reduced summary through the configured completer
// and returns the tokens spent. A missing polisher or a completion
// failure keeps the deterministic text untouched.
func (r *Reducer) Polish(ctx context.Context, summary *RunSummary) int64 {
	if r.Polisher == nil || summary.Summary == "" {
		return 0
	}
	budget := r.SummaryBudget
	if budget <= 0 {
		budget = DefaultSummaryBudget
	}
	resp, err := r.Polisher.Complete(ctx, llm.Request{
		System: polishSystemPrompt,
		Prompt: summary.Summary,
	})
	if err != nil || resp.Text == "" {
		return 0
	}
	text := strings.TrimSpace(resp.Text)
	if len(text) > budget {
		text = text[:budget]
	}
	summary.Summary = text
	return resp.TokensUsed
}

const polishSystemPrompt = "Rewrite the following per-node run report " +
	"as a short prose summary for an operator. Keep every node outcome " +
	"and every failure code. Do not invent results."

func reduceLine(id string, result *NodeResult) string {
	switch result.Status {
	case NodeStatusSucceeded:
		if result.Envelope == nil || result.Envelope.Summary == "" {
			return id + ": done"
		}
		return id + ": " + result.Envelope.Summary
	case NodeStatusFailed:
		if result.Error != nil {
			return fmt.Sprintf("%s: failed (%s/%s)", id, result.Error.Kind, result.Error.Code)
		}
		return id + ": failed"
	case NodeStatusSkipped:
		return id + ": skipped"
	default:
		return ""
	}
}

// reduceOrder returns live node ids sorted by topological level, then
// id. Nodes missing from the graph sort last, by id.
func reduceOrder(plan *Plan) []string {
	type entry struct {
		id    string
		level int
	}
	var entries []entry
	for _, node := range plan.Nodes {
		if node.SupersededBy != "" {
			continue
		}
		level := int(^uint(0) >> 1)
		if plan.Graph != nil {
			if gn, ok := plan.Graph.Nodes[node.ID]; ok {
				level = gn.Level
			}
		}
		entries = append(entries, entry{node.ID, level})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].level != entries[j].level {
			return entries[i].level < entries[j].level
		}
		return entries[i].id < entries[j].id
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

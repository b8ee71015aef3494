package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/patina/patina/pkg/llm"
)

func reducePlan(t *testing.T, nodes []NodeSpec) *Plan {
	t.Helper()
	graph, err := NewDAGBuilder().BuildGraph(nodes)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	hash, err := ComputeHash(nodes)
	if err != nil {
		t.Fatalf("ComputeHash() error = %v", err)
	}
	return &Plan{ID: "p1", Nodes: nodes, Graph: graph, Hash: hash}
}

func TestReduceOrderIsLevelThenID(t *testing.T) {
	// b and c share a level; a precedes, d follows.
	nodes := specs("a", "c", "b", "d")
	nodes = withDeps(nodes, "b", "a")
	nodes = withDeps(nodes, "c", "a")
	nodes = withDeps(nodes, "d", "b", "c")
	plan := reducePlan(t, nodes)

	results := map[string]*NodeResult{
		"a": succeededResult("a", nil),
		"b": succeededResult("b", nil),
		"c": succeededResult("c", nil),
		"d": succeededResult("d", nil),
	}

	var summary RunSummary
	(&Reducer{}).Reduce(plan, results, &summary)

	lines := strings.Split(summary.Summary, "\n")
	want := []string{"a: a done", "b: b done", "c: c done", "d: d done"}
	if len(lines) != len(want) {
		t.Fatalf("len(lines) = %d, want %d: %q", len(lines), len(want), summary.Summary)
	}
	for i, line := range lines {
		if line != want[i] {
			t.Errorf("line %d = %q, want %q", i, line, want[i])
		}
	}
}

func TestReduceStatusLines(t *testing.T) {
	nodes := specs("ok", "bad", "skip")
	plan := reducePlan(t, nodes)

	results := map[string]*NodeResult{
		"ok": succeededResult("ok", nil),
		"bad": {
			NodeID: "bad",
			Status: NodeStatusFailed,
			Error:  NewError(ErrorKindBudget, CodeCPULimit, "cpu ceiling hit", nil),
		},
		"skip": {NodeID: "skip", Status: NodeStatusSkipped},
	}

	var summary RunSummary
	(&Reducer{}).Reduce(plan, results, &summary)

	if !strings.Contains(summary.Summary, "bad: failed (BUDGET/CPU_LIMIT)") {
		t.Errorf("missing failure line: %q", summary.Summary)
	}
	if !strings.Contains(summary.Summary, "skip: skipped") {
		t.Errorf("missing skip line: %q", summary.Summary)
	}
}

func TestReduceTruncation(t *testing.T) {
	nodes := specs("a", "b", "c")
	plan := reducePlan(t, nodes)

	long := strings.Repeat("x", 40)
	results := map[string]*NodeResult{
		"a": {NodeID: "a", Status: NodeStatusSucceeded, Envelope: &ResultEnvelope{Summary: long}},
		"b": {NodeID: "b", Status: NodeStatusSucceeded, Envelope: &ResultEnvelope{Summary: long}},
		"c": {NodeID: "c", Status: NodeStatusSucceeded, Envelope: &ResultEnvelope{Summary: long}},
	}

	var summary RunSummary
	(&Reducer{SummaryBudget: 50}).Reduce(plan, results, &summary)

	if !strings.HasSuffix(summary.Summary, "+2 more") {
		t.Errorf("Summary = %q, want +2 more suffix", summary.Summary)
	}
}

func TestReduceSkipsApprovalAndSuperseded(t *testing.T) {
	nodes := []NodeSpec{
		{ID: "approve-x", Approval: true},
		{ID: "old", SupersededBy: "new"},
		{ID: "new"},
	}
	plan := reducePlan(t, nodes)

	results := map[string]*NodeResult{
		"approve-x": succeededResult("approve-x", nil),
		"old":       succeededResult("old", nil),
		"new":       succeededResult("new", map[string]any{"k": "v"}),
	}

	var summary RunSummary
	(&Reducer{}).Reduce(plan, results, &summary)

	if strings.Contains(summary.Summary, "approve-x") {
		t.Errorf("approval node leaked into summary: %q", summary.Summary)
	}
	if strings.Contains(summary.Summary, "old:") {
		t.Errorf("superseded node leaked into summary: %q", summary.Summary)
	}
	if summary.State["nodes.new.k"] != "v" {
		t.Errorf("State = %v, missing nodes.new.k", summary.State)
	}
}

func TestReduceCollectsArtifacts(t *testing.T) {
	nodes := specs("a")
	plan := reducePlan(t, nodes)

	art := ArtifactHandle{URI: "artifact://sha256/abc", ContentType: "text/plain", Size: 3}
	results := map[string]*NodeResult{
		"a": {
			NodeID:   "a",
			Status:   NodeStatusSucceeded,
			Envelope: &ResultEnvelope{Summary: "wrote report", Artifacts: []ArtifactHandle{art}},
		},
	}

	var summary RunSummary
	(&Reducer{}).Reduce(plan, results, &summary)

	if len(summary.Artifacts) != 1 || summary.Artifacts[0].URI != art.URI {
		t.Errorf("Artifacts = %v, want [%v]", summary.Artifacts, art)
	}
}

func TestPolishRewritesSummary(t *testing.T) {
	polished := "One node ran and finished cleanly."
	r := &Reducer{Polisher: llm.NewScripted(llm.Response{Text: polished + "\n", TokensUsed: 30})}

	summary := RunSummary{Summary: "a: a done"}
	tokens := r.Polish(context.Background(), &summary)
	if tokens != 30 {
		t.Errorf("tokens = %d, want 30", tokens)
	}
	if summary.Summary != polished {
		t.Errorf("Summary = %q, want %q", summary.Summary, polished)
	}
}

func TestPolishKeepsDeterministicTextOnFailure(t *testing.T) {
	// An exhausted completer errors on the first call.
	r := &Reducer{Polisher: llm.NewScripted()}

	summary := RunSummary{Summary: "a: a done"}
	if tokens := r.Polish(context.Background(), &summary); tokens != 0 {
		t.Errorf("tokens = %d, want 0", tokens)
	}
	if summary.Summary != "a: a done" {
		t.Errorf("Summary = %q, want original text", summary.Summary)
	}
}

func TestPolishWithoutPolisherIsNoop(t *testing.T) {
	summary := RunSummary{Summary: "a: a done"}
	if tokens := (&Reducer{}).Polish(context.Background(), &summary); tokens != 0 {
		t.Errorf("tokens = %d, want 0", tokens)
	}
	if summary.Summary != "a: a done" {
		t.Errorf("Summary = %q changed", summary.Summary)
	}
}

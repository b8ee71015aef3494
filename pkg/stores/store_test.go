package stores

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/patina/patina/pkg/engine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestRun(t *testing.T, store *Store, runID string) {
	t.Helper()
	if err := store.CreateRun(context.Background(), runID, "hash-1", "test goal", time.Now()); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
}

func TestNewRequiresDataDir(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() accepted empty data directory")
	}
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1")

	running, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if running.Status != engine.RunStatusRunning {
		t.Errorf("Status = %s, want running", running.Status)
	}

	summary := &engine.RunSummary{
		RunID:       "run-1",
		PlanHash:    "hash-1",
		Status:      engine.RunStatusSucceeded,
		Summary:     "all nodes completed",
		Total:       3,
		Succeeded:   3,
		ToolCalls:   2,
		StartedAt:   time.Now().Add(-time.Minute),
		CompletedAt: time.Now(),
	}
	if err := store.CompleteRun(ctx, summary); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() after complete error = %v", err)
	}
	if got.Status != engine.RunStatusSucceeded {
		t.Errorf("Status = %s, want succeeded", got.Status)
	}
	if got.Summary != "all nodes completed" {
		t.Errorf("Summary = %q", got.Summary)
	}
	if got.Total != 3 || got.Succeeded != 3 || got.ToolCalls != 2 {
		t.Errorf("counters = %d/%d/%d, want 3/3/2", got.Total, got.Succeeded, got.ToolCalls)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCompleteRunNotFound(t *testing.T) {
	store := newTestStore(t)
	err := store.CompleteRun(context.Background(), &engine.RunSummary{
		RunID:  "missing",
		Status: engine.RunStatusFailed,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if err := store.CreateRun(ctx, id, "hash", "goal", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("CreateRun(%s) error = %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListRuns() returned %d runs, want 2", len(runs))
	}
	if runs[0].RunID != "run-c" || runs[1].RunID != "run-b" {
		t.Errorf("order = %s, %s, want run-c, run-b", runs[0].RunID, runs[1].RunID)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	plan := &engine.Plan{
		ID:   "plan-1",
		Goal: "fetch and report",
		Nodes: []engine.NodeSpec{
			{ID: "fetch", Unit: engine.ExecutionUnit{Engine: "starlark", Code: []byte("x = 1")}, Idempotent: true},
		},
		Hash:      "abc123",
		CreatedAt: time.Now(),
	}
	if err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("SavePlan() error = %v", err)
	}
	// Immutable: a second save of the same hash is accepted silently.
	if err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("SavePlan() resave error = %v", err)
	}

	got, err := store.GetPlan(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if got.ID != "plan-1" || got.Goal != "fetch and report" {
		t.Errorf("plan = %s %q", got.ID, got.Goal)
	}
	if len(got.Nodes) != 1 || got.Nodes[0].ID != "fetch" {
		t.Errorf("nodes = %+v", got.Nodes)
	}

	if _, err := store.GetPlan(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPlan(missing) error = %v, want ErrNotFound", err)
	}
}

func TestNodeResultUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1")

	first := &engine.NodeResult{
		NodeID:      "fetch",
		Status:      engine.NodeStatusFailed,
		Error:       engine.NewError(engine.ErrorKindTool, engine.CodeToolTimeout, "tool timed out", nil),
		Attempts:    1,
		StartedAt:   time.Now().Add(-time.Second),
		CompletedAt: time.Now(),
	}
	if err := store.SaveNodeResult(ctx, "run-1", first); err != nil {
		t.Fatalf("SaveNodeResult() error = %v", err)
	}

	second := &engine.NodeResult{
		NodeID: "fetch",
		Status: engine.NodeStatusSucceeded,
		Envelope: &engine.ResultEnvelope{
			Summary:      "fetched 10 rows",
			StateUpdates: map[string]any{"rows": float64(10)},
		},
		Attempts:    2,
		StartedAt:   first.StartedAt,
		CompletedAt: time.Now(),
	}
	if err := store.SaveNodeResult(ctx, "run-1", second); err != nil {
		t.Fatalf("SaveNodeResult() upsert error = %v", err)
	}

	results, err := store.ListNodeResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListNodeResults() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("ListNodeResults() returned %d results, want 1", len(results))
	}
	got := results[0]
	if got.Status != engine.NodeStatusSucceeded || got.Attempts != 2 {
		t.Errorf("result = %s attempts %d, want succeeded 2", got.Status, got.Attempts)
	}
	if got.Envelope == nil || got.Envelope.Summary != "fetched 10 rows" {
		t.Errorf("envelope = %+v", got.Envelope)
	}
	if got.Error != nil {
		t.Errorf("Error = %v, want nil after upsert", got.Error)
	}
}

func TestListNodeResultsOrderedAndTyped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1")

	now := time.Now()
	for _, r := range []*engine.NodeResult{
		{NodeID: "c", Status: engine.NodeStatusSkipped, StartedAt: now, CompletedAt: now},
		{NodeID: "a", Status: engine.NodeStatusSucceeded, StartedAt: now, CompletedAt: now},
		{
			NodeID: "b", Status: engine.NodeStatusFailed,
			Error:       engine.NewError(engine.ErrorKindBudget, engine.CodeCPULimit, "cpu exhausted", nil),
			StartedAt:   now, CompletedAt: now,
		},
	} {
		if err := store.SaveNodeResult(ctx, "run-1", r); err != nil {
			t.Fatalf("SaveNodeResult(%s) error = %v", r.NodeID, err)
		}
	}

	results, err := store.ListNodeResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListNodeResults() error = %v", err)
	}
	var ids []string
	for _, r := range results {
		ids = append(ids, r.NodeID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("order = %v, want [a b c]", ids)
	}
	if results[1].Error == nil || results[1].Error.Code != engine.CodeCPULimit {
		t.Errorf("b error = %v, want CPU_LIMIT", results[1].Error)
	}
}

func TestEventTrace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1")

	events := []*RunEvent{
		{RunID: "run-1", Kind: EventRunStarted},
		{RunID: "run-1", NodeID: "fetch", Kind: EventNodeCompleted, Detail: map[string]any{"status": "succeeded"}},
		{RunID: "run-1", Kind: EventRunCompleted},
	}
	for _, ev := range events {
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent(%s) error = %v", ev.Kind, err)
		}
	}

	got, err := store.ListEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListEvents() returned %d events, want 3", len(got))
	}
	if got[0].Kind != EventRunStarted || got[2].Kind != EventRunCompleted {
		t.Errorf("event order = %s .. %s", got[0].Kind, got[2].Kind)
	}
	if got[1].NodeID != "fetch" || got[1].Detail["status"] != "succeeded" {
		t.Errorf("node event = %+v", got[1])
	}
}

func TestResultCache(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetResult(ctx, "key-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetResult(empty) error = %v, want ErrNotFound", err)
	}

	envelope := &engine.ResultEnvelope{
		Summary:      "computed",
		StateUpdates: map[string]any{"total": float64(7)},
	}
	if err := store.PutResult(ctx, "key-1", "plan-a", "node-1", envelope); err != nil {
		t.Fatalf("PutResult() error = %v", err)
	}
	if err := store.PutResult(ctx, "key-2", "plan-b", "node-1", envelope); err != nil {
		t.Fatalf("PutResult() error = %v", err)
	}

	got, err := store.GetResult(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}
	if got.Summary != "computed" || got.StateUpdates["total"] != float64(7) {
		t.Errorf("cached envelope = %+v", got)
	}

	if err := store.InvalidatePlan(ctx, "plan-a"); err != nil {
		t.Fatalf("InvalidatePlan() error = %v", err)
	}
	if _, err := store.GetResult(ctx, "key-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetResult(key-1) after invalidation error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetResult(ctx, "key-2"); err != nil {
		t.Errorf("GetResult(key-2) error = %v, other plans must be untouched", err)
	}
}

func TestSchemaCache(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetSchema(ctx, "db@v1/db.query"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSchema(empty) error = %v, want ErrNotFound", err)
	}
	schema := json.RawMessage(`{"type":"object","required":["table"]}`)
	if err := store.PutSchema(ctx, "db@v1/db.query", schema); err != nil {
		t.Fatalf("PutSchema() error = %v", err)
	}
	got, err := store.GetSchema(ctx, "db@v1/db.query")
	if err != nil {
		t.Fatalf("GetSchema() error = %v", err)
	}
	if string(got) != string(schema) {
		t.Errorf("GetSchema() = %s", got)
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	body := []byte("report body, line one\nline two\n")

	handle, err := store.PutArtifact(ctx, "text/plain", body)
	if err != nil {
		t.Fatalf("PutArtifact() error = %v", err)
	}
	if handle.Size != int64(len(body)) || handle.ContentType != "text/plain" {
		t.Errorf("handle = %+v", handle)
	}

	// Content addressing: same bytes yield the same handle.
	again, err := store.PutArtifact(ctx, "text/plain", body)
	if err != nil {
		t.Fatalf("PutArtifact() resave error = %v", err)
	}
	if again.URI != handle.URI {
		t.Errorf("URIs differ: %s vs %s", again.URI, handle.URI)
	}

	got, err := store.GetArtifact(ctx, handle.URI)
	if err != nil {
		t.Fatalf("GetArtifact() error = %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("GetArtifact() = %q", got)
	}

	stat, err := store.StatArtifact(ctx, handle.URI)
	if err != nil {
		t.Fatalf("StatArtifact() error = %v", err)
	}
	if stat.Size != int64(len(body)) {
		t.Errorf("Stat size = %d, want %d", stat.Size, len(body))
	}
}

func TestArtifactInvalidURI(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, uri := range []string{
		"artifact://sha256/short",
		"https://example.com/thing",
		"",
	} {
		if _, err := store.GetArtifact(ctx, uri); err == nil {
			t.Errorf("GetArtifact(%q) accepted an invalid uri", uri)
		}
	}

	missing := "artifact://sha256/" + "0000000000000000000000000000000000000000000000000000000000000000"
	if _, err := store.GetArtifact(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetArtifact(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := store.StatArtifact(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("StatArtifact(missing) error = %v, want ErrNotFound", err)
	}
}

func TestAppendEventRequiresRun(t *testing.T) {
	store := newTestStore(t)

	err := store.AppendEvent(context.Background(), &RunEvent{
		RunID: "missing-run",
		Kind:  EventPlanCreated,
	})
	if err == nil {
		t.Fatal("AppendEvent() for an absent run = nil, want foreign key error")
	}
}

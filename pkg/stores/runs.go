package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patina/patina/pkg/engine"
)

// RunEvent is one entry of the append-only run trace.
type RunEvent struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	NodeID    string         `json:"node_id,omitempty"`
	Kind      string         `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Event kinds recorded in the run trace.
const (
	EventRunStarted    = "run_started"
	EventRunCompleted  = "run_completed"
	EventPlanCreated   = "plan_created"
	EventReplan        = "replan"
	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeRetried   = "node_retried"
	EventNodeSkipped   = "node_skipped"
	EventCacheHit      = "cache_hit"
	EventPolicyDenied  = "policy_denied"
	EventApproval      = "approval"
	EventToolCall      = "tool_call"
	EventOutputSpilled = "output_spilled"
)

// CreateRun inserts a new run record.
func (s *Store) CreateRun(ctx context.Context, runID, planHash, goal string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, plan_hash, goal, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, planHash, goal, string(engine.RunStatusRunning), startedAt.UTC())
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// CompleteRun records a run's terminal summary.
func (s *Store) CompleteRun(ctx context.Context, summary *engine.RunSummary) error {
	detail, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, summary = ?, detail = ?, completed_at = ?
		WHERE id = ?`,
		string(summary.Status), summary.Summary, string(detail),
		summary.CompletedAt.UTC(), summary.RunID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun returns a run's persisted summary.
func (s *Store) GetRun(ctx context.Context, runID string) (*engine.RunSummary, error) {
	var (
		detail string
		status string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT status, detail FROM runs WHERE id = ?", runID).Scan(&status, &detail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	var summary engine.RunSummary
	if detail != "" && detail != "{}" {
		if err := json.Unmarshal([]byte(detail), &summary); err != nil {
			return nil, fmt.Errorf("decode run summary: %w", err)
		}
	}
	summary.RunID = runID
	summary.Status = engine.RunStatus(status)
	return &summary, nil
}

// ListRuns returns recent run summaries, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*engine.RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, status, detail FROM runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*engine.RunSummary
	for rows.Next() {
		var id, status, detail string
		if err := rows.Scan(&id, &status, &detail); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var summary engine.RunSummary
		if detail != "" && detail != "{}" {
			if err := json.Unmarshal([]byte(detail), &summary); err != nil {
				return nil, fmt.Errorf("decode run summary: %w", err)
			}
		}
		summary.RunID = id
		summary.Status = engine.RunStatus(status)
		out = append(out, &summary)
	}
	return out, rows.Err()
}

// SavePlan stores a plan body under its hash. Plans are immutable;
// re-saving the same hash is a no-op.
func (s *Store) SavePlan(ctx context.Context, plan *engine.Plan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (hash, body, created_at) VALUES (?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`,
		plan.Hash, string(body), plan.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}

// GetPlan loads a plan by hash.
func (s *Store) GetPlan(ctx context.Context, hash string) (*engine.Plan, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		"SELECT body FROM plans WHERE hash = ?", hash).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query plan: %w", err)
	}
	var plan engine.Plan
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &plan, nil
}

// SaveNodeResult records one node's terminal result for a run.
func (s *Store) SaveNodeResult(ctx context.Context, runID string, result *engine.NodeResult) error {
	var envelope, errJSON sql.NullString
	if result.Envelope != nil {
		raw, err := json.Marshal(result.Envelope)
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}
		envelope = sql.NullString{String: string(raw), Valid: true}
	}
	if result.Error != nil {
		raw, err := json.Marshal(result.Error)
		if err != nil {
			return fmt.Errorf("encode error: %w", err)
		}
		errJSON = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_results (run_id, node_id, status, attempts, cache_hit, envelope, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, node_id) DO UPDATE SET
			status = excluded.status, attempts = excluded.attempts,
			cache_hit = excluded.cache_hit, envelope = excluded.envelope,
			error = excluded.error, completed_at = excluded.completed_at`,
		runID, result.NodeID, string(result.Status), result.Attempts,
		boolToInt(result.CacheHit), envelope, errJSON,
		result.StartedAt.UTC(), result.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("save node result: %w", err)
	}
	return nil
}

// ListNodeResults returns all node results for a run, by node id.
func (s *Store) ListNodeResults(ctx context.Context, runID string) ([]*engine.NodeResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, status, attempts, cache_hit, envelope, error, started_at, completed_at
		FROM node_results WHERE run_id = ? ORDER BY node_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list node results: %w", err)
	}
	defer rows.Close()

	var out []*engine.NodeResult
	for rows.Next() {
		var (
			result            engine.NodeResult
			status            string
			cacheHit          int
			envelope, errJSON sql.NullString
		)
		if err := rows.Scan(&result.NodeID, &status, &result.Attempts, &cacheHit,
			&envelope, &errJSON, &result.StartedAt, &result.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan node result: %w", err)
		}
		result.Status = engine.NodeStatus(status)
		result.CacheHit = cacheHit != 0
		if envelope.Valid {
			var env engine.ResultEnvelope
			if err := json.Unmarshal([]byte(envelope.String), &env); err != nil {
				return nil, fmt.Errorf("decode envelope: %w", err)
			}
			result.Envelope = &env
		}
		if errJSON.Valid {
			var e engine.Error
			if err := json.Unmarshal([]byte(errJSON.String), &e); err != nil {
				return nil, fmt.Errorf("decode error: %w", err)
			}
			result.Error = &e
		}
		out = append(out, &result)
	}
	return out, rows.Err()
}

// AppendEvent adds one entry to the run trace.
func (s *Store) AppendEvent(ctx context.Context, event *RunEvent) error {
	detail := "{}"
	if event.Detail != nil {
		raw, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("encode event detail: %w", err)
		}
		detail = string(raw)
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, node_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.RunID, event.NodeID, event.Kind, detail, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns a run's trace in append order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, node_id, kind, detail, created_at
		FROM run_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*RunEvent
	for rows.Next() {
		var (
			event  RunEvent
			nodeID sql.NullString
			detail string
		)
		if err := rows.Scan(&event.ID, &event.RunID, &nodeID, &event.Kind, &detail, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.NodeID = nodeID.String
		if detail != "" && detail != "{}" {
			if err := json.Unmarshal([]byte(detail), &event.Detail); err != nil {
				return nil, fmt.Errorf("decode event detail: %w", err)
			}
		}
		out = append(out, &event)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

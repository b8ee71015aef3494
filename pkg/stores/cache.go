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

// GetResult returns the cached envelope for key, or ErrNotFound.
func (s *Store) GetResult(ctx context.Context, key string) (*engine.ResultEnvelope, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT envelope FROM result_cache WHERE cache_key = ?", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query result cache: %w", err)
	}
	var envelope engine.ResultEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("decode cached envelope: %w", err)
	}
	return &envelope, nil
}

// PutResult stores an envelope under key. Concurrent writers of the
// same key race benignly: identical inputs produce identical
// envelopes, so last writer wins.
func (s *Store) PutResult(ctx context.Context, key, planHash, nodeID string, envelope *engine.ResultEnvelope) error {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO result_cache (cache_key, plan_hash, node_id, envelope, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET envelope = excluded.envelope, created_at = excluded.created_at`,
		key, planHash, nodeID, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store cached envelope: %w", err)
	}
	return nil
}

// InvalidatePlan drops all cached results for one plan hash.
func (s *Store) InvalidatePlan(ctx context.Context, planHash string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM result_cache WHERE plan_hash = ?", planHash)
	if err != nil {
		return fmt.Errorf("invalidate plan cache: %w", err)
	}
	return nil
}

// GetSchema returns a cached tool schema for key (server@version/tool),
// or ErrNotFound.
func (s *Store) GetSchema(ctx context.Context, key string) (json.RawMessage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT schema FROM schema_cache WHERE cache_key = ?", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query schema cache: %w", err)
	}
	return json.RawMessage(raw), nil
}

// PutSchema stores a tool schema snapshot.
func (s *Store) PutSchema(ctx context.Context, key string, schema json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schema_cache (cache_key, schema, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET schema = excluded.schema, created_at = excluded.created_at`,
		key, string(schema), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store schema: %w", err)
	}
	return nil
}

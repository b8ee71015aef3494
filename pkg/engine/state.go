package engine

import (
	"fmt"
	"strings"
	"sync"
)

// RunState is the shared state of one run. Only the executor mutates
// it, and only on node completion; units observe state exclusively
// through resolved params, so concurrent units can never race on it.
type RunState struct {
	mu      sync.RWMutex
	values  map[string]map[string]any // node id -> state updates
	results map[string]*NodeResult
}

// NewRunState creates an empty run state.
func NewRunState() *RunState {
	return &RunState{
		values:  make(map[string]map[string]any),
		results: make(map[string]*NodeResult),
	}
}

// ApplyResult records a node's terminal result and merges its state
// updates.
func (s *RunState) ApplyResult(result *NodeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.NodeID] = result
	if result.Envelope != nil && len(result.Envelope.StateUpdates) > 0 {
		updates, ok := s.values[result.NodeID]
		if !ok {
			updates = make(map[string]any, len(result.Envelope.StateUpdates))
			s.values[result.NodeID] = updates
		}
		for k, v := range result.Envelope.StateUpdates {
			updates[k] = v
		}
	}
}

// Result returns a node's terminal result, or nil.
func (s *RunState) Result(nodeID string) *NodeResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results[nodeID]
}

// Results returns a copy of all recorded results.
func (s *RunState) Results() map[string]*NodeResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*NodeResult, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

// Value returns one state key produced by a node.
func (s *RunState) Value(nodeID, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	updates, ok := s.values[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := updates[key]
	return v, ok
}

// Snapshot returns a deep-enough copy of all state values keyed
// "nodes.<id>.<key>".
func (s *RunState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any)
	for nodeID, updates := range s.values {
		for key, v := range updates {
			out["nodes."+nodeID+"."+key] = v
		}
	}
	return out
}

// stateRefPrefix marks a param value resolved from run state.
const stateRefPrefix = "$nodes."

// ResolveParams substitutes "$nodes.<id>.<key>" references in params
// with values from run state. Unresolvable references are an error:
// the planner guarantees the producing node is a dependency, so a miss
// means the plan or a re-plan is inconsistent.
func (s *RunState) ResolveParams(params map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for key, value := range params {
		resolved, err := s.resolveValue(value)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", key, err)
		}
		out[key] = resolved
	}
	return out, nil
}

func (s *RunState) resolveValue(value any) (any, error) {
	switch v := value.(type) {
	case string:
		if !strings.HasPrefix(v, stateRefPrefix) {
			return v, nil
		}
		rest := strings.TrimPrefix(v, stateRefPrefix)
		idx := strings.IndexByte(rest, '.')
		if idx <= 0 || idx == len(rest)-1 {
			return nil, fmt.Errorf("malformed state reference %q", v)
		}
		nodeID, key := rest[:idx], rest[idx+1:]
		resolved, ok := s.Value(nodeID, key)
		if !ok {
			return nil, fmt.Errorf("state reference %q has no value", v)
		}
		return resolved, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := s.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := s.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ApprovalBroker is an Approver that parks approval gates until an
// operator resolves them. It backs surfaces with no terminal attached:
// the gate blocks inside the executor while the pending entry is
// visible to status queries, and Resolve releases it.
type ApprovalBroker struct {
	mu      sync.Mutex
	pending map[string]chan bool // runID/nodeID
}

// NewApprovalBroker creates an empty broker.
func NewApprovalBroker() *ApprovalBroker {
	return &ApprovalBroker{pending: make(map[string]chan bool)}
}

// Approve implements Approver. It blocks until Resolve is called for
// this gate or the run context ends; an unresolved gate denies.
func (b *ApprovalBroker) Approve(ctx context.Context, runID string, node *NodeSpec) (bool, error) {
	key := runID + "/" + node.ID
	ch := make(chan bool, 1)

	b.mu.Lock()
	if _, exists := b.pending[key]; exists {
		b.mu.Unlock()
		return false, fmt.Errorf("approval for %s already pending", key)
	}
	b.pending[key] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
	}()

	select {
	case approved := <-ch:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Pending returns the node ids of a run's gates awaiting a decision,
// sorted ascending.
func (b *ApprovalBroker) Pending(runID string) []string {
	prefix := runID + "/"
	b.mu.Lock()
	var nodes []string
	for key := range b.pending {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			nodes = append(nodes, key[len(prefix):])
		}
	}
	b.mu.Unlock()
	sort.Strings(nodes)
	return nodes
}

// Resolve releases one pending gate with the operator's decision.
func (b *ApprovalBroker) Resolve(runID, nodeID string, approved bool) error {
	key := runID + "/" + nodeID
	b.mu.Lock()
	ch, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval for %s", key)
	}
	ch <- approved
	return nil
}

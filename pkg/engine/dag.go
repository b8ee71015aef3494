package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder builds the execution graph from plan nodes. It validates
// dependencies, detects cycles, and assigns topological levels so that
// independent branches can run concurrently.
type DAGBuilder struct {
	// nodes maps node IDs to their specs
	nodes map[string]*NodeSpec

	// adjacency maps node IDs to their dependents
	adjacency map[string][]string

	// reverseAdjacency maps node IDs to their dependencies
	reverseAdjacency map[string][]string

	// inDegree tracks incoming edge counts
	inDegree map[string]int

	// levels maps execution level to node IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		nodes:            make(map[string]*NodeSpec),
		adjacency:        make(map[string][]string),
		reverseAdjacency: make(map[string][]string),
		inDegree:         make(map[string]int),
		levels:           make([][]string, 0),
	}
}

// BuildGraph constructs an execution graph from plan nodes.
func (b *DAGBuilder) BuildGraph(nodes []NodeSpec) (*ExecutionGraph, error) {
	if len(nodes) == 0 {
		return &ExecutionGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
			Depth: 0,
		}, nil
	}

	if err := b.initialize(nodes); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

// initialize sets up internal structures from plan nodes.
func (b *DAGBuilder) initialize(nodes []NodeSpec) error {
	for i := range nodes {
		node := &nodes[i]
		if node.ID == "" {
			return NewError(ErrorKindCode, CodePlanInvalid, "plan node has empty id", nil)
		}
		if _, exists := b.nodes[node.ID]; exists {
			return NewError(ErrorKindCode, CodePlanInvalid,
				fmt.Sprintf("duplicate plan node id: %s", node.ID), nil)
		}
		b.nodes[node.ID] = node
		b.adjacency[node.ID] = make([]string, 0)
		b.reverseAdjacency[node.ID] = make([]string, 0)
		b.inDegree[node.ID] = 0
	}

	for _, node := range b.nodes {
		for _, dep := range node.DependsOn {
			if _, exists := b.nodes[dep]; !exists {
				return NewError(ErrorKindCode, CodePlanInvalid,
					fmt.Sprintf("node %s depends on non-existent node %s", node.ID, dep), nil).
					WithNode(node.ID)
			}
			b.adjacency[dep] = append(b.adjacency[dep], node.ID)
			b.reverseAdjacency[node.ID] = append(b.reverseAdjacency[node.ID], dep)
			b.inDegree[node.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to reject circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	// Iterate in sorted order so a cycle error names the same path on
	// every invocation.
	ids := make([]string, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if !visited[id] {
			if cycle, err := b.detectCyclesUtil(id, visited, recStack, path); err != nil {
				return NewError(ErrorKindCode, CodePlanInvalid,
					fmt.Sprintf("circular dependency: %s", strings.Join(cycle, " -> ")), err)
			}
		}
	}
	return nil
}

func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) ([]string, error) {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacency[nodeID] {
		if !visited[dependent] {
			if cycle, err := b.detectCyclesUtil(dependent, visited, recStack, path); err != nil {
				return cycle, err
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					return append(path[i:], dependent), fmt.Errorf("cycle detected")
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil, nil
}

// computeLevels runs Kahn's algorithm with level tracking. Nodes at the
// same level have no mutual dependencies.
func (b *DAGBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	current := make([]string, 0)
	for id, d := range inDegree {
		if d == 0 {
			current = append(current, id)
		}
	}
	if len(current) == 0 && len(b.nodes) > 0 {
		return NewError(ErrorKindCode, CodePlanInvalid, "no root nodes: every node has dependencies", nil)
	}

	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range b.adjacency[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	// Unreachable if cycle detection held.
	if processed != len(b.nodes) {
		return NewError(ErrorKindCode, CodeInternal, "failed to level all plan nodes", nil)
	}
	return nil
}

// buildExecutionGraph assembles the final graph structure.
func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        level,
				Dependencies: b.reverseAdjacency[id],
				Dependents:   b.adjacency[id],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}
	sort.Strings(graph.Roots)

	ids := make([]string, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, dep := range b.nodes[id].DependsOn {
			graph.Edges = append(graph.Edges, GraphEdge{From: dep, To: id})
		}
	}

	return graph
}

// Levels returns the computed execution levels.
func (b *DAGBuilder) Levels() [][]string {
	return b.levels
}

// ToDOT renders the DAG in Graphviz DOT format for plan inspection.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			node := b.nodes[id]
			label := fmt.Sprintf("%s\\n%s", id, node.Unit.Engine)
			color := "white"
			switch {
			case node.Approval:
				label = fmt.Sprintf("%s\\napproval", id)
				color = "lightyellow"
			case node.Mutating:
				color = "lightcoral"
			case len(node.Unit.AllowedTools) > 0:
				color = "lightblue"
			}
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id, label, color))
		}
		sb.WriteString("  }\n\n")
	}

	for _, ids := range b.levels {
		for _, id := range ids {
			for _, dep := range b.nodes[id].DependsOn {
				sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, id))
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

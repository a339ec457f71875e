package workflow

import (
	"errors"
	"fmt"
)

// ErrCyclicGraph indicates the step graph contains a dependency cycle. The
// workflow is rejected at load time; no node executes.
var ErrCyclicGraph = errors.New("workflow graph contains a cycle")

// Graph is the validated execution form of a workflow: explicit adjacency
// lists plus in-degree counters for incremental readiness tracking.
type Graph struct {
	order        []string
	nodes        map[string]Node
	dependents   map[string][]string
	dependencies map[string][]string
	indegree     map[string]int
}

// BuildGraph validates graph data and returns its execution form. Edges that
// reference unknown nodes and cyclic dependencies are structural errors.
func BuildGraph(gd GraphData) (*Graph, error) {
	g := &Graph{
		nodes:        make(map[string]Node, len(gd.Nodes)),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		indegree:     make(map[string]int, len(gd.Nodes)),
	}
	for _, node := range gd.Nodes {
		if node.ID == "" {
			return nil, errors.New("workflow node with empty id")
		}
		if _, ok := g.nodes[node.ID]; ok {
			return nil, fmt.Errorf("duplicate workflow node id %q", node.ID)
		}
		g.nodes[node.ID] = node
		g.order = append(g.order, node.ID)
		g.indegree[node.ID] = 0
	}
	seen := make(map[[2]string]bool, len(gd.Edges))
	for _, edge := range gd.Edges {
		if _, ok := g.nodes[edge.Source]; !ok {
			return nil, fmt.Errorf("edge %q references unknown source node %q", edge.ID, edge.Source)
		}
		if _, ok := g.nodes[edge.Target]; !ok {
			return nil, fmt.Errorf("edge %q references unknown target node %q", edge.ID, edge.Target)
		}
		if edge.Source == edge.Target {
			return nil, fmt.Errorf("%w: node %q depends on itself", ErrCyclicGraph, edge.Source)
		}
		pair := [2]string{edge.Source, edge.Target}
		if seen[pair] {
			continue
		}
		seen[pair] = true
		g.dependents[edge.Source] = append(g.dependents[edge.Source], edge.Target)
		g.dependencies[edge.Target] = append(g.dependencies[edge.Target], edge.Source)
		g.indegree[edge.Target]++
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs a topological pass; if it cannot consume every node the
// graph has a cycle.
func (g *Graph) checkAcyclic() error {
	indeg := make(map[string]int, len(g.indegree))
	for id, n := range g.indegree {
		indeg[id] = n
	}
	queue := make([]string, 0, len(indeg))
	for _, id := range g.order {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range g.dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if processed != len(g.nodes) {
		return ErrCyclicGraph
	}
	return nil
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns node ids in declaration order.
func (g *Graph) NodeIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Dependents returns the nodes directly depending on id.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Dependencies returns the nodes id directly depends on.
func (g *Graph) Dependencies(id string) []string {
	return g.dependencies[id]
}

// InDegrees returns a mutable copy of the in-degree counters.
func (g *Graph) InDegrees() map[string]int {
	out := make(map[string]int, len(g.indegree))
	for id, n := range g.indegree {
		out[id] = n
	}
	return out
}

// TransitiveDependents returns every node reachable from id along dependency
// edges, excluding id itself.
func (g *Graph) TransitiveDependents(id string) []string {
	visited := make(map[string]bool)
	var out []string
	stack := append([]string(nil), g.dependents[id]...)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[next] {
			continue
		}
		visited[next] = true
		out = append(out, next)
		stack = append(stack, g.dependents[next]...)
	}
	return out
}

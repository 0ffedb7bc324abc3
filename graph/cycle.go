package graph

import (
	"fmt"
	"strings"
)

// CycleError reports a dependency cycle. Cycles are fatal configuration
// errors: a cyclic dependency set can never converge, so the resolver must
// not become usable.
type CycleError struct {
	// Path is the cycle sequence, first node repeated at the end.
	Path []Node
	// Scope is "local" for a model-local cycle or "union" for a cycle
	// spanning relations.
	Scope string
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, n := range e.Path {
		parts[i] = n.String()
	}
	return fmt.Sprintf("%s dependency cycle: %s", e.Scope, strings.Join(parts, " -> "))
}

// DetectCycles checks the graph for dependency cycles, first per-model on
// the local subgraphs (for a precise error), then on the full union graph.
func (g *Graph) DetectCycles() error {
	if err := g.DetectLocalCycles(); err != nil {
		return err
	}
	return g.DetectUnionCycles()
}

// DetectLocalCycles checks each model's local subgraph. Local acyclicity is
// required unconditionally: the local evaluation order cannot exist without
// it.
func (g *Graph) DetectLocalCycles() error {
	for _, name := range sortedKeys(g.computed) {
		adj := g.localAdjacency(name)
		if cycle := findCycle(adj); cycle != nil {
			return &CycleError{Path: cycle, Scope: "local"}
		}
	}
	return nil
}

// DetectUnionCycles checks the merged graph of all local and inter-model
// edges for field-level dependency cycles spanning relations.
func (g *Graph) DetectUnionCycles() error {
	adj := make(map[Node][]Node)
	for _, n := range g.nodes() {
		adj[n] = g.successors(n)
	}
	if cycle := findCycle(adj); cycle != nil {
		return &CycleError{Path: cycle, Scope: "union"}
	}
	return nil
}

// localAdjacency returns the model-local subgraph: edges between fields of
// the same model created by "self" rules or by local FK fields.
func (g *Graph) localAdjacency(modelName string) map[Node][]Node {
	adj := make(map[Node][]Node)
	for src, dsts := range g.edges {
		if src.Model != modelName {
			continue
		}
		for dst, data := range dsts {
			if dst.Model != modelName || !data.local {
				continue
			}
			adj[src] = append(adj[src], dst)
		}
	}
	for n := range adj {
		sortNodes(adj[n])
	}
	return adj
}

// findCycle runs Tarjan's strongly connected components algorithm and
// returns a reconstructed cycle path for the first SCC of size > 1 or
// self-loop, or nil for an acyclic graph.
func findCycle(adj map[Node][]Node) []Node {
	var (
		index   int
		stack   []Node
		indices = make(map[Node]int)
		lowlink = make(map[Node]int)
		onStack = make(map[Node]bool)
		found   []Node
	)

	var strongConnect func(Node)
	strongConnect = func(v Node) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []Node
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if found == nil && (len(scc) > 1 || hasSelfLoop(scc[0], adj)) {
				found = reconstructCycle(scc, adj)
			}
		}
	}

	roots := make([]Node, 0, len(adj))
	for n := range adj {
		roots = append(roots, n)
	}
	sortNodes(roots)
	for _, n := range roots {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
		if found != nil {
			return found
		}
	}
	return found
}

func hasSelfLoop(n Node, adj map[Node][]Node) bool {
	for _, w := range adj[n] {
		if w == n {
			return true
		}
	}
	return false
}

// reconstructCycle builds a concrete cycle path through an SCC by following
// edges within the component until returning to the start node.
func reconstructCycle(scc []Node, adj map[Node][]Node) []Node {
	if len(scc) == 1 {
		return []Node{scc[0], scc[0]}
	}
	inSCC := make(map[Node]bool, len(scc))
	for _, n := range scc {
		inSCC[n] = true
	}
	start := scc[len(scc)-1] // SCC root is popped last
	current := start
	path := []Node{current}
	visited := make(map[Node]bool)
	for {
		visited[current] = true
		var next Node
		ok := false
		for _, w := range adj[current] {
			if inSCC[w] && (!visited[w] || w == start) {
				next, ok = w, true
				break
			}
		}
		if !ok {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}

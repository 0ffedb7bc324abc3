package graph

// RemoveRedundant performs a transitive reduction: an edge A -> C is removed
// when C is still reachable from A through at least one other node, because
// propagation to C already reaches C's dependents through the longer route.
// Local edges are never removed; they feed the local evaluation order, which
// has no notion of a longer route.
//
// The reduction is a pure optimization. The set of fields ultimately
// recomputed for any source change is identical before and after, so the
// removal order does not matter; nodes are still visited in sorted order to
// keep rebuilds deterministic.
//
// Must only be called on an acyclic graph.
func (g *Graph) RemoveRedundant() {
	for _, src := range g.nodes() {
		for _, dst := range g.successors(src) {
			if g.edges[src][dst].local {
				continue
			}
			if g.reachableWithout(src, dst) {
				delete(g.edges[src], dst)
				if len(g.edges[src]) == 0 {
					delete(g.edges, src)
				}
			}
		}
	}
}

// reachableWithout reports whether dst is reachable from src without using
// the direct src -> dst edge.
func (g *Graph) reachableWithout(src, dst Node) bool {
	seen := map[Node]bool{src: true}
	stack := make([]Node, 0, 8)
	for next := range g.edges[src] {
		if next != dst {
			stack = append(stack, next)
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == dst {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		for next := range g.edges[n] {
			stack = append(stack, next)
		}
	}
	return false
}

// EdgeCount returns the number of edges currently in the graph.
func (g *Graph) EdgeCount() int {
	count := 0
	for _, dsts := range g.edges {
		count += len(dsts)
	}
	return count
}

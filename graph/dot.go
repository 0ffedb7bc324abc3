package graph

import (
	"fmt"
	"strings"
)

// DOT renders the dependency graph in Graphviz DOT format. Local edges are
// drawn dashed, relation edges carry their filter paths as labels. Output
// ordering is deterministic so renders can be compared across rebuilds.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph dependencies {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box];\n")
	for _, n := range g.nodes() {
		fmt.Fprintf(&b, "  %q;\n", n.String())
	}
	for _, src := range g.nodes() {
		for _, dst := range g.successors(src) {
			data := g.edges[src][dst]
			switch {
			case data.local && len(data.paths) == 0:
				fmt.Fprintf(&b, "  %q -> %q [style=dashed];\n", src.String(), dst.String())
			default:
				label := strings.Join(sortedKeys(data.paths), ",")
				if data.local {
					fmt.Fprintf(&b, "  %q -> %q [style=dashed, label=%q];\n",
						src.String(), dst.String(), label)
				} else {
					fmt.Fprintf(&b, "  %q -> %q [label=%q];\n",
						src.String(), dst.String(), label)
				}
			}
		}
	}
	b.WriteString("}\n")
	return b.String()
}

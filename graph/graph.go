// Package graph builds the inter-model dependency graph from declared
// computed-field rules and compiles it into the resolver's runtime
// artifacts: the lookup map, the per-model local evaluation order (local
// MRO) with its bitmask table, the contributing-FK map and the M2M
// auxiliary map.
//
// Construction validates every relation path and field name, detects cycles
// at both the model-local and the union-graph level, and removes redundant
// edges without changing which fields a given source change ultimately
// recomputes.
package graph

import (
	"sort"
	"strings"

	"github.com/derivekit/derive/model"
)

// Node identifies one (model, field) pair in the dependency graph.
type Node struct {
	Model string
	Field string
}

func (n Node) String() string {
	return n.Model + "." + n.Field
}

// edgeData annotates one dependency -> dependent edge.
type edgeData struct {
	// paths are relation paths on the dependent model that, used as a
	// reverse queryset filter from a changed-record set, yield exactly the
	// dependent records to recompute.
	paths map[string]struct{}
	// local marks a same-record dependency from a "self" rule or from a
	// forward FK field on the dependent model itself.
	local bool
}

// M2MInfo records the two sides of an M2M linking table. The link-change
// hook uses it to decide which side's dependents to invalidate when rows of
// the through table change.
type M2MInfo struct {
	Through     string `json:"through"`
	LeftModel   string `json:"left_model"`
	RightModel  string `json:"right_model"`
	LeftColumn  string `json:"left_column"`
	RightColumn string `json:"right_column"`
}

// Graph is the dependency graph over (model, field) nodes. Edges point from
// a dependency to its dependents.
type Graph struct {
	models   model.Set
	computed map[string]map[string]*model.ComputedField
	edges    map[Node]map[Node]*edgeData
	fkMap    map[string]map[string]struct{}
	m2m      map[string]M2MInfo
}

// New builds the graph for every computed field of the given models.
// Malformed paths and unknown field names are configuration errors; the
// returned graph has not been checked for cycles yet.
func New(models model.Set, computed map[string]map[string]*model.ComputedField) (*Graph, error) {
	g := &Graph{
		models:   models,
		computed: computed,
		edges:    make(map[Node]map[Node]*edgeData),
		fkMap:    make(map[string]map[string]struct{}),
		m2m:      make(map[string]M2MInfo),
	}
	for _, name := range sortedKeys(computed) {
		m, ok := models[name]
		if !ok {
			return nil, &model.PathError{Model: name, Segment: name,
				Reason: "computed fields declared on unregistered model"}
		}
		for _, cf := range m.Computed {
			if _, ok := computed[name][cf.Name]; !ok {
				continue
			}
			if err := g.addField(m, cf); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// addField creates the edges for one computed field's dependency rules.
func (g *Graph) addField(m *model.Model, cf *model.ComputedField) error {
	dst := Node{Model: m.Name, Field: cf.Name}
	for _, dep := range cf.Depends {
		if dep.Path == model.SelfPath {
			for _, fn := range dep.Fields {
				if !m.HasField(fn) {
					return &model.PathError{Model: m.Name, Path: dep.Path, Segment: fn,
						Reason: "depends names an unknown local field"}
				}
				g.addEdge(Node{Model: m.Name, Field: fn}, dst, "", true)
			}
			continue
		}
		if err := g.addPathRule(m, dst, dep); err != nil {
			return err
		}
	}
	return nil
}

// addPathRule walks a dotted relation path from the declaring model,
// creating an edge per hop for the relation-defining FK fields and an edge
// per target field at the end of the path.
func (g *Graph) addPathRule(m *model.Model, dst Node, dep model.Depend) error {
	segs := strings.Split(dep.Path, ".")
	cur := m
	for i, seg := range segs {
		hop, err := g.models.ResolveSegment(cur, seg)
		if err != nil {
			pe := err.(*model.PathError)
			pe.Path = dep.Path
			return pe
		}
		switch hop.Rel.Kind {
		case model.ForeignKey, model.OneToOne:
			if hop.Forward {
				// FK lives on cur; the filter path from the dependent
				// model reaches cur through the preceding segments.
				if i == 0 {
					g.addEdge(Node{Model: cur.Name, Field: hop.Rel.Name}, dst, "", true)
				} else {
					g.addEdge(Node{Model: cur.Name, Field: hop.Rel.Name}, dst,
						strings.Join(segs[:i], "."), false)
				}
				g.addFK(cur.Name, hop.Rel.Name)
			} else {
				// Reverse hop: the FK lives on the model we arrive at.
				g.addEdge(Node{Model: hop.Owner.Name, Field: hop.Rel.Name}, dst,
					strings.Join(segs[:i+1], "."), false)
				g.addFK(hop.Owner.Name, hop.Rel.Name)
			}
		case model.ManyToMany:
			owner := hop.Owner
			target := g.models[hop.Rel.Target]
			g.m2m[hop.Rel.Through] = M2MInfo{
				Through:     hop.Rel.Through,
				LeftModel:   owner.Name,
				RightModel:  target.Name,
				LeftColumn:  hop.Rel.LeftColumn,
				RightColumn: hop.Rel.RightColumn,
			}
		}
		cur = g.models.Target(hop)
	}
	for _, fn := range dep.Fields {
		if !cur.HasField(fn) {
			return &model.PathError{Model: cur.Name, Path: dep.Path, Segment: fn,
				Reason: "depends names an unknown field on the path target"}
		}
		g.addEdge(Node{Model: cur.Name, Field: fn}, dst, dep.Path, false)
	}
	return nil
}

func (g *Graph) addEdge(src, dst Node, path string, local bool) {
	dsts, ok := g.edges[src]
	if !ok {
		dsts = make(map[Node]*edgeData)
		g.edges[src] = dsts
	}
	data, ok := dsts[dst]
	if !ok {
		data = &edgeData{paths: make(map[string]struct{})}
		dsts[dst] = data
	}
	if local {
		data.local = true
	}
	if path != "" {
		data.paths[path] = struct{}{}
	}
}

func (g *Graph) addFK(modelName, field string) {
	set, ok := g.fkMap[modelName]
	if !ok {
		set = make(map[string]struct{})
		g.fkMap[modelName] = set
	}
	set[field] = struct{}{}
}

// M2M returns the auxiliary map of M2M through tables encountered while
// resolving dependency paths.
func (g *Graph) M2M() map[string]M2MInfo {
	out := make(map[string]M2MInfo, len(g.m2m))
	for k, v := range g.m2m {
		out[k] = v
	}
	return out
}

// FKMap returns, per model, the sorted local FK field names that participate
// in a computed-field dependency chain. Bulk changes to any of these fields
// require the preupdate/old-association protocol.
func (g *Graph) FKMap() map[string][]string {
	out := make(map[string][]string, len(g.fkMap))
	for name, set := range g.fkMap {
		out[name] = sortedKeys(set)
	}
	return out
}

// nodes returns every node appearing in the graph, sorted.
func (g *Graph) nodes() []Node {
	seen := make(map[Node]struct{})
	for src, dsts := range g.edges {
		seen[src] = struct{}{}
		for dst := range dsts {
			seen[dst] = struct{}{}
		}
	}
	out := make([]Node, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sortNodes(out)
	return out
}

// successors returns the sorted dependents of a node.
func (g *Graph) successors(n Node) []Node {
	dsts := g.edges[n]
	out := make([]Node, 0, len(dsts))
	for dst := range dsts {
		out = append(out, dst)
	}
	sortNodes(out)
	return out
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Model != nodes[j].Model {
			return nodes[i].Model < nodes[j].Model
		}
		return nodes[i].Field < nodes[j].Field
	})
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

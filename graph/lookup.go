package graph

// DependentInfo is one lookup map entry: the computed fields of a dependent
// model affected by a source field change, and the relation paths on the
// dependent model that filter the affected records from a changed-record
// set.
type DependentInfo struct {
	Fields []string `json:"fields"`
	Paths  []string `json:"paths"`
}

// LookupMap maps source model -> source field -> dependent model ->
// DependentInfo. Entries contributed by multiple rules for the same
// (source, dependent) pair are merged (union of fields, union of paths) so
// propagation makes a single pass over each dependent model.
type LookupMap map[string]map[string]map[string]DependentInfo

// LookupMap compiles the inter-model lookup map from the graph's non-local
// edges. Same-record dependencies are not part of the lookup map; they are
// covered by the local MRO.
func (g *Graph) LookupMap() LookupMap {
	type key struct {
		srcModel, srcField, dstModel string
	}
	fields := make(map[key]map[string]struct{})
	paths := make(map[key]map[string]struct{})

	for src, dsts := range g.edges {
		for dst, data := range dsts {
			if len(data.paths) == 0 {
				continue
			}
			k := key{src.Model, src.Field, dst.Model}
			if fields[k] == nil {
				fields[k] = make(map[string]struct{})
				paths[k] = make(map[string]struct{})
			}
			fields[k][dst.Field] = struct{}{}
			for p := range data.paths {
				paths[k][p] = struct{}{}
			}
		}
	}

	out := make(LookupMap)
	for k := range fields {
		byField, ok := out[k.srcModel]
		if !ok {
			byField = make(map[string]map[string]DependentInfo)
			out[k.srcModel] = byField
		}
		byDep, ok := byField[k.srcField]
		if !ok {
			byDep = make(map[string]DependentInfo)
			byField[k.srcField] = byDep
		}
		byDep[k.dstModel] = DependentInfo{
			Fields: sortedKeys(fields[k]),
			Paths:  sortedKeys(paths[k]),
		}
	}
	return out
}

package graph

import (
	"fmt"
)

// MaxLocalComputed is the number of local computed fields a single model may
// carry. The local evaluation order is encoded as a fixed-width bitmask, so
// the limit is the mask width.
const MaxLocalComputed = 64

// LocalMRO is the per-model local evaluation order: Base lists the model's
// computed fields in a valid topological order of their local dependencies,
// and Fields maps every contributing local field name to the bitmask of
// Base positions that (transitively) depend on it. Computed fields appear in
// Fields as depending on themselves.
type LocalMRO struct {
	Base   []string          `json:"base"`
	Fields map[string]uint64 `json:"fields"`
}

// Order returns the subset of Base, in order, that must be recomputed when
// the given fields changed. A nil changed set means all of Base.
func (m *LocalMRO) Order(changed []string) []string {
	if m == nil {
		return nil
	}
	if changed == nil {
		return m.Base
	}
	var mask uint64
	for _, f := range changed {
		mask |= m.Fields[f]
	}
	var out []string
	for pos, name := range m.Base {
		if mask&(1<<uint(pos)) != 0 {
			out = append(out, name)
		}
	}
	return out
}

// LocalMROMap generates the local evaluation order for every computed model.
// The topological order uses declaration order as the deterministic
// tie-break, so identical declarations always rebuild the same maps.
//
// Must only be called on a graph that passed DetectCycles.
func (g *Graph) LocalMROMap() (map[string]*LocalMRO, error) {
	out := make(map[string]*LocalMRO, len(g.computed))
	for _, name := range sortedKeys(g.computed) {
		mro, err := g.localMRO(name)
		if err != nil {
			return nil, err
		}
		out[name] = mro
	}
	return out, nil
}

func (g *Graph) localMRO(modelName string) (*LocalMRO, error) {
	m := g.models[modelName]
	if len(m.Computed) > MaxLocalComputed {
		return nil, fmt.Errorf("model %s has %d local computed fields, limit is %d",
			modelName, len(m.Computed), MaxLocalComputed)
	}

	// Direct local dependencies: dep field name -> dependent computed names.
	dependents := make(map[string][]string)
	// cfDeps: computed field -> the local computed fields it depends on.
	cfDeps := make(map[string]map[string]struct{})
	for _, cf := range m.Computed {
		cfDeps[cf.Name] = make(map[string]struct{})
	}
	for src, dsts := range g.edges {
		if src.Model != modelName {
			continue
		}
		for dst, data := range dsts {
			if dst.Model != modelName || !data.local {
				continue
			}
			dependents[src.Field] = append(dependents[src.Field], dst.Field)
			if _, isComputed := cfDeps[src.Field]; isComputed {
				cfDeps[dst.Field][src.Field] = struct{}{}
			}
		}
	}

	// Kahn topological sort over the computed fields, always picking the
	// earliest declared field whose dependencies are placed.
	placed := make(map[string]bool, len(m.Computed))
	base := make([]string, 0, len(m.Computed))
	for len(base) < len(m.Computed) {
		progressed := false
		for _, cf := range m.Computed {
			if placed[cf.Name] {
				continue
			}
			ready := true
			for dep := range cfDeps[cf.Name] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[cf.Name] = true
				base = append(base, cf.Name)
				progressed = true
				break
			}
		}
		if !progressed {
			// Unreachable after DetectCycles; guard against misuse.
			return nil, fmt.Errorf("model %s: local dependency order does not converge", modelName)
		}
	}

	fields := make(map[string]uint64)
	// Masks for computed fields, walking Base backwards so dependents are
	// already final.
	for i := len(base) - 1; i >= 0; i-- {
		name := base[i]
		mask := uint64(1) << uint(i)
		for _, dep := range dependents[name] {
			mask |= fields[dep]
		}
		fields[name] = mask
	}
	// Masks for concrete contributing fields.
	for field, deps := range dependents {
		if _, isComputed := cfDeps[field]; isComputed {
			continue
		}
		var mask uint64
		for _, dep := range deps {
			mask |= fields[dep]
		}
		fields[field] = mask
	}
	return &LocalMRO{Base: base, Fields: fields}, nil
}

package orm

import (
	"context"
	"fmt"

	"github.com/derivekit/derive/model"
)

// Record is one row of a model, held as a field name -> value map. It
// implements model.Instance so compute functions can traverse relations.
type Record struct {
	db    *DB
	model *model.Model
	vals  map[string]any
	rel   map[string][]*Record
}

// New creates an unsaved record for the named model. Unknown model names
// are a programming error and panic.
func (db *DB) New(modelName string) *Record {
	m, ok := db.models[modelName]
	if !ok {
		panic(fmt.Sprintf("orm: unknown model %q", modelName))
	}
	return &Record{db: db, model: m, vals: make(map[string]any)}
}

// ModelName identifies the record's model.
func (r *Record) ModelName() string { return r.model.Name }

// Model returns the record's model metadata.
func (r *Record) Model() *model.Model { return r.model }

// PK returns the primary key value.
func (r *Record) PK() any {
	return r.vals[r.model.PKField().Name]
}

// Get returns the current in-memory value of a field or the raw FK value of
// a relation.
func (r *Record) Get(field string) any {
	return r.vals[field]
}

// Set assigns an in-memory value; nothing is persisted.
func (r *Record) Set(field string, value any) {
	r.vals[field] = normalize(value)
}

// Related returns the single record behind a FK/O2O relation, or nil when
// the relation is unset. Warmed relations are served from the record cache.
func (r *Record) Related(ctx context.Context, relation string) (model.Instance, error) {
	if cached, ok := r.rel[relation]; ok {
		if len(cached) == 0 {
			return nil, nil
		}
		return cached[0], nil
	}
	recs, err := r.relatedRecords(ctx, relation)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// RelatedAll returns the records behind a reverse or M2M relation.
func (r *Record) RelatedAll(ctx context.Context, relation string) ([]model.Instance, error) {
	var recs []*Record
	if cached, ok := r.rel[relation]; ok {
		recs = cached
	} else {
		var err error
		recs, err = r.relatedRecords(ctx, relation)
		if err != nil {
			return nil, err
		}
	}
	out := make([]model.Instance, len(recs))
	for i, rec := range recs {
		out[i] = rec
	}
	return out, nil
}

func (r *Record) relatedRecords(ctx context.Context, relation string) ([]*Record, error) {
	hop, err := r.db.models.ResolveSegment(r.model, relation)
	if err != nil {
		return nil, err
	}
	if hop.Forward && hop.Rel.Kind != model.ManyToMany {
		// FK on this side: resolve through the stored FK value, so records
		// not yet persisted see their relation too.
		fk := r.Get(relation)
		if fk == nil {
			return nil, nil
		}
		return r.db.Query(hop.Rel.Target).FilterPKs(fk).All(ctx)
	}
	arrived := r.db.models.Target(hop)
	back := hop.Rel.Name
	if hop.Forward {
		back = hop.Rel.Reverse
	}
	if back == "" {
		return nil, fmt.Errorf("relation %s.%s has no reverse accessor", r.model.Name, relation)
	}
	pk := r.PK()
	if pk == nil {
		return nil, nil
	}
	return r.db.Query(arrived.Name).FilterPath(back, []any{pk}).All(ctx)
}

// setRelCache stores warmed relation records on the record.
func (r *Record) setRelCache(relation string, recs []*Record) {
	if r.rel == nil {
		r.rel = make(map[string][]*Record)
	}
	r.rel[relation] = recs
}

// Preload warms the given relation on a batch of records with a constant
// number of queries, so compute functions hit the cache instead of issuing
// one query per record. All records must belong to the same model.
func (db *DB) Preload(ctx context.Context, recs []*Record, relation string) error {
	if len(recs) == 0 {
		return nil
	}
	m := recs[0].model
	hop, err := db.models.ResolveSegment(m, relation)
	if err != nil {
		return err
	}

	switch {
	case hop.Rel.Kind != model.ManyToMany && hop.Forward:
		// FK on this side: fetch targets by PK, index, assign.
		target := db.models[hop.Rel.Target]
		var pks []any
		for _, r := range recs {
			if v := r.Get(relation); v != nil {
				pks = append(pks, v)
			}
		}
		targets, err := db.Query(target.Name).FilterPKs(pks...).All(ctx)
		if err != nil {
			return err
		}
		byPK := make(map[any]*Record, len(targets))
		for _, t := range targets {
			byPK[t.PK()] = t
		}
		for _, r := range recs {
			if t, ok := byPK[r.Get(relation)]; ok {
				r.setRelCache(relation, []*Record{t})
			} else {
				r.setRelCache(relation, nil)
			}
		}
		return nil

	case hop.Rel.Kind != model.ManyToMany:
		// Reverse FK: fetch the FK holders, group by FK value.
		owner := hop.Owner
		pks := make([]any, 0, len(recs))
		for _, r := range recs {
			pks = append(pks, r.PK())
		}
		others, err := db.Query(owner.Name).FilterPath(hop.Rel.Name, pks).All(ctx)
		if err != nil {
			return err
		}
		grouped := make(map[any][]*Record)
		for _, o := range others {
			grouped[o.Get(hop.Rel.Name)] = append(grouped[o.Get(hop.Rel.Name)], o)
		}
		for _, r := range recs {
			r.setRelCache(relation, grouped[r.PK()])
		}
		return nil

	default:
		// M2M in either direction: read the through table, then the far
		// side, and group through-pair by near-side PK.
		nearCol, farCol := hop.Rel.LeftColumn, hop.Rel.RightColumn
		far := db.models[hop.Rel.Target]
		if !hop.Forward {
			nearCol, farCol = farCol, nearCol
			far = hop.Owner
		}
		pks := make([]any, 0, len(recs))
		for _, r := range recs {
			pks = append(pks, r.PK())
		}
		pairs, err := db.throughPairs(ctx, hop.Rel.Through, nearCol, farCol, pks)
		if err != nil {
			return err
		}
		var farPKs []any
		for _, p := range pairs {
			farPKs = append(farPKs, p[1])
		}
		farRecs, err := db.Query(far.Name).FilterPKs(farPKs...).All(ctx)
		if err != nil {
			return err
		}
		byPK := make(map[any]*Record, len(farRecs))
		for _, f := range farRecs {
			byPK[f.PK()] = f
		}
		grouped := make(map[any][]*Record)
		for _, p := range pairs {
			if f, ok := byPK[p[1]]; ok {
				grouped[p[0]] = append(grouped[p[0]], f)
			}
		}
		for _, r := range recs {
			r.setRelCache(relation, grouped[r.PK()])
		}
		return nil
	}
}

// throughPairs reads (near, far) PK pairs from an M2M through table.
func (db *DB) throughPairs(ctx context.Context, through, nearCol, farCol string, nearPKs []any) ([][2]any, error) {
	if len(nearPKs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s)",
		quote(nearCol), quote(farCol), quote(through), quote(nearCol), placeholders(len(nearPKs)))
	rows, err := db.exec(ctx).QueryContext(ctx, query, nearPKs...)
	if err != nil {
		return nil, fmt.Errorf("through %s: %w", through, err)
	}
	defer rows.Close()
	var out [][2]any
	for rows.Next() {
		var near, far any
		if err := rows.Scan(&near, &far); err != nil {
			return nil, err
		}
		out = append(out, [2]any{normalize(near), normalize(far)})
	}
	return out, rows.Err()
}

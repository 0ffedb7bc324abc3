package orm

import (
	"context"
	"fmt"
	"strings"

	"github.com/derivekit/derive/model"
)

// pathFilter selects records reachable from a set of source primary keys
// through a relation path on the queryset's model.
type pathFilter struct {
	path string
	pks  []any
}

// Queryset is a lazy, immutable description of a set of records of one
// model. Filters combine with OR semantics, matching the union-of-paths
// behavior the lookup map requires. All values are bound as parameters,
// never interpolated.
type Queryset struct {
	db       *DB
	model    *model.Model
	pkIn     []any
	hasPKIn  bool
	paths    []pathFilter
	distinct bool
}

// Query starts a queryset over all records of the named model. Unknown
// model names are a programming error and panic.
func (db *DB) Query(modelName string) *Queryset {
	m, ok := db.models[modelName]
	if !ok {
		panic(fmt.Sprintf("orm: unknown model %q", modelName))
	}
	return &Queryset{db: db, model: m}
}

func (qs *Queryset) clone() *Queryset {
	c := *qs
	c.pkIn = append([]any(nil), qs.pkIn...)
	c.paths = append([]pathFilter(nil), qs.paths...)
	return &c
}

// FilterPKs restricts the set to the given primary keys. An empty key list
// yields an empty set.
func (qs *Queryset) FilterPKs(pks ...any) *Queryset {
	c := qs.clone()
	c.pkIn = append([]any(nil), pks...)
	c.hasPKIn = true
	return c
}

// FilterPath adds (OR-combined) the records reachable from srcPKs through
// the relation path. The path is a dotted traversal on this queryset's
// model, as stored in the lookup map.
func (qs *Queryset) FilterPath(path string, srcPKs []any) *Queryset {
	c := qs.clone()
	c.paths = append(c.paths, pathFilter{path: path, pks: append([]any(nil), srcPKs...)})
	return c
}

// Distinct marks the set as duplicate-free. Path filters can match a record
// through several routes; propagation must visit it once.
func (qs *Queryset) Distinct() *Queryset {
	c := qs.clone()
	c.distinct = true
	return c
}

// Model returns the queryset's model metadata.
func (qs *Queryset) Model() *model.Model { return qs.model }

// DB returns the database the queryset reads from.
func (qs *Queryset) DB() *DB { return qs.db }

// empty reports a statically empty filter (no candidate keys at all).
func (qs *Queryset) empty() bool {
	if qs.hasPKIn && len(qs.pkIn) > 0 {
		return false
	}
	for _, p := range qs.paths {
		if len(p.pks) > 0 {
			return false
		}
	}
	return qs.hasPKIn || len(qs.paths) > 0
}

// columns returns the logical field names and backing columns selected for
// the model, in deterministic order: PK first, concrete same-table fields,
// computed fields, relation FK columns.
func (qs *Queryset) columns() (names []string, cols []string) {
	m := qs.model
	for _, f := range m.Fields {
		if f.Table != "" && f.Table != m.Table {
			continue
		}
		names = append(names, f.Name)
		cols = append(cols, f.ColumnName())
	}
	for _, cf := range m.Computed {
		names = append(names, cf.Name)
		cols = append(cols, cf.ColumnName())
	}
	for _, rel := range m.Relations {
		if rel.Kind == model.ManyToMany {
			continue
		}
		names = append(names, rel.Name)
		cols = append(cols, rel.Column)
	}
	return names, cols
}

// build assembles the SELECT statement for the given select list.
// The result always carries ORDER BY on the primary key so iteration order
// is deterministic.
func (qs *Queryset) build(selectList string) (string, []any, error) {
	pkCol := quote(qs.model.PKField().ColumnName())
	var clauses []string
	var args []any
	if qs.hasPKIn {
		if len(qs.pkIn) == 0 {
			clauses = append(clauses, "1=0")
		} else {
			clauses = append(clauses, fmt.Sprintf("t0.%s IN (%s)", pkCol, placeholders(len(qs.pkIn))))
			args = append(args, qs.pkIn...)
		}
	}
	for _, p := range qs.paths {
		sub, subArgs, err := qs.pathSubquery(p)
		if err != nil {
			return "", nil, err
		}
		if sub == "" {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("t0.%s IN (%s)", pkCol, sub))
		args = append(args, subArgs...)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if qs.distinct {
		b.WriteString("DISTINCT ")
	}
	b.WriteString(selectList)
	fmt.Fprintf(&b, " FROM %s t0", quote(qs.model.Table))
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " OR "))
	}
	fmt.Fprintf(&b, " ORDER BY t0.%s", pkCol)
	return b.String(), args, nil
}

// pathSubquery compiles one relation path into a subquery yielding the PKs
// of this model's records related to the filter's source records.
func (qs *Queryset) pathSubquery(p pathFilter) (string, []any, error) {
	if len(p.pks) == 0 {
		return "", nil, nil
	}
	segs := strings.Split(p.path, ".")
	cur := qs.model
	alias := "s0"
	var joins strings.Builder
	for i, seg := range segs {
		hop, err := qs.db.models.ResolveSegment(cur, seg)
		if err != nil {
			return "", nil, err
		}
		arrived := qs.db.models.Target(hop)
		next := fmt.Sprintf("s%d", i+1)
		switch {
		case hop.Rel.Kind != model.ManyToMany && hop.Forward:
			fmt.Fprintf(&joins, " JOIN %s %s ON %s.%s = %s.%s",
				quote(arrived.Table), next,
				alias, quote(hop.Rel.Column),
				next, quote(arrived.PKField().ColumnName()))
		case hop.Rel.Kind != model.ManyToMany:
			fmt.Fprintf(&joins, " JOIN %s %s ON %s.%s = %s.%s",
				quote(arrived.Table), next,
				next, quote(hop.Rel.Column),
				alias, quote(cur.PKField().ColumnName()))
		default:
			th := fmt.Sprintf("th%d", i)
			nearCol, farCol := hop.Rel.LeftColumn, hop.Rel.RightColumn
			if !hop.Forward {
				nearCol, farCol = farCol, nearCol
			}
			fmt.Fprintf(&joins, " JOIN %s %s ON %s.%s = %s.%s",
				quote(hop.Rel.Through), th,
				th, quote(nearCol),
				alias, quote(cur.PKField().ColumnName()))
			fmt.Fprintf(&joins, " JOIN %s %s ON %s.%s = %s.%s",
				quote(arrived.Table), next,
				next, quote(arrived.PKField().ColumnName()),
				th, quote(farCol))
		}
		cur = arrived
		alias = next
	}
	sub := fmt.Sprintf("SELECT s0.%s FROM %s s0%s WHERE %s.%s IN (%s)",
		quote(qs.model.PKField().ColumnName()),
		quote(qs.model.Table), joins.String(),
		alias, quote(cur.PKField().ColumnName()), placeholders(len(p.pks)))
	return sub, p.pks, nil
}

// All executes the queryset and returns the matching records.
func (qs *Queryset) All(ctx context.Context) ([]*Record, error) {
	if qs.empty() {
		return nil, nil
	}
	names, cols := qs.columns()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "t0." + quote(c)
	}
	query, args, err := qs.build(strings.Join(quoted, ", "))
	if err != nil {
		return nil, err
	}
	rows, err := qs.db.exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queryset %s: %w", qs.model.Name, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		dest := make([]any, len(names))
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		rec := qs.db.New(qs.model.Name)
		for i, name := range names {
			rec.vals[name] = normalize(*dest[i].(*any))
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PKs executes the queryset and returns the matching primary keys.
func (qs *Queryset) PKs(ctx context.Context) ([]any, error) {
	if qs.empty() {
		return nil, nil
	}
	query, args, err := qs.build("t0." + quote(qs.model.PKField().ColumnName()))
	if err != nil {
		return nil, err
	}
	rows, err := qs.db.exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queryset %s: %w", qs.model.Name, err)
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var pk any
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, normalize(pk))
	}
	return out, rows.Err()
}

// Count executes the queryset and returns the number of matching records.
func (qs *Queryset) Count(ctx context.Context) (int, error) {
	if qs.empty() {
		return 0, nil
	}
	inner, args, err := qs.Distinct().build("t0." + quote(qs.model.PKField().ColumnName()))
	if err != nil {
		return 0, err
	}
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM (%s)", inner)
	if err := qs.db.exec(ctx).QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", qs.model.Name, err)
	}
	return n, nil
}

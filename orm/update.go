package orm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/derivekit/derive/model"
)

// Insert writes a new row for the record, running the save hooks around it.
// String primary keys are generated as UUIDv7 when unset, so inserted
// records are immediately addressable for propagation.
func (db *DB) Insert(ctx context.Context, rec *Record) error {
	m := rec.model
	pk := m.PKField()
	if rec.PK() == nil && strings.EqualFold(pk.SQLType, "TEXT") {
		rec.Set(pk.Name, uuid.Must(uuid.NewV7()).String())
	}

	if db.hooks.BeforeSave != nil {
		if _, err := db.hooks.BeforeSave(ctx, rec, nil); err != nil {
			return err
		}
	}

	names, cols := db.Query(m.Name).columns()
	quoted := make([]string, len(cols))
	vals := make([]any, len(cols))
	for i := range cols {
		quoted[i] = quote(cols[i])
		vals[i] = rec.vals[names[i]]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(m.Table), strings.Join(quoted, ", "), placeholders(len(cols)))
	if _, err := db.exec(ctx).ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("insert %s: %w", m.Name, err)
	}
	if rec.PK() == nil {
		// Integer PK assigned by the database.
		var pkVal any
		row := db.exec(ctx).QueryRowContext(ctx, "SELECT last_insert_rowid()")
		if err := row.Scan(&pkVal); err != nil {
			return fmt.Errorf("insert %s: read pk: %w", m.Name, err)
		}
		rec.Set(pk.Name, pkVal)
	}

	if db.hooks.AfterSave != nil {
		return db.hooks.AfterSave(ctx, rec, nil, true)
	}
	return nil
}

// Save persists the given changed fields of an existing record, running the
// save hooks around the write. A nil changed set writes every field.
func (db *DB) Save(ctx context.Context, rec *Record, changed []string) error {
	if db.hooks.BeforeSave != nil {
		expanded, err := db.hooks.BeforeSave(ctx, rec, changed)
		if err != nil {
			return err
		}
		if expanded != nil {
			changed = expanded
		}
	}
	if err := db.UpdateRecord(ctx, rec, changed); err != nil {
		return err
	}
	if db.hooks.AfterSave != nil {
		return db.hooks.AfterSave(ctx, rec, changed, false)
	}
	return nil
}

// Delete removes the record's row, running the delete hooks around it so
// dependents of the vanished record can still be repaired.
func (db *DB) Delete(ctx context.Context, rec *Record) error {
	var captured any
	if db.hooks.BeforeDelete != nil {
		var err error
		captured, err = db.hooks.BeforeDelete(ctx, rec)
		if err != nil {
			return err
		}
	}
	m := rec.model
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?",
		quote(m.Table), quote(m.PKField().ColumnName()))
	if _, err := db.exec(ctx).ExecContext(ctx, query, rec.PK()); err != nil {
		return fmt.Errorf("delete %s: %w", m.Name, err)
	}
	if db.hooks.AfterDelete != nil {
		return db.hooks.AfterDelete(ctx, rec, captured)
	}
	return nil
}

// UpdateRecord writes the given fields of one record, grouped by owning
// table for multi-table layouts. A nil field set writes every field. No
// hooks run; this is the primitive the naive bulk path uses.
func (db *DB) UpdateRecord(ctx context.Context, rec *Record, fields []string) error {
	m := rec.model
	if fields == nil {
		names, _ := db.Query(m.Name).columns()
		for _, n := range names {
			if n != m.PKField().Name {
				fields = append(fields, n)
			}
		}
	}

	// group field -> (table, column)
	type colRef struct{ table, column string }
	byTable := make(map[string][]string)
	refs := make(map[string]colRef)
	for _, name := range fields {
		table := m.Table
		var column string
		if rel := m.Relation(name); rel != nil && rel.Kind != model.ManyToMany {
			column = rel.Column
		} else if f := m.Field(name); f != nil {
			column = f.ColumnName()
			if f.Table != "" {
				table = f.Table
			}
		} else {
			return fmt.Errorf("update %s: unknown field %q", m.Name, name)
		}
		byTable[table] = append(byTable[table], name)
		refs[name] = colRef{table: table, column: column}
	}

	tables := make([]string, 0, len(byTable))
	for t := range byTable {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, table := range tables {
		names := byTable[table]
		sort.Strings(names)
		sets := make([]string, len(names))
		args := make([]any, 0, len(names)+1)
		for i, name := range names {
			sets[i] = quote(refs[name].column) + " = ?"
			args = append(args, rec.vals[name])
		}
		args = append(args, rec.PK())
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
			quote(table), strings.Join(sets, ", "), quote(m.PKField().ColumnName()))
		if _, err := db.exec(ctx).ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update %s: %w", m.Name, err)
		}
	}
	return nil
}

// BulkUpdate is the naive per-record write path: one UPDATE per record. The
// fast bulk-write backend falls back to it for unsupported dialects, tiny
// batches and non-local fields.
func (db *DB) BulkUpdate(ctx context.Context, recs []*Record, fields []string) error {
	for _, rec := range recs {
		if err := db.UpdateRecord(ctx, rec, fields); err != nil {
			return err
		}
	}
	return nil
}

// AddLink inserts an M2M through row linking rec to target and fires the
// link-change hook.
func (db *DB) AddLink(ctx context.Context, rec *Record, relation string, target *Record) error {
	rel := rec.model.Relation(relation)
	if rel == nil || rel.Kind != model.ManyToMany {
		return fmt.Errorf("%s.%s is not an M2M relation", rec.model.Name, relation)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?) ON CONFLICT DO NOTHING",
		quote(rel.Through), quote(rel.LeftColumn), quote(rel.RightColumn))
	if _, err := db.exec(ctx).ExecContext(ctx, query, rec.PK(), target.PK()); err != nil {
		return fmt.Errorf("link %s: %w", rel.Through, err)
	}
	if db.hooks.M2MChanged != nil {
		return db.hooks.M2MChanged(ctx, rel.Through, []any{rec.PK()}, []any{target.PK()})
	}
	return nil
}

// RemoveLink deletes an M2M through row and fires the link-change hook.
func (db *DB) RemoveLink(ctx context.Context, rec *Record, relation string, target *Record) error {
	rel := rec.model.Relation(relation)
	if rel == nil || rel.Kind != model.ManyToMany {
		return fmt.Errorf("%s.%s is not an M2M relation", rec.model.Name, relation)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?",
		quote(rel.Through), quote(rel.LeftColumn), quote(rel.RightColumn))
	if _, err := db.exec(ctx).ExecContext(ctx, query, rec.PK(), target.PK()); err != nil {
		return fmt.Errorf("unlink %s: %w", rel.Through, err)
	}
	if db.hooks.M2MChanged != nil {
		return db.hooks.M2MChanged(ctx, rel.Through, []any{rec.PK()}, []any{target.PK()})
	}
	return nil
}

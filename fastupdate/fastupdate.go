// Package fastupdate writes batched row updates through a single UPDATE
// statement joining the target table against an inline VALUES set, instead
// of one statement per row. Supported dialects are SQLite (3.33+),
// PostgreSQL, MariaDB/older MySQL and MySQL 8; anything else silently falls
// back to the naive per-record path.
package fastupdate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/derivekit/derive/model"
	"github.com/derivekit/derive/orm"
)

// Dialect selects the inline value-set strategy for one database backend.
// It is a closed set: Unsupported signals the fallback, never an error.
type Dialect int

const (
	Unsupported Dialect = iota
	SQLite
	Postgres
	MySQL // pre-8 VALUES syntax (MariaDB 10.3+)
	MySQL8
)

// Column is one value column of the generated statement. Cast is the SQL
// type used where the dialect's inline value set would otherwise infer a
// generic type (PostgreSQL).
type Column struct {
	Name string
	Cast string
}

// Statement synthesizes the batched UPDATE for the given dialect, table,
// primary key column, value columns and batch cardinality. Every value is a
// positional parameter; one row binds the primary key first, then the value
// columns in order. Returns "" for unsupported dialects, which callers must
// treat as "use the naive path".
func Statement(d Dialect, table, pkCol string, cols []Column, rows int) string {
	switch d {
	case SQLite:
		return asSQLite(table, pkCol, cols, rows)
	case Postgres:
		return asPostgres(table, pkCol, cols, rows)
	case MySQL:
		return asMySQL(table, pkCol, cols, rows)
	case MySQL8:
		return asMySQL8(table, pkCol, cols, rows)
	default:
		return ""
	}
}

// alias returns the VALUES-set alias, avoiding a clash with the table name.
func alias(table string) string {
	if table != "d" {
		return "d"
	}
	return "c"
}

func valueGroup(width int, prefix string) string {
	return prefix + "(" + strings.TrimSuffix(strings.Repeat("?,", width), ",") + ")"
}

func asSQLite(table, pkCol string, cols []Column, rows int) string {
	d := alias(table)
	sets := make([]string, len(cols))
	for i, c := range cols {
		// SQLite names inline value-set columns column1, column2, ...
		sets[i] = fmt.Sprintf(`"%s"="%s"."column%d"`, c.Name, d, i+2)
	}
	group := valueGroup(len(cols)+1, "")
	values := strings.TrimSuffix(strings.Repeat(group+",", rows), ",")
	return fmt.Sprintf(`UPDATE "%s" SET %s FROM (VALUES %s) AS "%s" WHERE "%s"."%s"="%s"."column1"`,
		table, strings.Join(sets, ","), values, d, table, pkCol, d)
}

func asPostgres(table, pkCol string, cols []Column, rows int) string {
	d := alias(table)
	sets := make([]string, len(cols))
	names := make([]string, 0, len(cols)+1)
	names = append(names, `"`+pkCol+`"`)
	for i, c := range cols {
		ref := fmt.Sprintf(`"%s"."%s"`, d, c.Name)
		if c.Cast != "" {
			ref = fmt.Sprintf(`CAST(%s AS %s)`, ref, c.Cast)
		}
		sets[i] = fmt.Sprintf(`"%s"=%s`, c.Name, ref)
		names = append(names, `"`+c.Name+`"`)
	}
	group := valueGroup(len(cols)+1, "")
	values := strings.TrimSuffix(strings.Repeat(group+",", rows), ",")
	return fmt.Sprintf(`UPDATE "%s" SET %s FROM (VALUES %s) AS "%s" (%s) WHERE "%s"."%s"="%s"."%s"`,
		table, strings.Join(sets, ","), values, d, strings.Join(names, ","),
		table, pkCol, d, pkCol)
}

func asMySQL(table, pkCol string, cols []Column, rows int) string {
	d := alias(table)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("`%s`=%s.%d", c.Name, d, i+1)
	}
	// The pre-8 VALUES syntax addresses columns by position and needs one
	// extra header row carrying the positions (bound by the caller).
	group := valueGroup(len(cols)+1, "")
	values := strings.TrimSuffix(strings.Repeat(group+",", rows+1), ",")
	return fmt.Sprintf("UPDATE `%s` INNER JOIN (VALUES %s) AS %s ON `%s`.`%s` = %s.0 SET %s",
		table, values, d, table, pkCol, d, strings.Join(sets, ","))
}

func asMySQL8(table, pkCol string, cols []Column, rows int) string {
	d := alias(table)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("`%s`=%s.column_%d", c.Name, d, i+1)
	}
	group := valueGroup(len(cols)+1, "ROW")
	values := strings.TrimSuffix(strings.Repeat(group+",", rows), ",")
	return fmt.Sprintf("UPDATE `%s` INNER JOIN (VALUES %s) AS %s ON `%s`.`%s` = %s.column_0 SET %s",
		table, values, d, table, pkCol, d, strings.Join(sets, ","))
}

// probeCache caches the detected dialect generation per database handle.
// database/sql pools connections invisibly, but the dialect generation
// cannot differ between pooled connections of one handle, so the handle is
// the cache key.
var probeCache sync.Map // *orm.DB -> Dialect

// warned tracks database handles that already logged the fallback warning.
var warned sync.Map // *orm.DB -> struct{}

// dialectFor maps the backend identifier onto a statement dialect, running
// the MySQL capability probe where the identifier alone is ambiguous.
func dialectFor(ctx context.Context, db *orm.DB) Dialect {
	switch db.Dialect() {
	case "sqlite", "sqlite3":
		return SQLite
	case "postgres", "postgresql":
		return Postgres
	case "mysql", "mariadb":
		return probeMySQL(ctx, db)
	default:
		return Unsupported
	}
}

// probeMySQL distinguishes the two incompatible inline value-set dialect
// generations by attempting a harmless query per variant. A double failure
// permanently disables the fast path for the handle with a one-time
// warning.
func probeMySQL(ctx context.Context, db *orm.DB) Dialect {
	if d, ok := probeCache.Load(db); ok {
		return d.(Dialect)
	}
	if _, err := db.ExecContext(ctx,
		"SELECT foo.0 FROM (VALUES (0, 1), (1, 'zzz'), (2, 'yyy')) as foo"); err == nil {
		probeCache.Store(db, MySQL)
		return MySQL
	}
	if _, err := db.ExecContext(ctx,
		"SELECT column_1 FROM (VALUES ROW(1, 'zzz'), ROW(2, 'yyy')) as foo"); err == nil {
		probeCache.Store(db, MySQL8)
		return MySQL8
	}
	probeCache.Store(db, Unsupported)
	slog.Warn("mysql backend without UPDATE FROM VALUES support, falling back to per-record updates")
	return Unsupported
}

// Update writes the given fields of the changed records through the fast
// path where possible. Fields living in another physical table (multi-table
// layouts) always take the naive path; if fewer than two fast-path eligible
// fields remain, the whole batch takes the naive path since the fast path's
// fixed overhead is not worth it below that.
//
// Statement execution errors propagate to the caller uncaught: they signal
// a schema mismatch, not a recoverable condition.
func Update(ctx context.Context, db *orm.DB, recs []*orm.Record, fields []string, batchSize int) error {
	if len(recs) == 0 || len(fields) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	m := recs[0].Model()
	pk := m.PKField()
	if pk == nil {
		return db.BulkUpdate(ctx, recs, fields)
	}

	var local, nonLocal []string
	for _, name := range fields {
		if isLocal(m, name) {
			local = append(local, name)
		} else {
			nonLocal = append(nonLocal, name)
		}
	}
	if len(nonLocal) > 0 && len(local) < 2 {
		return db.BulkUpdate(ctx, recs, fields)
	}

	if len(local) > 0 {
		dialect := dialectFor(ctx, db)
		stmtText := Statement(dialect, m.Table, pk.ColumnName(), localColumns(m, local), 1)
		if stmtText == "" {
			warnOnce(db)
			return db.BulkUpdate(ctx, recs, fields)
		}
		if err := updateFast(ctx, db, m, dialect, recs, local, batchSize); err != nil {
			return err
		}
	}
	if len(nonLocal) > 0 {
		return db.BulkUpdate(ctx, recs, nonLocal)
	}
	return nil
}

func warnOnce(db *orm.DB) {
	if _, loaded := warned.LoadOrStore(db, struct{}{}); !loaded {
		slog.Warn("backend without fast update support, falling back to per-record updates",
			"dialect", db.Dialect())
	}
}

// updateFast flushes the records in batches. The statement text is
// regenerated only when the batch cardinality changes from the previous
// flush, amortizing string construction across equally sized batches.
func updateFast(ctx context.Context, db *orm.DB, m *model.Model, dialect Dialect,
	recs []*orm.Record, local []string, batchSize int) error {
	cols := localColumns(m, local)
	pk := m.PKField()

	var (
		stmt      string
		lastCount = -1
	)
	for start := 0; start < len(recs); start += batchSize {
		end := min(start+batchSize, len(recs))
		batch := recs[start:end]
		if len(batch) != lastCount {
			stmt = Statement(dialect, m.Table, pk.ColumnName(), cols, len(batch))
			lastCount = len(batch)
		}
		args := make([]any, 0, len(batch)*(len(local)+1))
		if dialect == MySQL {
			// Header row carrying the column positions.
			for i := 0; i <= len(local); i++ {
				args = append(args, i)
			}
		}
		for _, rec := range batch {
			args = append(args, rec.PK())
			for _, name := range local {
				args = append(args, rec.Get(name))
			}
		}
		if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("fast update %s: %w", m.Name, err)
		}
	}
	return nil
}

// isLocal reports whether the field's column lives in the model's own
// table.
func isLocal(m *model.Model, name string) bool {
	if rel := m.Relation(name); rel != nil {
		return rel.Kind != model.ManyToMany
	}
	f := m.Field(name)
	return f != nil && (f.Table == "" || f.Table == m.Table)
}

// localColumns resolves field names to value columns, with the SQL type as
// the PostgreSQL cast.
func localColumns(m *model.Model, fields []string) []Column {
	cols := make([]Column, len(fields))
	for i, name := range fields {
		if rel := m.Relation(name); rel != nil {
			cols[i] = Column{Name: rel.Column, Cast: "TEXT"}
			continue
		}
		f := m.Field(name)
		cols[i] = Column{Name: f.ColumnName(), Cast: f.SQLType}
	}
	return cols
}

// CheckSupport reports whether the fast path works on the given database.
func CheckSupport(ctx context.Context, db *orm.DB) (bool, error) {
	switch db.Dialect() {
	case "postgres", "postgresql":
		return true, nil
	case "sqlite", "sqlite3":
		var version string
		if err := db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
			return false, fmt.Errorf("sqlite version: %w", err)
		}
		major, minor, err := parseVersion(version)
		if err != nil {
			return false, err
		}
		return major > 3 || (major == 3 && minor > 32), nil
	case "mysql", "mariadb":
		return probeMySQL(ctx, db) != Unsupported, nil
	default:
		return false, nil
	}
}

func parseVersion(v string) (major, minor int, err error) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version string %q", v)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected version string %q", v)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected version string %q", v)
	}
	return major, minor, nil
}

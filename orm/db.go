// Package orm is the minimal record layer the resolver operates on: model
// tables over database/sql (SQLite), querysets with relation-path filters,
// and record lifecycle hooks. It stands in for the host persistence
// framework at the engine's interface boundary.
package orm

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/derivekit/derive/model"
)

// Hooks are the record lifecycle callbacks wired by the resolver (or any
// host). All hooks are optional.
type Hooks struct {
	// BeforeSave runs before a row is written; it may expand the changed
	// field set (e.g. with recomputed local fields).
	BeforeSave func(ctx context.Context, rec *Record, changed []string) ([]string, error)
	// AfterSave runs after a row was written.
	AfterSave func(ctx context.Context, rec *Record, changed []string, created bool) error
	// BeforeDelete runs before a row is removed; its result is handed to
	// AfterDelete unchanged (captured associations).
	BeforeDelete func(ctx context.Context, rec *Record) (any, error)
	// AfterDelete runs after a row was removed.
	AfterDelete func(ctx context.Context, rec *Record, captured any) error
	// M2MChanged runs after rows of an M2M through table changed.
	M2MChanged func(ctx context.Context, through string, leftPKs, rightPKs []any) error
}

// DB wraps a SQLite database together with the registered model metadata.
type DB struct {
	sql     *sql.DB
	models  model.Set
	dialect string
	hooks   Hooks
}

// Open creates or opens a SQLite database at the given path and registers
// the model set. The connection is configured with WAL mode, NORMAL
// synchronous mode, a busy timeout and foreign key enforcement, and limited
// to a single writer connection.
func Open(path string, models model.Set) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time, keep a single connection to
	// avoid SQLITE_BUSY and to make the in-memory variant work at all.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	return &DB{sql: db, models: models, dialect: "sqlite"}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (db *DB) Close() error {
	if db.sql == nil {
		return nil
	}
	return db.sql.Close()
}

// SQL returns the underlying sql.DB for direct queries. Prefer querysets
// where available.
func (db *DB) SQL() *sql.DB { return db.sql }

// Models returns the registered model set.
func (db *DB) Models() model.Set { return db.models }

// Dialect identifies the database backend.
func (db *DB) Dialect() string { return db.dialect }

// SetHooks installs the lifecycle hooks.
func (db *DB) SetHooks(h Hooks) { db.hooks = h }

// executor is satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// Atomic runs fn inside a transaction carried in the context. Nested calls
// join the enclosing transaction, so one top-level propagation call commits
// or rolls back as a whole.
func (db *DB) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// exec returns the context transaction if present, otherwise the database.
func (db *DB) exec(ctx context.Context) executor {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db.sql
}

// ExecContext runs a statement against the context transaction if one is
// active, otherwise against the database. Used by the fast bulk-write
// backend so its batches join the propagation transaction.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.exec(ctx).ExecContext(ctx, query, args...)
}

// QueryRowContext mirrors ExecContext for single-row queries.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.exec(ctx).QueryRowContext(ctx, query, args...)
}

// CreateTables creates one table per registered model plus the M2M through
// tables, if they do not exist yet. Intended for tests and small embedders;
// real deployments manage schema themselves.
func (db *DB) CreateTables(ctx context.Context) error {
	names := make([]string, 0, len(db.models))
	for name := range db.models {
		names = append(names, name)
	}
	sort.Strings(names)

	through := make(map[string]*model.Relation)
	for _, name := range names {
		m := db.models[name]
		var cols []string
		for _, f := range m.Fields {
			if f.Table != "" && f.Table != m.Table {
				continue
			}
			cols = append(cols, columnDef(f))
		}
		for _, cf := range m.Computed {
			cols = append(cols, columnDef(&cf.Field))
		}
		for _, rel := range m.Relations {
			if rel.Kind == model.ManyToMany {
				through[rel.Through] = rel
				continue
			}
			cols = append(cols, fmt.Sprintf("%s %s", quote(rel.Column), "TEXT"))
		}
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(m.Table), strings.Join(cols, ", "))
		if _, err := db.exec(ctx).ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", m.Table, err)
		}
	}
	for name, rel := range through {
		stmt := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (%s TEXT, %s TEXT, UNIQUE(%s, %s))",
			quote(name), quote(rel.LeftColumn), quote(rel.RightColumn),
			quote(rel.LeftColumn), quote(rel.RightColumn))
		if _, err := db.exec(ctx).ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create through table %s: %w", name, err)
		}
	}
	return nil
}

func columnDef(f *model.Field) string {
	typ := f.SQLType
	if typ == "" {
		typ = "TEXT"
	}
	def := fmt.Sprintf("%s %s", quote(f.ColumnName()), typ)
	if f.PrimaryKey {
		def += " PRIMARY KEY"
	}
	return def
}

func quote(ident string) string {
	return `"` + ident + `"`
}

package fastupdate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivekit/derive/internal/testmodels"
	"github.com/derivekit/derive/model"
	"github.com/derivekit/derive/orm"
)

var twoCols = []Column{
	{Name: "name", Cast: "TEXT"},
	{Name: "children_count", Cast: "INTEGER"},
}

func TestStatement_SQLite(t *testing.T) {
	got := Statement(SQLite, "parents", "id", twoCols, 2)
	want := `UPDATE "parents" SET "name"="d"."column2","children_count"="d"."column3"` +
		` FROM (VALUES (?,?,?),(?,?,?)) AS "d" WHERE "parents"."id"="d"."column1"`
	assert.Equal(t, want, got)
}

func TestStatement_Postgres(t *testing.T) {
	got := Statement(Postgres, "parents", "id", twoCols, 1)
	want := `UPDATE "parents" SET "name"=CAST("d"."name" AS TEXT),` +
		`"children_count"=CAST("d"."children_count" AS INTEGER)` +
		` FROM (VALUES (?,?,?)) AS "d" ("id","name","children_count")` +
		` WHERE "parents"."id"="d"."id"`
	assert.Equal(t, want, got)
}

func TestStatement_PostgresWithoutCast(t *testing.T) {
	got := Statement(Postgres, "t", "id", []Column{{Name: "x"}}, 1)
	want := `UPDATE "t" SET "x"="d"."x" FROM (VALUES (?,?)) AS "d" ("id","x")` +
		` WHERE "t"."id"="d"."id"`
	assert.Equal(t, want, got)
}

func TestStatement_MySQL(t *testing.T) {
	// Pre-8 syntax binds one extra header row carrying the positions.
	got := Statement(MySQL, "parents", "id", twoCols, 1)
	want := "UPDATE `parents` INNER JOIN (VALUES (?,?,?),(?,?,?)) AS d" +
		" ON `parents`.`id` = d.0 SET `name`=d.1,`children_count`=d.2"
	assert.Equal(t, want, got)
}

func TestStatement_MySQL8(t *testing.T) {
	got := Statement(MySQL8, "parents", "id", twoCols, 2)
	want := "UPDATE `parents` INNER JOIN (VALUES ROW(?,?,?),ROW(?,?,?)) AS d" +
		" ON `parents`.`id` = d.column_0 SET `name`=d.column_1,`children_count`=d.column_2"
	assert.Equal(t, want, got)
}

func TestStatement_AliasAvoidsTableNameClash(t *testing.T) {
	got := Statement(SQLite, "d", "pk", []Column{{Name: "x"}}, 1)
	want := `UPDATE "d" SET "x"="c"."column2" FROM (VALUES (?,?)) AS "c"` +
		` WHERE "d"."pk"="c"."column1"`
	assert.Equal(t, want, got)
}

func TestStatement_UnsupportedDialect(t *testing.T) {
	assert.Empty(t, Statement(Unsupported, "t", "id", twoCols, 1))
}

func newTestDB(t *testing.T) *orm.DB {
	t.Helper()
	db, err := orm.Open(":memory:", testmodels.All())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.CreateTables(context.Background()))
	return db
}

func TestUpdate_WritesBatchesThroughFastPath(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	recs := make([]*orm.Record, 5)
	for i := range recs {
		p := db.New("Parent")
		p.Set("name", "before")
		require.NoError(t, db.Insert(ctx, p))
		recs[i] = p
	}
	for i, p := range recs {
		p.Set("name", "after")
		p.Set("children_count", int64(i))
	}

	// Batch size 2 exercises the trailing short batch (2+2+1).
	require.NoError(t, Update(ctx, db, recs, []string{"name", "children_count"}, 2))

	stored, err := db.Query("Parent").All(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 5)
	counts := map[any]bool{}
	for _, p := range stored {
		assert.Equal(t, "after", p.Get("name"))
		counts[p.Get("children_count")] = true
	}
	assert.Len(t, counts, 5)
}

func TestUpdate_MatchesNaivePath(t *testing.T) {
	fast := newTestDB(t)
	naive := newTestDB(t)
	ctx := context.Background()

	seed := func(db *orm.DB) []*orm.Record {
		recs := make([]*orm.Record, 3)
		for i := range recs {
			p := db.New("Parent")
			p.Set("id", string(rune('a'+i)))
			p.Set("name", "x")
			require.NoError(t, db.Insert(ctx, p))
			p.Set("name", "y")
			p.Set("children_count", int64(i*10))
			recs[i] = p
		}
		return recs
	}
	fields := []string{"name", "children_count"}
	require.NoError(t, Update(ctx, fast, seed(fast), fields, 100))
	require.NoError(t, naive.BulkUpdate(ctx, seed(naive), fields))

	read := func(db *orm.DB) []map[string]any {
		recs, err := db.Query("Parent").All(ctx)
		require.NoError(t, err)
		out := make([]map[string]any, len(recs))
		for i, r := range recs {
			out[i] = map[string]any{
				"id":    r.Get("id"),
				"name":  r.Get("name"),
				"count": r.Get("children_count"),
			}
		}
		return out
	}
	assert.Equal(t, read(naive), read(fast))
}

func TestUpdate_EmptyInputsAreNoops(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, Update(ctx, db, nil, []string{"name"}, 10))

	p := db.New("Parent")
	p.Set("name", "A")
	require.NoError(t, db.Insert(ctx, p))
	require.NoError(t, Update(ctx, db, []*orm.Record{p}, nil, 10))
}

// newMultiTableDB opens a database for a model whose body field lives in a
// secondary table, which CreateTables does not manage.
func newMultiTableDB(t *testing.T) *orm.DB {
	t.Helper()
	doc := &model.Model{
		Name:  "Doc",
		Table: "docs",
		Fields: []*model.Field{
			{Name: "id", SQLType: "TEXT", PrimaryKey: true},
			{Name: "title", SQLType: "TEXT"},
			{Name: "subtitle", SQLType: "TEXT"},
			{Name: "body", SQLType: "TEXT", Table: "doc_bodies"},
		},
	}
	set := make(model.Set)
	set.Add(doc)

	db, err := orm.Open(":memory:", set)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	require.NoError(t, db.CreateTables(ctx))
	_, err = db.ExecContext(ctx, `CREATE TABLE "doc_bodies" ("id" TEXT PRIMARY KEY, "body" TEXT)`)
	require.NoError(t, err)
	return db
}

func insertDoc(t *testing.T, db *orm.DB, id string) *orm.Record {
	t.Helper()
	ctx := context.Background()
	d := db.New("Doc")
	d.Set("id", id)
	d.Set("title", "t-old")
	d.Set("subtitle", "s-old")
	require.NoError(t, db.Insert(ctx, d))
	_, err := db.ExecContext(ctx, `INSERT INTO "doc_bodies" ("id", "body") VALUES (?, ?)`, id, "b-old")
	require.NoError(t, err)
	return d
}

func readDoc(t *testing.T, db *orm.DB, id string) (title, subtitle, body string) {
	t.Helper()
	ctx := context.Background()
	row := db.QueryRowContext(ctx, `SELECT "title", "subtitle" FROM "docs" WHERE "id" = ?`, id)
	require.NoError(t, row.Scan(&title, &subtitle))
	row = db.QueryRowContext(ctx, `SELECT "body" FROM "doc_bodies" WHERE "id" = ?`, id)
	require.NoError(t, row.Scan(&body))
	return title, subtitle, body
}

func TestUpdate_FewLocalFieldsTakeNaivePathWhole(t *testing.T) {
	db := newMultiTableDB(t)
	ctx := context.Background()

	recs := []*orm.Record{insertDoc(t, db, "d1"), insertDoc(t, db, "d2")}
	for _, d := range recs {
		d.Set("title", "t-new")
		d.Set("body", "b-new")
	}

	// One local field next to a secondary-table field: below the fast-path
	// threshold, the whole batch goes through per-record updates.
	require.NoError(t, Update(ctx, db, recs, []string{"title", "body"}, 100))

	for _, id := range []string{"d1", "d2"} {
		title, subtitle, body := readDoc(t, db, id)
		assert.Equal(t, "t-new", title)
		assert.Equal(t, "s-old", subtitle)
		assert.Equal(t, "b-new", body)
	}
}

func TestUpdate_SplitsLocalAndSecondaryTableFields(t *testing.T) {
	db := newMultiTableDB(t)
	ctx := context.Background()

	recs := []*orm.Record{insertDoc(t, db, "d1"), insertDoc(t, db, "d2")}
	for _, d := range recs {
		d.Set("title", "t-new")
		d.Set("subtitle", "s-new")
		d.Set("body", "b-new")
	}

	// Two local fields ride the fast path; the secondary-table field is
	// routed to the per-record path alongside.
	require.NoError(t, Update(ctx, db, recs, []string{"title", "subtitle", "body"}, 100))

	for _, id := range []string{"d1", "d2"} {
		title, subtitle, body := readDoc(t, db, id)
		assert.Equal(t, "t-new", title)
		assert.Equal(t, "s-new", subtitle)
		assert.Equal(t, "b-new", body)
	}
}

func TestIsLocal_MultiTableFieldsAreNotLocal(t *testing.T) {
	m := &model.Model{
		Name:  "Doc",
		Table: "docs",
		Fields: []*model.Field{
			{Name: "id", SQLType: "TEXT", PrimaryKey: true},
			{Name: "title", SQLType: "TEXT"},
			{Name: "body", SQLType: "TEXT", Table: "doc_bodies"},
		},
	}
	assert.True(t, isLocal(m, "title"))
	assert.False(t, isLocal(m, "body"))
	assert.False(t, isLocal(m, "missing"))
}

func TestLocalColumns_ResolvesRelationAndFieldColumns(t *testing.T) {
	set := testmodels.All()
	child := set["Child"]
	cols := localColumns(child, []string{"parent", "path"})
	assert.Equal(t, []Column{
		{Name: "parent_id", Cast: "TEXT"},
		{Name: "path", Cast: "TEXT"},
	}, cols)
}

func TestCheckSupport_SQLite(t *testing.T) {
	db := newTestDB(t)
	ok, err := CheckSupport(context.Background(), db)
	require.NoError(t, err)
	// The bundled SQLite is well past 3.33.
	assert.True(t, ok)
}

func TestParseVersion(t *testing.T) {
	major, minor, err := parseVersion("3.45.1")
	require.NoError(t, err)
	assert.Equal(t, 3, major)
	assert.Equal(t, 45, minor)

	_, _, err = parseVersion("3")
	assert.Error(t, err)
	_, _, err = parseVersion("x.y")
	assert.Error(t, err)
}

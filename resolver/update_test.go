package resolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivekit/derive/model"
	"github.com/derivekit/derive/orm"
)

// newDocResolver registers a single model with two chained local computed
// fields: total derives from a and b, summary derives from total.
func newDocResolver(t *testing.T) (*Resolver, *orm.DB) {
	t.Helper()
	doc := &model.Model{
		Name:  "Doc",
		Table: "docs",
		Fields: []*model.Field{
			{Name: "id", SQLType: "TEXT", PrimaryKey: true},
			{Name: "a", SQLType: "INTEGER"},
			{Name: "b", SQLType: "INTEGER"},
		},
		Computed: []*model.ComputedField{
			model.MustComputed(model.Field{Name: "total", SQLType: "INTEGER"},
				func(ctx context.Context, inst model.Instance) (any, error) {
					a, _ := inst.Get("a").(int64)
					b, _ := inst.Get("b").(int64)
					return a + b, nil
				},
				model.Depends(model.SelfPath, "a", "b")),
			model.MustComputed(model.Field{Name: "summary", SQLType: "TEXT"},
				func(ctx context.Context, inst model.Instance) (any, error) {
					return fmt.Sprintf("t=%v", inst.Get("total")), nil
				},
				model.Depends(model.SelfPath, "total")),
		},
	}
	r := New(Config{})
	require.NoError(t, r.AddModel(doc))
	require.NoError(t, r.Initialize(false))

	db, err := orm.Open(":memory:", r.Models())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.CreateTables(context.Background()))
	return r, db
}

func TestCompute_ResolvesChainWithoutMutating(t *testing.T) {
	r, db := newDocResolver(t)
	ctx := context.Background()

	rec := db.New("Doc")
	rec.Set("a", int64(2))
	rec.Set("b", int64(3))
	// Both stored computed values are stale.
	rec.Set("total", int64(100))
	rec.Set("summary", "t=100")

	v, err := r.Compute(ctx, rec, "summary")
	require.NoError(t, err)
	assert.Equal(t, "t=5", v)

	// The intermediate recompute of total was rewound.
	assert.Equal(t, int64(100), rec.Get("total"))
	assert.Equal(t, "t=100", rec.Get("summary"))
}

func TestCompute_NonComputedFieldReturnsCurrentValue(t *testing.T) {
	r, db := newDocResolver(t)

	rec := db.New("Doc")
	rec.Set("a", int64(7))
	v, err := r.Compute(context.Background(), rec, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

func TestUpdateComputedFields_FollowsLocalOrder(t *testing.T) {
	r, db := newDocResolver(t)
	ctx := context.Background()

	rec := db.New("Doc")
	rec.Set("a", int64(2))
	rec.Set("b", int64(3))

	expanded, err := r.UpdateComputedFields(ctx, rec, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "summary", "total"}, expanded)
	assert.Equal(t, int64(5), rec.Get("total"))
	assert.Equal(t, "t=5", rec.Get("summary"))
}

func TestUpdateComputedFields_NilMeansEverything(t *testing.T) {
	r, db := newDocResolver(t)

	rec := db.New("Doc")
	rec.Set("a", int64(1))
	rec.Set("b", int64(1))
	expanded, err := r.UpdateComputedFields(context.Background(), rec, nil)
	require.NoError(t, err)
	assert.Nil(t, expanded)
	assert.Equal(t, int64(2), rec.Get("total"))
}

func TestUpdateComputedFields_ResolvesRelationsBeforeFirstWrite(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	ctx := context.Background()
	r.Attach(db)

	p := db.New("Parent")
	p.Set("name", "A")
	require.NoError(t, db.Insert(ctx, p))

	// The record is not persisted yet; the parent-dependent value must still
	// be computed correctly for the very first write.
	c := db.New("Child")
	c.Set("name", "c1")
	c.Set("parent", p.PK())
	_, err := r.UpdateComputedFields(ctx, c, nil)
	require.NoError(t, err)
	assert.Equal(t, "/A#0/c1", c.Get("path"))
}

func TestUpdateComputedFields_UnaffectedChangeIsANoop(t *testing.T) {
	r, db := newDocResolver(t)

	rec := db.New("Doc")
	expanded, err := r.UpdateComputedFields(context.Background(), rec, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, expanded)
	assert.Nil(t, rec.Get("total"))
}

// attachScenario inserts one parent and three children through an attached
// resolver and returns their records.
func attachScenario(t *testing.T, r *Resolver, db *orm.DB) (*orm.Record, []*orm.Record) {
	t.Helper()
	ctx := context.Background()
	r.Attach(db)

	p := db.New("Parent")
	p.Set("name", "A")
	require.NoError(t, db.Insert(ctx, p))

	children := make([]*orm.Record, 3)
	for i := range children {
		c := db.New("Child")
		c.Set("name", fmt.Sprintf("c%d", i+1))
		c.Set("parent", p.PK())
		require.NoError(t, db.Insert(ctx, c))
		children[i] = c
	}
	return p, children
}

func parentState(t *testing.T, db *orm.DB, pk any) (string, any) {
	t.Helper()
	recs, err := db.Query("Parent").FilterPKs(pk).All(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0].Get("name").(string), recs[0].Get("children_count")
}

func childPaths(t *testing.T, db *orm.DB) map[string]string {
	t.Helper()
	recs, err := db.Query("Child").All(context.Background())
	require.NoError(t, err)
	out := make(map[string]string, len(recs))
	for _, c := range recs {
		out[c.Get("name").(string)] = c.Get("path").(string)
	}
	return out
}

func TestAttach_InsertsPropagate(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	ctx := context.Background()
	r.Attach(db)

	p := db.New("Parent")
	p.Set("name", "A")
	require.NoError(t, db.Insert(ctx, p))
	want := make(map[string]string, 10)
	for i := 1; i <= 10; i++ {
		c := db.New("Child")
		name := fmt.Sprintf("c%02d", i)
		c.Set("name", name)
		c.Set("parent", p.PK())
		require.NoError(t, db.Insert(ctx, c))
		want[name] = "/A#10/" + name
	}

	_, count := parentState(t, db, p.PK())
	assert.Equal(t, int64(10), count)
	assert.Equal(t, want, childPaths(t, db))
}

func TestAttach_SourceFieldSavePropagates(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	p, _ := attachScenario(t, r, db)
	ctx := context.Background()

	p.Set("name", "B")
	require.NoError(t, db.Save(ctx, p, []string{"name"}))

	name, count := parentState(t, db, p.PK())
	assert.Equal(t, "B", name)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, "/B#3/c1", childPaths(t, db)["c1"])
}

func TestAttach_LocalOnlyChangeStaysLocal(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	p, children := attachScenario(t, r, db)
	ctx := context.Background()

	c := children[0]
	c.Set("name", "renamed")
	require.NoError(t, db.Save(ctx, c, []string{"name"}))

	paths := childPaths(t, db)
	assert.Equal(t, "/A#3/renamed", paths["renamed"])
	assert.Equal(t, "/A#3/c2", paths["c2"])
	_, count := parentState(t, db, p.PK())
	assert.Equal(t, int64(3), count)
}

func TestAttach_DeleteRepairsDependents(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	p, children := attachScenario(t, r, db)
	ctx := context.Background()

	require.NoError(t, db.Delete(ctx, children[2]))

	_, count := parentState(t, db, p.PK())
	assert.Equal(t, int64(2), count)
	assert.Equal(t, map[string]string{
		"c1": "/A#2/c1",
		"c2": "/A#2/c2",
	}, childPaths(t, db))
}

func TestPreupdateDependents_CapturesCurrentAssociations(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	p, children := attachScenario(t, r, db)
	ctx := context.Background()

	old, err := r.PreupdateDependents(ctx, db.Query("Child").FilterPKs(children[0].PK()), nil)
	require.NoError(t, err)
	require.False(t, old.Empty())
	entry, ok := old.entries["Parent"]
	require.True(t, ok)
	assert.Equal(t, []any{p.PK()}, entry.pks)
	assert.Equal(t, []string{"children_count"}, entry.fields)
}

func TestPreupdateDependents_EmptyCapture(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	ctx := context.Background()

	old, err := r.PreupdateDependents(ctx, db.Query("Child").FilterPKs(), nil)
	require.NoError(t, err)
	assert.True(t, old.Empty())
	require.NoError(t, r.ApplyOld(ctx, old))
	require.NoError(t, r.ApplyOld(ctx, nil))
}

func TestReassignment_OldAssociationIsRepaired(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	a, children := attachScenario(t, r, db)
	ctx := context.Background()

	b := db.New("Parent")
	b.Set("name", "B")
	require.NoError(t, db.Insert(ctx, b))

	// Move c1 from A to B out of band: capture the associations first, relink
	// without hooks, then propagate with the capture.
	moved := children[0]
	qs := db.Query("Child").FilterPKs(moved.PK())
	old, err := r.PreupdateDependents(ctx, qs, []string{"parent"})
	require.NoError(t, err)

	moved.Set("parent", b.PK())
	require.NoError(t, db.UpdateRecord(ctx, moved, []string{"parent"}))

	require.NoError(t, r.UpdateDependents(ctx, qs, []string{"parent"}, old, true))

	_, countA := parentState(t, db, a.PK())
	_, countB := parentState(t, db, b.PK())
	assert.Equal(t, int64(2), countA)
	assert.Equal(t, int64(1), countB)

	paths := childPaths(t, db)
	assert.Equal(t, "/B#1/c1", paths["c1"])
	assert.Equal(t, "/A#2/c2", paths["c2"])
	assert.Equal(t, "/A#2/c3", paths["c3"])
}

func TestM2M_LinkChangesUpdateAggregates(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	ctx := context.Background()
	r.Attach(db)

	art := db.New("Article")
	art.Set("title", "intro")
	require.NoError(t, db.Insert(ctx, art))

	tags := make([]*orm.Record, 2)
	for i, name := range []string{"sql", "go"} {
		tag := db.New("Tag")
		tag.Set("name", name)
		require.NoError(t, db.Insert(ctx, tag))
		tags[i] = tag
		require.NoError(t, db.AddLink(ctx, art, "tags", tag))
	}

	tagList := func() any {
		recs, err := db.Query("Article").FilterPKs(art.PK()).All(ctx)
		require.NoError(t, err)
		return recs[0].Get("tag_list")
	}
	assert.Equal(t, "go, sql", tagList())

	require.NoError(t, db.RemoveLink(ctx, art, "tags", tags[0]))
	assert.Equal(t, "go", tagList())
}

func TestM2M_SourceFieldSavePropagatesAcrossLink(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	ctx := context.Background()
	r.Attach(db)

	art := db.New("Article")
	art.Set("title", "intro")
	require.NoError(t, db.Insert(ctx, art))
	tag := db.New("Tag")
	tag.Set("name", "go")
	require.NoError(t, db.Insert(ctx, tag))
	require.NoError(t, db.AddLink(ctx, art, "tags", tag))

	tag.Set("name", "golang")
	require.NoError(t, db.Save(ctx, tag, []string{"name"}))

	recs, err := db.Query("Article").FilterPKs(art.PK()).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, "golang", recs[0].Get("tag_list"))
}

func seedOutOfBand(t *testing.T, db *orm.DB) any {
	t.Helper()
	ctx := context.Background()
	p := db.New("Parent")
	p.Set("name", "A")
	require.NoError(t, db.Insert(ctx, p))
	for _, name := range []string{"c1", "c2"} {
		c := db.New("Child")
		c.Set("name", name)
		c.Set("parent", p.PK())
		require.NoError(t, db.Insert(ctx, c))
	}
	return p.PK()
}

func TestResync_RepairsOutOfBandChanges(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	ctx := context.Background()
	pk := seedOutOfBand(t, db) // no hooks attached, computed columns stay empty

	_, before := parentState(t, db, pk)
	require.Nil(t, before)

	require.NoError(t, r.Resync(ctx, db))

	_, count := parentState(t, db, pk)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, map[string]string{
		"c1": "/A#2/c1",
		"c2": "/A#2/c2",
	}, childPaths(t, db))
}

func TestResync_Idempotent(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	ctx := context.Background()
	pk := seedOutOfBand(t, db)

	require.NoError(t, r.Resync(ctx, db))
	first := childPaths(t, db)
	_, firstCount := parentState(t, db, pk)

	require.NoError(t, r.Resync(ctx, db))
	assert.Equal(t, first, childPaths(t, db))
	_, secondCount := parentState(t, db, pk)
	assert.Equal(t, firstCount, secondCount)
}

func TestResync_SecondPassIssuesNoWrites(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	ctx := context.Background()
	seedOutOfBand(t, db)

	require.NoError(t, r.Resync(ctx, db))

	// Every value is consistent now; a second pass recomputes everything but
	// must not touch a single row.
	var before, after int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT total_changes()").Scan(&before))
	require.NoError(t, r.Resync(ctx, db))
	require.NoError(t, db.QueryRowContext(ctx, "SELECT total_changes()").Scan(&after))
	assert.Equal(t, before, after)
}

func TestUpdateDependents_SkipsRecordsWithUnchangedValues(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	ctx := context.Background()
	r.Attach(db)

	p := db.New("Parent")
	p.Set("name", "A")
	require.NoError(t, db.Insert(ctx, p))
	c := db.New("Child")
	c.Set("name", "c1")
	c.Set("parent", p.PK())
	require.NoError(t, db.Insert(ctx, c))

	// A no-op propagation over already-consistent records writes nothing.
	var before, after int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT total_changes()").Scan(&before))
	qs := db.Query("Child").FilterPKs(c.PK())
	require.NoError(t, r.UpdateDependents(ctx, qs, nil, nil, true))
	require.NoError(t, db.QueryRowContext(ctx, "SELECT total_changes()").Scan(&after))
	assert.Equal(t, before, after)
}

// countingModels is a parent/child pair whose parent compute function counts
// its invocations, for asserting the propagation scope.
func countingModels(counter *int) []*model.Model {
	parent := &model.Model{
		Name:  "CParent",
		Table: "cparents",
		Fields: []*model.Field{
			{Name: "id", SQLType: "TEXT", PrimaryKey: true},
			{Name: "name", SQLType: "TEXT"},
		},
		Computed: []*model.ComputedField{
			model.MustComputed(model.Field{Name: "kids", SQLType: "INTEGER"},
				func(ctx context.Context, inst model.Instance) (any, error) {
					*counter++
					children, err := inst.RelatedAll(ctx, "children")
					if err != nil {
						return nil, err
					}
					return int64(len(children)), nil
				},
				model.Depends("children", "parent")),
		},
	}
	child := &model.Model{
		Name:  "CChild",
		Table: "cchildren",
		Fields: []*model.Field{
			{Name: "id", SQLType: "TEXT", PrimaryKey: true},
			{Name: "name", SQLType: "TEXT"},
		},
		Relations: []*model.Relation{
			{Name: "parent", Kind: model.ForeignKey, Target: "CParent",
				Reverse: "children", Column: "parent_id"},
		},
	}
	return []*model.Model{parent, child}
}

func TestUpdateDependents_TouchesOnlyAffectedRecords(t *testing.T) {
	var calls int
	r := New(Config{})
	for _, m := range countingModels(&calls) {
		require.NoError(t, r.AddModel(m))
	}
	require.NoError(t, r.Initialize(false))

	db, err := orm.Open(":memory:", r.Models())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	require.NoError(t, db.CreateTables(ctx))

	newParent := func(name string) *orm.Record {
		p := db.New("CParent")
		p.Set("name", name)
		require.NoError(t, db.Insert(ctx, p))
		return p
	}
	newChild := func(name string, parent *orm.Record) *orm.Record {
		c := db.New("CChild")
		c.Set("name", name)
		c.Set("parent", parent.PK())
		require.NoError(t, db.Insert(ctx, c))
		return c
	}
	a := newParent("A")
	b := newParent("B")
	c1 := newChild("c1", a)
	newChild("c2", a)
	newChild("c3", b)

	calls = 0
	qs := db.Query("CChild").FilterPKs(c1.PK())
	require.NoError(t, r.UpdateDependents(ctx, qs, []string{"parent"}, nil, false))

	// Only A, the parent of c1, is recomputed; exactly once.
	assert.Equal(t, 1, calls)
	recs, err := db.Query("CParent").FilterPKs(a.PK()).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), recs[0].Get("kids"))
	recs, err = db.Query("CParent").FilterPKs(b.PK()).All(ctx)
	require.NoError(t, err)
	assert.Nil(t, recs[0].Get("kids"))
}

func TestBulkUpdater_ReturnsPKsAndExpandedFields(t *testing.T) {
	r, db := newFixtureResolver(t, Config{})
	ctx := context.Background()
	seedOutOfBand(t, db)

	pks, expanded, err := r.BulkUpdater(ctx, db.Query("Child"), []string{"name"}, true, true)
	require.NoError(t, err)
	assert.Len(t, pks, 2)
	assert.Equal(t, []string{"name", "path"}, expanded)
}

func TestPropagation_FastAndNaivePathsAgree(t *testing.T) {
	runScenario := func(cfg Config) (any, map[string]string) {
		r, db := newFixtureResolver(t, cfg)
		p, children := attachScenario(t, r, db)
		ctx := context.Background()

		p.Set("name", "Z")
		require.NoError(t, db.Save(ctx, p, []string{"name"}))
		require.NoError(t, db.Delete(ctx, children[1]))

		_, count := parentState(t, db, p.PK())
		return count, childPaths(t, db)
	}

	naiveCount, naivePaths := runScenario(Config{BatchSize: 1})
	fastCount, fastPaths := runScenario(Config{BatchSize: 1, FastBatchSize: 2, UseFastUpdate: true})
	assert.Equal(t, naiveCount, fastCount)
	assert.Equal(t, naivePaths, fastPaths)
}

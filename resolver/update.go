package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/derivekit/derive/fastupdate"
	"github.com/derivekit/derive/model"
	"github.com/derivekit/derive/orm"
)

// OldDeps is the captured set of currently associated dependent records,
// taken by PreupdateDependents before a relation-reassigning bulk change or
// a delete. Fed back to UpdateDependents (or applied after a delete) it
// repairs records that lost the association and would otherwise be skipped
// by the reverse-relation lookup.
type OldDeps struct {
	db      *orm.DB
	entries map[string]oldEntry
}

type oldEntry struct {
	pks    []any
	fields []string
}

// Empty reports whether the capture holds no dependent records.
func (o *OldDeps) Empty() bool {
	return o == nil || len(o.entries) == 0
}

// computeValue runs a single compute function. It does not deal with the
// local evaluation order; callers must respect it by other means.
func (r *Resolver) computeValue(ctx context.Context, inst model.Instance, modelName, field string) (any, error) {
	cf := r.computed[modelName][field]
	if cf == nil {
		return nil, fmt.Errorf("%s.%s is not a computed field", modelName, field)
	}
	v, err := cf.Compute(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("compute %s.%s: %w", modelName, field, err)
	}
	return v, nil
}

// Compute returns the value the field would take if recomputed now, without
// mutating the record. Local fields the requested one transitively depends
// on are computed in forward order with their old values stacked, then
// rewound, so the record is left unchanged.
func (r *Resolver) Compute(ctx context.Context, inst model.Instance, field string) (any, error) {
	name := inst.ModelName()
	entry := r.localMRO[name]
	idx := -1
	if entry != nil {
		for i, f := range entry.Base {
			if f == field {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return inst.Get(field), nil
	}
	pos := uint64(1) << uint(idx)

	type saved struct {
		field string
		value any
	}
	var stack []saved
	defer func() {
		for i := len(stack) - 1; i >= 0; i-- {
			inst.Set(stack[i].field, stack[i].value)
		}
	}()

	for _, f := range entry.Base {
		if f == field {
			return r.computeValue(ctx, inst, name, f)
		}
		if entry.Fields[f]&pos != 0 {
			stack = append(stack, saved{f, inst.Get(f)})
			v, err := r.computeValue(ctx, inst, name, f)
			if err != nil {
				return nil, err
			}
			inst.Set(f, v)
		}
	}
	return inst.Get(field), nil
}

// UpdateComputedFields destructively recomputes every local computed field
// affected by the changed fields (all of them if changed is nil), in local
// evaluation order, assigning the values in memory. It returns the changed
// set expanded by the recomputed field names, for the caller to merge into
// its persistence call; a nil changed set stays nil (meaning all fields).
func (r *Resolver) UpdateComputedFields(ctx context.Context, inst model.Instance, changed []string) ([]string, error) {
	name := inst.ModelName()
	mro := r.LocalMRO(name, changed)
	for _, f := range mro {
		v, err := r.computeValue(ctx, inst, name, f)
		if err != nil {
			return nil, err
		}
		inst.Set(f, v)
	}
	if changed == nil {
		return nil, nil
	}
	return unionFields(changed, mro), nil
}

// depUpdate is one dependent model pass resolved from the lookup map.
type depUpdate struct {
	model  string
	qs     *orm.Queryset
	fields []string
	pks    []any
}

// querysetsForUpdate resolves, per dependent model, the affected computed
// fields and a queryset of the affected records, built by unioning the
// reverse-relation filters of every contributing path. With pkList the
// querysets are materialized to primary keys immediately (needed before a
// delete, when the queryset would come up empty afterwards) and empty
// results are dropped.
func (r *Resolver) querysetsForUpdate(ctx context.Context, db *orm.DB, modelName string, srcPKs []any, fields []string, pkList bool) ([]depUpdate, error) {
	byField := r.lookup[modelName]
	if len(byField) == 0 || len(srcPKs) == 0 {
		return nil, nil
	}
	var srcFields []string
	if len(fields) == 0 {
		srcFields = sortedNames(byField)
	} else {
		for _, f := range fields {
			if _, ok := byField[f]; ok {
				srcFields = append(srcFields, f)
			}
		}
		sort.Strings(srcFields)
	}

	// Aggregate fields and paths per dependent model so multiple
	// contributing source fields result in a single pass.
	depFields := make(map[string]map[string]struct{})
	depPaths := make(map[string]map[string]struct{})
	for _, sf := range srcFields {
		for depModel, info := range byField[sf] {
			if depFields[depModel] == nil {
				depFields[depModel] = make(map[string]struct{})
				depPaths[depModel] = make(map[string]struct{})
			}
			for _, f := range info.Fields {
				depFields[depModel][f] = struct{}{}
			}
			for _, p := range info.Paths {
				depPaths[depModel][p] = struct{}{}
			}
		}
	}

	var out []depUpdate
	for _, depModel := range sortedNames(depFields) {
		qs := db.Query(depModel)
		for _, p := range sortedNames(depPaths[depModel]) {
			qs = qs.FilterPath(p, srcPKs)
		}
		qs = qs.Distinct()
		u := depUpdate{model: depModel, qs: qs, fields: sortedNames(depFields[depModel])}
		if pkList {
			pks, err := qs.PKs(ctx)
			if err != nil {
				return nil, err
			}
			if len(pks) == 0 {
				continue
			}
			u.pks = pks
		}
		out = append(out, u)
	}
	return out, nil
}

// PreupdateDependents captures the currently associated dependent records of
// the queryset as primary keys. Call it before a bulk change that reassigns
// relation-defining fields (see ContributingFKs) or before a delete, and
// hand the result to UpdateDependents afterwards.
func (r *Resolver) PreupdateDependents(ctx context.Context, qs *orm.Queryset, fields []string) (*OldDeps, error) {
	if !r.loaded() {
		return nil, ErrNoMaps
	}
	srcPKs, err := qs.PKs(ctx)
	if err != nil {
		return nil, err
	}
	ups, err := r.querysetsForUpdate(ctx, qs.DB(), qs.Model().Name, srcPKs, fields, true)
	if err != nil {
		return nil, err
	}
	old := &OldDeps{db: qs.DB(), entries: make(map[string]oldEntry, len(ups))}
	for _, u := range ups {
		old.entries[u.model] = oldEntry{pks: u.pks, fields: u.fields}
	}
	return old, nil
}

// UpdateDependents is the propagation entry point. It recomputes the entry
// queryset's own computed fields first (unless updateLocal is false, the
// internal setting during tree descent), then resolves every affected
// dependent model via the lookup map and bulk-updates each inside a single
// transaction. If old associations are supplied, records that lost the
// association and were not reached by the current lookup are repaired in
// the same transaction.
func (r *Resolver) UpdateDependents(ctx context.Context, qs *orm.Queryset, fields []string, old *OldDeps, updateLocal bool) error {
	if !r.loaded() {
		return ErrNoMaps
	}
	name := qs.Model().Name
	if updateLocal && r.HasComputedFields(name) {
		_, expanded, err := r.BulkUpdater(ctx, qs, fields, false, true)
		if err != nil {
			return err
		}
		if fields != nil {
			fields = expanded
		}
	}

	srcPKs, err := qs.PKs(ctx)
	if err != nil {
		return err
	}
	ups, err := r.querysetsForUpdate(ctx, qs.DB(), name, srcPKs, fields, false)
	if err != nil {
		return err
	}
	if len(ups) == 0 && old.Empty() {
		return nil
	}
	return qs.DB().Atomic(ctx, func(ctx context.Context) error {
		updated := make(map[string]map[any]struct{})
		for _, u := range ups {
			pks, _, err := r.BulkUpdater(ctx, u.qs, u.fields, true, false)
			if err != nil {
				return err
			}
			if len(pks) > 0 {
				set := make(map[any]struct{}, len(pks))
				for _, pk := range pks {
					set[pk] = struct{}{}
				}
				updated[u.model] = set
			}
		}
		return r.repairOld(ctx, old, updated)
	})
}

// repairOld bulk-updates the captured old associations minus the records the
// current pass already reached.
func (r *Resolver) repairOld(ctx context.Context, old *OldDeps, updated map[string]map[any]struct{}) error {
	if old.Empty() {
		return nil
	}
	for _, name := range sortedNames(old.entries) {
		e := old.entries[name]
		done := updated[name]
		var remaining []any
		for _, pk := range e.pks {
			if _, ok := done[pk]; !ok {
				remaining = append(remaining, pk)
			}
		}
		if len(remaining) == 0 {
			continue
		}
		qs := old.db.Query(name).FilterPKs(remaining...)
		if _, _, err := r.BulkUpdater(ctx, qs, e.fields, false, false); err != nil {
			return err
		}
	}
	return nil
}

// ApplyOld repairs captured old associations after the originating records
// are gone (the post-delete flow, where no current queryset exists). All
// writes happen in one transaction.
func (r *Resolver) ApplyOld(ctx context.Context, old *OldDeps) error {
	if old.Empty() {
		return nil
	}
	return old.db.Atomic(ctx, func(ctx context.Context) error {
		return r.repairOld(ctx, old, nil)
	})
}

// BulkUpdater recomputes the queryset's local computed fields affected by
// the changed fields, collecting only records whose value actually changed
// into batches flushed through the fast or naive bulk write path, then
// descends into UpdateDependents for the same record set unless localOnly.
//
// It returns the primary keys of the queryset if returnPKs is set (the
// caller may need them before records disappear), and the changed field set
// expanded by the recomputed field names.
func (r *Resolver) BulkUpdater(ctx context.Context, qs *orm.Queryset, fields []string, returnPKs, localOnly bool) ([]any, []string, error) {
	if !r.loaded() {
		return nil, nil, ErrNoMaps
	}
	qs = qs.Distinct()
	name := qs.Model().Name
	mro := r.LocalMRO(name, fields)
	expanded := fields
	if fields != nil {
		expanded = unionFields(fields, mro)
	}

	recs, err := qs.All(ctx)
	if err != nil {
		return nil, nil, err
	}

	if len(mro) > 0 && len(recs) > 0 {
		if err := r.warmRelations(ctx, qs.DB(), recs, name, mro); err != nil {
			return nil, nil, err
		}
		useFast, flushSize := r.writePath(ctx, qs.DB())
		var change []*orm.Record
		flush := func() error {
			if len(change) == 0 {
				return nil
			}
			var err error
			if useFast {
				err = fastupdate.Update(ctx, qs.DB(), change, mro, flushSize)
			} else {
				err = qs.DB().BulkUpdate(ctx, change, mro)
			}
			change = nil
			return err
		}
		for _, rec := range recs {
			dirty := false
			for _, f := range mro {
				v, err := r.computeValue(ctx, rec, name, f)
				if err != nil {
					return nil, nil, err
				}
				if !orm.Equal(v, rec.Get(f)) {
					rec.Set(f, v)
					dirty = true
				}
			}
			if dirty {
				change = append(change, rec)
				if len(change) >= flushSize {
					if err := flush(); err != nil {
						return nil, nil, err
					}
				}
			}
		}
		if err := flush(); err != nil {
			return nil, nil, err
		}
	}

	// Descend into the dependency tree for all records of the queryset,
	// not just the changed ones: a recompute yielding an equal value may
	// still follow an unequal source change further up.
	if !localOnly && len(recs) > 0 {
		if err := r.UpdateDependents(ctx, qs, mro, nil, false); err != nil {
			return nil, nil, err
		}
	}

	var pks []any
	if returnPKs {
		pks = make([]any, 0, len(recs))
		for _, rec := range recs {
			pks = append(pks, rec.PK())
		}
	}
	return pks, expanded, nil
}

// warmRelations applies the declared eager-load hints of the computed fields
// about to be recomputed.
func (r *Resolver) warmRelations(ctx context.Context, db *orm.DB, recs []*orm.Record, modelName string, mro []string) error {
	seen := make(map[string]struct{})
	var rels []string
	add := func(names []string) {
		for _, rel := range names {
			if _, ok := seen[rel]; ok {
				continue
			}
			seen[rel] = struct{}{}
			rels = append(rels, rel)
		}
	}
	for _, f := range mro {
		if cf := r.computed[modelName][f]; cf != nil {
			add(cf.Select)
			add(cf.Prefetch)
		}
	}
	for _, rel := range rels {
		if err := db.Preload(ctx, recs, rel); err != nil {
			return err
		}
	}
	return nil
}

// writePath decides once, on the first bulk update, whether the fast bulk
// write path is used and which flush size applies.
func (r *Resolver) writePath(ctx context.Context, db *orm.DB) (bool, int) {
	r.fastOnce.Do(func() {
		r.flushSize = r.cfg.BatchSize
		if !r.cfg.UseFastUpdate {
			return
		}
		ok, err := fastupdate.CheckSupport(ctx, db)
		if err != nil {
			slog.Warn("fast update support check failed, falling back to naive bulk updates",
				"error", err)
			return
		}
		if !ok {
			slog.Info("fast update not supported by database, using naive bulk updates")
			return
		}
		r.useFast = true
		if r.cfg.FastBatchSize > 0 {
			r.flushSize = r.cfg.FastBatchSize
		} else {
			r.flushSize = r.cfg.BatchSize * 10
		}
	})
	return r.useFast, r.flushSize
}

// UpdateM2MDependents propagates a change of an M2M through table: both
// linked sides may carry computed fields depending on the link, so the
// dependents of every given pk on either side are updated. It covers link
// removal as well, since the local recompute of each side re-reads the
// current link set.
func (r *Resolver) UpdateM2MDependents(ctx context.Context, db *orm.DB, through string, leftPKs, rightPKs []any) error {
	if !r.loaded() {
		return ErrNoMaps
	}
	info, ok := r.m2m[through]
	if !ok {
		return nil
	}
	if len(leftPKs) > 0 {
		qs := db.Query(info.LeftModel).FilterPKs(leftPKs...)
		if err := r.UpdateDependents(ctx, qs, nil, nil, true); err != nil {
			return err
		}
	}
	if len(rightPKs) > 0 {
		qs := db.Query(info.RightModel).FilterPKs(rightPKs...)
		if err := r.UpdateDependents(ctx, qs, nil, nil, true); err != nil {
			return err
		}
	}
	return nil
}

// Attach wires the resolver into the record lifecycle of a database handle:
// saves recompute local fields before the write and propagate afterwards,
// deletes capture their dependents first and repair them afterwards, and
// M2M link changes invalidate both sides.
func (r *Resolver) Attach(db *orm.DB) {
	db.SetHooks(orm.Hooks{
		BeforeSave: func(ctx context.Context, rec *orm.Record, changed []string) ([]string, error) {
			return r.UpdateComputedFields(ctx, rec, changed)
		},
		AfterSave: func(ctx context.Context, rec *orm.Record, changed []string, created bool) error {
			qs := db.Query(rec.ModelName()).FilterPKs(rec.PK())
			return r.UpdateDependents(ctx, qs, changed, nil, false)
		},
		BeforeDelete: func(ctx context.Context, rec *orm.Record) (any, error) {
			qs := db.Query(rec.ModelName()).FilterPKs(rec.PK())
			return r.PreupdateDependents(ctx, qs, nil)
		},
		AfterDelete: func(ctx context.Context, rec *orm.Record, captured any) error {
			old, _ := captured.(*OldDeps)
			return r.ApplyOld(ctx, old)
		},
		M2MChanged: func(ctx context.Context, through string, leftPKs, rightPKs []any) error {
			return r.UpdateM2MDependents(ctx, db, through, leftPKs, rightPKs)
		},
	})
}

// Resync recomputes every computed field of every computed model and
// propagates the changes, restoring consistency after out-of-band data
// changes.
func (r *Resolver) Resync(ctx context.Context, db *orm.DB) error {
	if !r.loaded() {
		return ErrNoMaps
	}
	for _, name := range r.ComputedModelNames() {
		if err := r.UpdateDependents(ctx, db.Query(name), nil, nil, true); err != nil {
			return err
		}
	}
	return nil
}

// unionFields merges two field name lists into a sorted set.
func unionFields(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, f := range a {
		seen[f] = struct{}{}
	}
	for _, f := range b {
		seen[f] = struct{}{}
	}
	return sortedNames(seen)
}

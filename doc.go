// Package derive maintains derived (computed) fields on records whose values
// depend on other fields of the same record or on fields of related records
// reachable through foreign-key, many-to-many and one-to-one relations.
//
// The engine is built from declared dependency rules: it constructs an
// inter-model dependency graph, rejects cycles, reduces redundant edges, and
// compiles two runtime artifacts - a lookup map (changed field -> dependent
// models, fields and relation paths) and a per-model local evaluation order
// encoded as bitmasks. At runtime the resolver recomputes affected fields in
// dependency order and persists changes through a batched bulk-write backend,
// propagating outward until no dependent field remains stale.
//
// Packages:
//
//   - model:      model metadata and computed-field declaration
//   - graph:      dependency graph construction, cycle detection, reduction
//   - resolver:   lifecycle phases, map loading and the propagation API
//   - orm:        the minimal record/queryset layer over database/sql
//   - fastupdate: dialect-specific batched UPDATE ... FROM (VALUES ...) writes
//   - cli:        management commands for embedding applications
package derive

// Version identifies the library release. It participates in the declaration
// content hash, so a library upgrade always invalidates a persisted map file.
const Version = "0.3.0"

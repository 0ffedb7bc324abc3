package model

import (
	"context"
	"fmt"
)

// SelfPath is the sentinel relation path for same-record dependencies.
const SelfPath = "self"

// ComputeFunc produces the value of a computed field from a record. It must
// not mutate the record; the resolver assigns the returned value itself.
type ComputeFunc func(ctx context.Context, inst Instance) (any, error)

// Instance is the record surface the engine operates on. It is implemented
// by orm.Record and by any host framework embedding the resolver.
type Instance interface {
	// ModelName identifies the record's model.
	ModelName() string
	// PK returns the primary key value.
	PK() any
	// Get returns the current in-memory value of a field. Relation names
	// yield the raw FK value.
	Get(field string) any
	// Set assigns an in-memory field value without persisting it.
	Set(field string, value any)
	// Related returns the single record behind a FK/O2O relation, or nil.
	Related(ctx context.Context, relation string) (Instance, error)
	// RelatedAll returns the records behind a reverse or M2M relation.
	RelatedAll(ctx context.Context, relation string) ([]Instance, error)
}

// Depend is one dependency rule: a relation path (SelfPath or a dotted
// traversal) and the concrete field names on the path's target model.
type Depend struct {
	Path   string
	Fields []string
}

// ComputedField is a concrete field whose value is derived by Compute.
// It is created once at declaration time and is immutable after the
// resolver's collection phase ends.
type ComputedField struct {
	Field
	Compute ComputeFunc
	Depends []Depend

	// Select and Prefetch name relations to warm on the update queryset
	// before compute functions run. Select is meant for single-valued
	// relations, Prefetch for multi-valued ones.
	Select   []string
	Prefetch []string
}

// Option configures a computed field declaration.
type Option func(*ComputedField)

// Depends declares that the field depends on the named fields of the model
// reached via path. Use SelfPath for same-record fields.
func Depends(path string, fields ...string) Option {
	return func(cf *ComputedField) {
		cf.Depends = append(cf.Depends, Depend{Path: path, Fields: fields})
	}
}

// SelectRelated declares single-valued relations to warm before computing.
func SelectRelated(relations ...string) Option {
	return func(cf *ComputedField) {
		cf.Select = append(cf.Select, relations...)
	}
}

// PrefetchRelated declares multi-valued relations to warm before computing.
func PrefetchRelated(relations ...string) Option {
	return func(cf *ComputedField) {
		cf.Prefetch = append(cf.Prefetch, relations...)
	}
}

// Computed declares a computed field backed by the given concrete field.
// The dependency rules are shape-checked eagerly; a malformed rule is a
// configuration error and fails the declaration.
func Computed(field Field, compute ComputeFunc, opts ...Option) (*ComputedField, error) {
	if field.Name == "" {
		return nil, fmt.Errorf("%w: field has no name", ErrMalformedDepends)
	}
	if compute == nil {
		return nil, fmt.Errorf("%w: %s has no compute function", ErrMalformedDepends, field.Name)
	}
	cf := &ComputedField{Field: field, Compute: compute}
	for _, opt := range opts {
		opt(cf)
	}
	for _, dep := range cf.Depends {
		if dep.Path == "" {
			return nil, fmt.Errorf("%w: %s has a rule with an empty path", ErrMalformedDepends, field.Name)
		}
		if len(dep.Fields) == 0 {
			return nil, fmt.Errorf("%w: %s rule %q names no fields", ErrMalformedDepends, field.Name, dep.Path)
		}
		for _, f := range dep.Fields {
			if f == "" {
				return nil, fmt.Errorf("%w: %s rule %q contains an empty field name", ErrMalformedDepends, field.Name, dep.Path)
			}
		}
	}
	return cf, nil
}

// MustComputed is like Computed but panics on a malformed declaration.
// Use for static declarations where a failure is a programming error.
func MustComputed(field Field, compute ComputeFunc, opts ...Option) *ComputedField {
	cf, err := Computed(field, compute, opts...)
	if err != nil {
		panic(err)
	}
	return cf
}

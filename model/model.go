package model

// RelKind enumerates the supported relation kinds.
type RelKind int

const (
	// ForeignKey is a many-to-one relation; the FK column lives on the
	// owning model's table.
	ForeignKey RelKind = iota
	// OneToOne is a foreign key with a uniqueness constraint. It traverses
	// exactly like ForeignKey.
	OneToOne
	// ManyToMany links two models through a separate linking table.
	ManyToMany
)

// Relation describes a named relation from one model to another.
//
// Forward traversal uses Name on the owning model; reverse traversal uses
// Reverse on the target model. For FK/O2O relations Column names the FK
// column on the owning table. For M2M relations Through names the linking
// table, with LeftColumn pointing at the owning model's primary key and
// RightColumn at the target's.
type Relation struct {
	Name        string
	Kind        RelKind
	Target      string
	Reverse     string
	Column      string
	Through     string
	LeftColumn  string
	RightColumn string
}

// IsMany reports whether forward traversal of the relation yields multiple
// records.
func (r *Relation) IsMany() bool {
	return r.Kind == ManyToMany
}

// Field describes one concrete column of a model.
//
// Table is only set for multi-table layouts where the field physically lives
// in a different table than the model's own; such fields are excluded from
// the fast bulk-write path.
type Field struct {
	Name       string
	Column     string
	SQLType    string
	Table      string
	PrimaryKey bool
}

// ColumnName returns the column backing the field, defaulting to the field
// name.
func (f *Field) ColumnName() string {
	if f.Column != "" {
		return f.Column
	}
	return f.Name
}

// Model is the metadata for one record type: a primary key, a set of
// concrete fields, a set of relations and a set of computed fields.
//
// Declaration order of Computed is significant: it is the deterministic
// tie-break for the local evaluation order.
type Model struct {
	Name      string
	Table     string
	Fields    []*Field
	Relations []*Relation
	Computed  []*ComputedField
}

// PKField returns the primary key field, or nil if the model has none.
func (m *Model) PKField() *Field {
	for _, f := range m.Fields {
		if f.PrimaryKey {
			return f
		}
	}
	return nil
}

// Field returns the concrete or computed field with the given name.
func (m *Model) Field(name string) *Field {
	for _, f := range m.Fields {
		if f.Name == name {
			return f
		}
	}
	if cf := m.ComputedField(name); cf != nil {
		return &cf.Field
	}
	return nil
}

// ComputedField returns the computed field with the given name, or nil.
func (m *Model) ComputedField(name string) *ComputedField {
	for _, cf := range m.Computed {
		if cf.Name == name {
			return cf
		}
	}
	return nil
}

// Relation returns the forward relation with the given name, or nil.
func (m *Model) Relation(name string) *Relation {
	for _, r := range m.Relations {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// HasField reports whether name resolves to a concrete field, a computed
// field or a forward relation on the model. Relation names count because a
// change to the FK value itself is an observable field change.
func (m *Model) HasField(name string) bool {
	return m.Field(name) != nil || m.Relation(name) != nil
}

// Set is a registry of models keyed by model name.
type Set map[string]*Model

// Add registers a model, replacing any previous registration of the same
// name.
func (s Set) Add(m *Model) {
	s[m.Name] = m
}

// Hop is one resolved segment of a relation path: the relation taken and
// whether it was traversed forward (from Owner to the relation's Target) or
// in reverse.
type Hop struct {
	Rel     *Relation
	Owner   *Model
	Forward bool
}

// Target returns the model the hop arrives at.
func (s Set) Target(h Hop) *Model {
	if h.Forward {
		return s[h.Rel.Target]
	}
	return h.Owner
}

// ResolveSegment resolves one relation path segment starting at m. A segment
// names either a forward relation on m or the reverse accessor of a relation
// pointing at m.
func (s Set) ResolveSegment(m *Model, segment string) (Hop, error) {
	if rel := m.Relation(segment); rel != nil {
		if _, ok := s[rel.Target]; !ok {
			return Hop{}, &PathError{Model: m.Name, Segment: segment,
				Reason: "relation targets unregistered model " + rel.Target}
		}
		return Hop{Rel: rel, Owner: m, Forward: true}, nil
	}
	for _, other := range s {
		for _, rel := range other.Relations {
			if rel.Target == m.Name && rel.Reverse == segment {
				return Hop{Rel: rel, Owner: other, Forward: false}, nil
			}
		}
	}
	return Hop{}, &PathError{Model: m.Name, Segment: segment,
		Reason: "segment is neither a field nor a relation"}
}

// Package resolver is the runtime engine: it collects model and
// computed-field declarations, compiles (or loads) the dependency maps, and
// propagates source-field changes to every dependent computed field.
//
// A Resolver moves through three one-directional phases: collecting
// (registration open), sealed (declarations frozen, maps not yet built) and
// maps-loaded (runtime operations available). Map loading is guarded by a
// mutex so concurrent first use builds the maps exactly once; the loaded
// maps are immutable afterwards and read without locking.
package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/derivekit/derive"
	"github.com/derivekit/derive/graph"
	"github.com/derivekit/derive/model"
)

var (
	// ErrSealed is returned when a model or computed field is registered
	// after the resolver was sealed.
	ErrSealed = errors.New("resolver is sealed, registration is closed")
	// ErrNotInitialized is returned by operations that need the extracted
	// declarations before Initialize ran.
	ErrNotInitialized = errors.New("resolver is not initialized")
	// ErrNoMaps is returned by runtime operations before LoadMaps ran.
	ErrNoMaps = errors.New("resolver maps are not loaded")
)

// Config holds the resolver settings. The zero value is usable: maps are
// rebuilt in memory on every start, writes go through the naive per-record
// path in batches of 100.
type Config struct {
	// MapFile is the path of the persisted map artifact. Empty disables
	// map persistence; the maps are then rebuilt on every LoadMaps.
	MapFile string
	// BatchSize is the change-batch size for the naive bulk write path.
	// Zero or negative means 100.
	BatchSize int
	// FastBatchSize is the change-batch size when the fast bulk write path
	// is active. Zero means ten times BatchSize.
	FastBatchSize int
	// UseFastUpdate enables the fast bulk write backend if the database
	// supports it. The capability check runs lazily on the first bulk
	// update.
	UseFastUpdate bool
	// AllowRecursion skips the union-graph cycle check and the redundant
	// edge reduction, permitting intermodel recursions. Local per-model
	// cycles stay fatal since the local evaluation order cannot exist
	// without local acyclicity.
	AllowRecursion bool
}

// Resolver owns the declaration registry, the compiled maps and the
// propagation machinery.
type Resolver struct {
	cfg      Config
	models   model.Set
	computed map[string]map[string]*model.ComputedField

	mu          sync.Mutex
	sealed      bool
	initialized bool
	mapLoaded   bool

	lookup   graph.LookupMap
	localMRO map[string]*graph.LocalMRO
	fkMap    map[string][]string
	m2m      map[string]graph.M2MInfo

	// Fast-update capability is decided once, on the first bulk update.
	fastOnce  sync.Once
	useFast   bool
	flushSize int
}

// New creates a resolver in the collecting phase.
func New(cfg Config) *Resolver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Resolver{
		cfg:      cfg,
		models:   make(model.Set),
		computed: make(map[string]map[string]*model.ComputedField),
	}
}

// AddModel registers a model. Computed fields already attached to the model
// are picked up during Initialize.
func (r *Resolver) AddModel(m *model.Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("cannot register model %s: %w", m.Name, ErrSealed)
	}
	r.models.Add(m)
	return nil
}

// AddComputedField attaches a computed field to an already registered model.
func (r *Resolver) AddComputedField(modelName string, cf *model.ComputedField) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("cannot register %s.%s: %w", modelName, cf.Name, ErrSealed)
	}
	m, ok := r.models[modelName]
	if !ok {
		return fmt.Errorf("cannot register %s.%s: model not registered", modelName, cf.Name)
	}
	if m.ComputedField(cf.Name) != nil {
		return fmt.Errorf("cannot register %s.%s: already declared", modelName, cf.Name)
	}
	m.Computed = append(m.Computed, cf)
	return nil
}

// Seal closes registration. Sealing is idempotent and irreversible.
func (r *Resolver) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether registration is closed.
func (r *Resolver) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// Initialize seals the resolver and extracts the computed-field registry
// from the registered models. With modelsOnly the maps are not loaded yet;
// call LoadMaps later (or let WriteMap build them for the artifact).
func (r *Resolver) Initialize(modelsOnly bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	if !r.initialized {
		for name, m := range r.models {
			if len(m.Computed) == 0 {
				continue
			}
			byField := make(map[string]*model.ComputedField, len(m.Computed))
			for _, cf := range m.Computed {
				byField[cf.Name] = cf
			}
			r.computed[name] = byField
		}
		r.initialized = true
	}
	if modelsOnly {
		return nil
	}
	return r.loadMapsLocked(false)
}

// LoadMaps makes the runtime maps available, building them if needed. With
// force the persisted artifact is ignored and the maps are rebuilt from the
// declarations.
func (r *Resolver) LoadMaps(force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadMapsLocked(force)
}

func (r *Resolver) loadMapsLocked(force bool) error {
	if r.mapLoaded && !force {
		return nil
	}
	if !r.initialized {
		return ErrNotInitialized
	}
	var maps *mapsArtifact
	if r.cfg.MapFile != "" && !force {
		a, err := r.readArtifact()
		if err != nil {
			slog.Warn("map file not usable, rebuilding maps",
				"path", r.cfg.MapFile, "error", err)
		} else {
			maps = a
		}
	}
	if maps == nil {
		a, err := r.reduce()
		if err != nil {
			return err
		}
		maps = a
	}
	m2m, err := r.extractM2M()
	if err != nil {
		return err
	}
	r.lookup = maps.Lookup
	r.localMRO = maps.LocalMRO
	r.fkMap = maps.FKMap
	r.m2m = m2m
	r.mapLoaded = true
	return nil
}

// reduce builds the dependency graph from the extracted declarations,
// enforces the cycle rules and compiles the runtime maps.
func (r *Resolver) reduce() (*mapsArtifact, error) {
	g, err := graph.New(r.models, r.computed)
	if err != nil {
		return nil, err
	}
	if err := g.DetectLocalCycles(); err != nil {
		return nil, err
	}
	if !r.cfg.AllowRecursion {
		if err := g.DetectUnionCycles(); err != nil {
			return nil, err
		}
		g.RemoveRedundant()
	}
	mro, err := g.LocalMROMap()
	if err != nil {
		return nil, err
	}
	return &mapsArtifact{
		Lookup:   g.LookupMap(),
		LocalMRO: mro,
		FKMap:    g.FKMap(),
	}, nil
}

// extractM2M rebuilds the M2M auxiliary map straight from the declarations.
// It does not depend on the graph, so it also works when the other maps came
// from the persisted artifact.
func (r *Resolver) extractM2M() (map[string]graph.M2MInfo, error) {
	out := make(map[string]graph.M2MInfo)
	for name, byField := range r.computed {
		m := r.models[name]
		if m == nil {
			continue
		}
		for _, cf := range byField {
			for _, dep := range cf.Depends {
				if dep.Path == model.SelfPath {
					continue
				}
				cur := m
				for _, seg := range strings.Split(dep.Path, ".") {
					hop, err := r.models.ResolveSegment(cur, seg)
					if err != nil {
						return nil, err
					}
					if hop.Rel.Kind == model.ManyToMany {
						target := r.models[hop.Rel.Target]
						out[hop.Rel.Through] = graph.M2MInfo{
							Through:     hop.Rel.Through,
							LeftModel:   hop.Owner.Name,
							RightModel:  target.Name,
							LeftColumn:  hop.Rel.LeftColumn,
							RightColumn: hop.Rel.RightColumn,
						}
					}
					cur = r.models.Target(hop)
				}
			}
		}
	}
	return out, nil
}

// mapsArtifact is the persisted map file layout.
type mapsArtifact struct {
	Lookup   graph.LookupMap            `json:"lookup_map"`
	LocalMRO map[string]*graph.LocalMRO `json:"local_mro"`
	FKMap    map[string][]string        `json:"fk_map"`
	Hash     string                     `json:"hash"`
}

// readArtifact loads the map file. A hash mismatch means the declarations
// (or the library) changed since the file was written; the file is then
// discarded and the maps rebuilt.
func (r *Resolver) readArtifact() (*mapsArtifact, error) {
	raw, err := os.ReadFile(r.cfg.MapFile)
	if err != nil {
		return nil, err
	}
	var a mapsArtifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("malformed map file: %w", err)
	}
	if want := r.ModelHash(); a.Hash != want {
		return nil, fmt.Errorf("map file hash %.12s does not match declarations %.12s", a.Hash, want)
	}
	return &a, nil
}

// WriteMap builds the maps with a full graph reduction and writes the
// artifact, stamped with the current declaration hash, to the configured
// map file.
func (r *Resolver) WriteMap() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return ErrNotInitialized
	}
	if r.cfg.MapFile == "" {
		return errors.New("no map file configured")
	}
	a, err := r.reduce()
	if err != nil {
		return err
	}
	a.Hash = r.ModelHash()
	raw, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(r.cfg.MapFile, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write map file: %w", err)
	}
	return nil
}

// ModelHash returns the declaration content hash: sha256 over the library
// version and, per computed model, the field names, SQL types and sorted
// dependency rules. Any change to a declaration or a library upgrade yields
// a different hash and invalidates a persisted map file.
func (r *Resolver) ModelHash() string {
	entries := make([]string, 0, len(r.computed)+1)
	for name, byField := range r.computed {
		fieldData := make([]string, 0, len(byField))
		for fname, cf := range byField {
			rules := make([]string, 0, len(cf.Depends))
			for _, dep := range cf.Depends {
				fs := append([]string(nil), dep.Fields...)
				sort.Strings(fs)
				rules = append(rules, dep.Path+strings.Join(fs, ""))
			}
			sort.Strings(rules)
			fieldData = append(fieldData, fname+cf.SQLType+strings.Join(rules, ""))
		}
		sort.Strings(fieldData)
		entries = append(entries, name+strings.Join(fieldData, ""))
	}
	sort.Strings(entries)
	sum := sha256.Sum256([]byte(derive.Version + strings.Join(entries, "")))
	return hex.EncodeToString(sum[:])
}

// Models returns the registered model set.
func (r *Resolver) Models() model.Set { return r.models }

// HasComputedFields reports whether the model carries computed fields.
func (r *Resolver) HasComputedFields(modelName string) bool {
	return len(r.computed[modelName]) > 0
}

// IsComputedField reports whether the named field is computed.
func (r *Resolver) IsComputedField(modelName, field string) bool {
	_, ok := r.computed[modelName][field]
	return ok
}

// ComputedFieldNames returns the model's computed field names in declaration
// order.
func (r *Resolver) ComputedFieldNames(modelName string) []string {
	m := r.models[modelName]
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.Computed))
	for _, cf := range m.Computed {
		out = append(out, cf.Name)
	}
	return out
}

// ComputedModelNames returns the sorted names of all models carrying
// computed fields.
func (r *Resolver) ComputedModelNames() []string {
	return sortedNames(r.computed)
}

// ContributingFKs returns, per model, the local FK fields that participate
// in a computed-field dependency chain. Bulk changes to any of these require
// the PreupdateDependents protocol.
func (r *Resolver) ContributingFKs() (map[string][]string, error) {
	if !r.loaded() {
		return nil, ErrNoMaps
	}
	return r.fkMap, nil
}

// M2MThrough returns the M2M auxiliary map entry for a through table, if the
// table participates in a dependency path.
func (r *Resolver) M2MThrough(through string) (graph.M2MInfo, bool) {
	info, ok := r.m2m[through]
	return info, ok
}

// Graph builds a fresh dependency graph from the declarations, for
// inspection and rendering. The graph is reduced the same way map building
// would reduce it.
func (r *Resolver) Graph() (*graph.Graph, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil, ErrNotInitialized
	}
	g, err := graph.New(r.models, r.computed)
	if err != nil {
		return nil, err
	}
	if !r.cfg.AllowRecursion {
		if err := g.DetectCycles(); err != nil {
			return nil, err
		}
		g.RemoveRedundant()
	}
	return g, nil
}

// LocalMRO returns the model's computed fields that must be recomputed when
// the given fields changed, in local evaluation order. A nil changed set
// means all of them.
func (r *Resolver) LocalMRO(modelName string, changed []string) []string {
	return r.localMRO[modelName].Order(changed)
}

func (r *Resolver) loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mapLoaded
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package registry

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/partition"
	"github.com/mkoziy/genome/loader/internal/repositories"
)

var (
	sourceNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)
	fieldNameRE  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)
)

// AnnotationTable returns the physical row table of a source.
func AnnotationTable(name string) string {
	return "annotations_" + name
}

// RegisterRequest describes a source registration.
type RegisterRequest struct {
	Name       string             `yaml:"name" json:"name"`
	Type       string             `yaml:"type" json:"type"`
	Version    string             `yaml:"version" json:"version"`
	Fields     models.FieldConfig `yaml:"fields" json:"fields"`
	SourceFile string             `yaml:"source_file" json:"source_file"`
	Overwrite  bool               `yaml:"overwrite" json:"overwrite"`
}

// Validate checks the request before any storage is touched.
func (r RegisterRequest) Validate() error {
	var reasons []string
	if !sourceNameRE.MatchString(r.Name) {
		reasons = append(reasons, "name must be a lower-case identifier")
	}
	if strings.TrimSpace(r.Type) == "" {
		reasons = append(reasons, "type is required")
	}
	if strings.TrimSpace(r.Version) == "" {
		reasons = append(reasons, "version is required")
	}
	reasons = append(reasons, validateFields(r.Fields)...)
	if len(reasons) > 0 {
		return &models.InvalidFieldConfigError{Source: r.Name, Reasons: reasons}
	}
	return nil
}

func validateFields(fields models.FieldConfig) []string {
	var reasons []string
	if len(fields) == 0 {
		reasons = append(reasons, "at least one field is required")
	}
	reserved := make(map[string]bool, len(models.NaturalKeyColumns))
	for _, c := range models.NaturalKeyColumns {
		reserved[c] = true
	}
	seen := make(map[string]bool, len(fields))
	for i, f := range fields {
		name := strings.TrimSpace(f.Name)
		lower := strings.ToLower(name)
		switch {
		case name == "":
			reasons = append(reasons, fmt.Sprintf("field %d has no name", i))
			continue
		case !fieldNameRE.MatchString(name):
			reasons = append(reasons, fmt.Sprintf("field %q is not an identifier", name))
		case reserved[lower]:
			reasons = append(reasons, fmt.Sprintf("field %q collides with a natural-key column", name))
		}
		if seen[lower] {
			reasons = append(reasons, fmt.Sprintf("field %q is declared twice", name))
		}
		seen[lower] = true
		if !f.Type.Valid() {
			reasons = append(reasons, fmt.Sprintf("field %q has unknown type %q", name, f.Type))
		}
	}
	return reasons
}

// snapshot is never mutated after publication.
type snapshot struct {
	byName map[string]*models.AnnotationSource
	names  []string
}

// Registry tracks annotation sources. Reads go against an immutable snapshot;
// writes are exclusive per source name.
type Registry struct {
	db  *bun.DB
	log *logger.Logger

	current atomic.Pointer[snapshot]

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	swapMu  sync.Mutex
}

// New builds an empty registry. Call Load to hydrate it from the store.
func New(db *bun.DB, log *logger.Logger) *Registry {
	r := &Registry{
		db:    db,
		log:   log.With("component", "registry"),
		locks: make(map[string]*sync.Mutex),
	}
	r.current.Store(&snapshot{byName: map[string]*models.AnnotationSource{}})
	return r
}

// Load replaces the snapshot with the sources stored in the database.
func (r *Registry) Load(ctx context.Context) error {
	sources, err := repositories.ListSources(ctx, r.db)
	if err != nil {
		return fmt.Errorf("load annotation sources: %w", err)
	}
	snap := &snapshot{byName: make(map[string]*models.AnnotationSource, len(sources))}
	for _, s := range sources {
		snap.byName[s.Name] = s
		snap.names = append(snap.names, s.Name)
	}
	sort.Strings(snap.names)

	r.swapMu.Lock()
	r.current.Store(snap)
	r.swapMu.Unlock()

	r.log.Info("registry loaded", "sources", len(sources))
	return nil
}

// Lookup returns the current definition of a source, deprecated or not. The
// returned value is shared and must not be modified.
func (r *Registry) Lookup(name string) (*models.AnnotationSource, error) {
	src, ok := r.current.Load().byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSourceNotFound, name)
	}
	return src, nil
}

// ListActive returns active sources ordered by name.
func (r *Registry) ListActive() []*models.AnnotationSource {
	snap := r.current.Load()
	out := make([]*models.AnnotationSource, 0, len(snap.names))
	for _, name := range snap.names {
		if src := snap.byName[name]; src.IsActive() {
			out = append(out, src)
		}
	}
	return out
}

// List returns every source, deprecated ones included, ordered by name.
func (r *Registry) List() []*models.AnnotationSource {
	snap := r.current.Load()
	out := make([]*models.AnnotationSource, 0, len(snap.names))
	for _, name := range snap.names {
		out = append(out, snap.byName[name])
	}
	return out
}

// Register validates and stores a source version, provisions its row table
// and publishes it.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*models.AnnotationSource, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	unlock := r.lockName(req.Name)
	defer unlock()

	exists, err := repositories.SourceVersionExists(ctx, r.db, req.Name, req.Version)
	if err != nil {
		return nil, fmt.Errorf("check source version: %w", err)
	}
	if exists && !req.Overwrite {
		return nil, &models.DuplicateSourceError{Name: req.Name, Version: req.Version}
	}

	now := time.Now().UTC()
	src := &models.AnnotationSource{
		Name:         req.Name,
		Type:         req.Type,
		Version:      req.Version,
		SourceFile:   req.SourceFile,
		Fields:       append(models.FieldConfig(nil), req.Fields...),
		Status:       models.SourceActive,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	table := AnnotationTable(req.Name)

	err = r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := repositories.CreateAnnotationTable(ctx, tx, table); err != nil {
			return fmt.Errorf("provision %s: %w", table, err)
		}
		if exists {
			// an overwrite may change the field shape, so rows of this version go
			if _, err := repositories.DeleteAnnotationsByVersion(ctx, tx, table, req.Version); err != nil {
				return err
			}
		}
		if err := repositories.InsertSourceVersion(ctx, tx, &models.AnnotationSourceVersion{
			Name:         src.Name,
			Version:      src.Version,
			Type:         src.Type,
			SourceFile:   src.SourceFile,
			Fields:       src.Fields,
			RegisteredAt: now,
		}); err != nil {
			return err
		}
		return repositories.UpsertSource(ctx, tx, src)
	})
	if err != nil {
		return nil, err
	}

	r.publish(src)
	r.log.Info("annotation source registered", "source", src.Name, "version", src.Version, "fields", len(src.Fields), "overwrite", exists)
	return src, nil
}

// Deprecate removes a source from joins without dropping its data.
func (r *Registry) Deprecate(ctx context.Context, name string) (*models.AnnotationSource, error) {
	unlock := r.lockName(name)
	defer unlock()

	cur, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if err := repositories.SetSourceStatus(ctx, r.db, name, models.SourceDeprecated); err != nil {
		return nil, err
	}

	next := cur.Clone()
	next.Status = models.SourceDeprecated
	next.UpdatedAt = time.Now().UTC()
	r.publish(next)

	r.log.Info("annotation source deprecated", "source", name, "version", cur.Version)
	return next, nil
}

// Row is one annotation row to load into a source's current version.
type Row struct {
	Key    models.VariantKey      `json:"key"`
	Values map[string]interface{} `json:"values"`
}

const loadChunk = 500

// LoadRecords validates rows against the field configuration and writes them
// to the current version. A key already stored for that version is replaced,
// and a key repeated within rows is rejected, so the version keeps one row per
// natural key. It returns the source row count afterwards.
func (r *Registry) LoadRecords(ctx context.Context, name string, rows []Row) (int64, error) {
	unlock := r.lockName(name)
	defer unlock()

	src, err := r.Lookup(name)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	recs := make([]*models.AnnotationRecord, 0, len(rows))
	keys := make([]models.VariantKey, 0, len(rows))
	firstRow := make(map[models.VariantKey]int, len(rows))
	for i, row := range rows {
		rec, err := buildRecord(src, row, now)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", i, err)
		}
		key := rec.Key()
		if j, dup := firstRow[key]; dup {
			return 0, fmt.Errorf("row %d: %w: %s already given at row %d", i, models.ErrDuplicateRowKey, key, j)
		}
		firstRow[key] = i
		recs = append(recs, rec)
		keys = append(keys, key)
	}

	table := AnnotationTable(name)
	var count, replaced int64
	err = r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for start := 0; start < len(recs); start += loadChunk {
			end := start + loadChunk
			if end > len(recs) {
				end = len(recs)
			}
			n, err := repositories.DeleteAnnotationsByKey(ctx, tx, table, src.Version, keys[start:end])
			if err != nil {
				return err
			}
			replaced += n
			if err := repositories.InsertAnnotations(ctx, tx, table, recs[start:end]); err != nil {
				return err
			}
		}
		n, err := repositories.CountAnnotations(ctx, tx, table, src.Version)
		if err != nil {
			return err
		}
		count = n
		return repositories.SetSourceRowCount(ctx, tx, name, n)
	})
	if err != nil {
		return 0, fmt.Errorf("load %s rows: %w", name, err)
	}

	next := src.Clone()
	next.RowCount = count
	next.UpdatedAt = now
	r.publish(next)

	r.log.Info("annotation rows loaded", "source", name, "version", src.Version, "rows", len(recs), "replaced", replaced, "total", count)
	return count, nil
}

func buildRecord(src *models.AnnotationSource, row Row, now time.Time) (*models.AnnotationRecord, error) {
	key := partition.NormalizeKey(row.Key)
	if err := key.Validate(); err != nil {
		return nil, err
	}
	for name := range row.Values {
		if _, ok := src.Fields.Lookup(name); !ok {
			return nil, fmt.Errorf("field %q is not configured for source %s", name, src.Name)
		}
	}
	values := make(models.FieldValues, 0, len(src.Fields))
	for _, spec := range src.Fields {
		raw, ok := row.Values[spec.Name]
		if !ok || raw == nil {
			continue
		}
		v, err := spec.Type.Coerce(raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", spec.Name, err)
		}
		values = append(values, models.FieldValue{Name: spec.Name, Value: v})
	}
	return &models.AnnotationRecord{
		Chromosome:    key.Chromosome,
		Position:      key.Position,
		Reference:     key.Reference,
		Alternate:     key.Alternate,
		SourceVersion: src.Version,
		Fields:        values,
		CreatedAt:     now,
	}, nil
}

// publish swaps in a snapshot containing src.
func (r *Registry) publish(src *models.AnnotationSource) {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	old := r.current.Load()
	next := &snapshot{byName: make(map[string]*models.AnnotationSource, len(old.byName)+1)}
	for k, v := range old.byName {
		next.byName[k] = v
	}
	if _, ok := next.byName[src.Name]; !ok {
		next.names = append(append([]string(nil), old.names...), src.Name)
		sort.Strings(next.names)
	} else {
		next.names = old.names
	}
	next.byName[src.Name] = src
	r.current.Store(next)
}

func (r *Registry) lockName(name string) func() {
	r.locksMu.Lock()
	m, ok := r.locks[name]
	if !ok {
		m = &sync.Mutex{}
		r.locks[name] = m
	}
	r.locksMu.Unlock()

	m.Lock()
	return m.Unlock
}

package annotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"

	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/partition"
	"github.com/mkoziy/genome/loader/internal/registry"
	"github.com/mkoziy/genome/loader/internal/repositories"
)

// Config tunes lookups and bulk passes.
type Config struct {
	LookupTimeout time.Duration
	RangeSize     int64
	Workers       int
}

func (c Config) withDefaults() Config {
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 2 * time.Second
	}
	if c.RangeSize <= 0 {
		c.RangeSize = 5000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Engine joins variants against registered annotation sources by natural key.
type Engine struct {
	db     *bun.DB
	reg    *registry.Registry
	router *partition.Router
	cfg    Config
	log    *logger.Logger
}

// New builds an engine bound to one registry handle.
func New(db *bun.DB, reg *registry.Registry, router *partition.Router, cfg Config, log *logger.Logger) *Engine {
	return &Engine{
		db:     db,
		reg:    reg,
		router: router,
		cfg:    cfg.withDefaults(),
		log:    log.With("component", "annotation_engine"),
	}
}

// Plan is a resolved set of sources with their payload key per field.
type Plan struct {
	Sources []*models.AnnotationSource
	keys    map[string]map[string]string // source -> field -> payload key
}

// Resolve fixes the source set for a call: the named sources, or every active
// one when names is empty. Deprecated sources are not joined.
func (e *Engine) Resolve(names []string) (*Plan, error) {
	var sources []*models.AnnotationSource
	if len(names) == 0 {
		sources = e.reg.ListActive()
	} else {
		uniq := append([]string(nil), names...)
		sort.Strings(uniq)
		for i, name := range uniq {
			if i > 0 && name == uniq[i-1] {
				continue
			}
			src, err := e.reg.Lookup(name)
			if err != nil {
				return nil, err
			}
			if !src.IsActive() {
				e.log.Debug("skipping deprecated source", "source", name)
				continue
			}
			sources = append(sources, src)
		}
	}
	return newPlan(sources), nil
}

// newPlan qualifies field names shared by several sources as "source.field".
func newPlan(sources []*models.AnnotationSource) *Plan {
	counts := make(map[string]int)
	for _, src := range sources {
		for _, f := range src.Fields {
			counts[f.Name]++
		}
	}
	p := &Plan{Sources: sources, keys: make(map[string]map[string]string, len(sources))}
	for _, src := range sources {
		m := make(map[string]string, len(src.Fields))
		for _, f := range src.Fields {
			if counts[f.Name] > 1 {
				m[f.Name] = src.Name + "." + f.Name
			} else {
				m[f.Name] = f.Name
			}
		}
		p.keys[src.Name] = m
	}
	return p
}

// apply writes the configured fields of one matched row into payload.
// Absent fields produce no key.
func (p *Plan) apply(log *logger.Logger, src *models.AnnotationSource, get func(field string) (interface{}, bool), payload models.Payload) {
	keys := p.keys[src.Name]
	for _, spec := range src.Fields {
		raw, ok := get(spec.Name)
		if !ok || raw == nil {
			continue
		}
		v, err := spec.Type.Coerce(raw)
		if err != nil {
			log.Warn("annotation value does not match declared type", "source", src.Name, "field", spec.Name, "error", err)
			continue
		}
		payload[keys[spec.Name]] = v
	}
}

// provenance describes where src writes each of its fields under p.
func (p *Plan) provenance(src *models.AnnotationSource) models.SourceProvenance {
	keys := p.keys[src.Name]
	sp := models.SourceProvenance{Version: src.Version, Fields: make([]models.ProvenanceField, 0, len(src.Fields))}
	for _, f := range src.Fields {
		sp.Fields = append(sp.Fields, models.ProvenanceField{Name: f.Name, Key: keys[f.Name], Type: f.Type})
	}
	return sp
}

// Enrich looks key up in the requested sources (all active ones if none are
// named) and returns the merged payload.
func (e *Engine) Enrich(ctx context.Context, key models.VariantKey, sourceNames []string) (models.Payload, error) {
	plan, err := e.Resolve(sourceNames)
	if err != nil {
		return nil, err
	}
	return e.EnrichWith(ctx, plan, key)
}

// EnrichWith runs the lookups of a resolved plan for one variant.
func (e *Engine) EnrichWith(ctx context.Context, plan *Plan, key models.VariantKey) (models.Payload, error) {
	payload, _, err := e.Annotate(ctx, plan, key)
	return payload, err
}

// Annotate runs the lookups of a resolved plan for one variant and also
// reports which source version wrote which payload key. Every source of the
// plan is recorded, matched or not.
func (e *Engine) Annotate(ctx context.Context, plan *Plan, key models.VariantKey) (models.Payload, models.Provenance, error) {
	key = partition.NormalizeKey(key)
	found := make([]*models.AnnotationRecord, len(plan.Sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range plan.Sources {
		g.Go(func() error {
			rec, err := e.lookup(gctx, src, key)
			if err != nil {
				return err
			}
			found[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	payload := models.Payload{}
	prov := make(models.Provenance, len(plan.Sources))
	for i, src := range plan.Sources {
		prov[src.Name] = plan.provenance(src)
		if found[i] != nil {
			plan.apply(e.log, src, found[i].Fields.Get, payload)
		}
	}
	return payload, prov, nil
}

// restate recomputes a stored payload against the current registry. Sources
// in joined take their fresh match from matched, or nothing. A source recorded
// earlier keeps its values only while it is still active at the recorded
// version; any other recorded source loses its keys. Field names are then
// qualified among the sources that remain, so a later single-source pass
// names fields the same way the original multi-source join did. Keys no source
// owns are left alone.
func (e *Engine) restate(stored models.Payload, prov models.Provenance, joined []*models.AnnotationSource, matched map[string]models.FieldValues) (models.Payload, models.Provenance) {
	inJoin := make(map[string]bool, len(joined))
	for _, src := range joined {
		inJoin[src.Name] = true
	}

	payload := stored.Clone()
	kept := make(map[string]map[string]interface{})
	var sources []*models.AnnotationSource
	for _, name := range prov.Sources() {
		values := prov.Strip(name, payload)
		if inJoin[name] {
			continue
		}
		src, err := e.reg.Lookup(name)
		if err != nil || !src.IsActive() || src.Version != prov[name].Version {
			continue
		}
		kept[name] = values
		sources = append(sources, src)
	}
	sources = append(sources, joined...)

	plan := newPlan(sources)
	out := make(models.Provenance, len(sources))
	for _, src := range sources {
		out[src.Name] = plan.provenance(src)
		if values, ok := kept[src.Name]; ok {
			plan.apply(e.log, src, func(field string) (interface{}, bool) {
				v, ok := values[field]
				return v, ok
			}, payload)
			continue
		}
		if fv, ok := matched[src.Name]; ok {
			plan.apply(e.log, src, fv.Get, payload)
		}
	}
	return payload, out
}

// lookup returns the single row of src for key, nil when there is none or the
// lookup degraded.
func (e *Engine) lookup(ctx context.Context, src *models.AnnotationSource, key models.VariantKey) (*models.AnnotationRecord, error) {
	lctx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
	defer cancel()

	recs, err := repositories.FindAnnotations(lctx, e.db, registry.AnnotationTable(src.Name), key, src.Version, 2)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(lctx.Err(), context.DeadlineExceeded) {
			e.log.Warn("annotation lookup timed out, treating as no match", "source", src.Name, "variant", key.String(), "timeout", e.cfg.LookupTimeout)
			return nil, nil
		}
		e.log.Warn("annotation lookup failed, treating as no match", "source", src.Name, "variant", key.String(), "error", err)
		return nil, nil
	}
	switch len(recs) {
	case 0:
		return nil, nil
	case 1:
		return recs[0], nil
	default:
		n, cerr := repositories.CountMatches(ctx, e.db, registry.AnnotationTable(src.Name), key, src.Version)
		if cerr != nil || n < int64(len(recs)) {
			n = int64(len(recs))
		}
		return nil, &models.AmbiguousAnnotationMatchError{Source: src.Name, Key: key, Matches: int(n)}
	}
}

func (p *Plan) String() string {
	names := make([]string, len(p.Sources))
	for i, s := range p.Sources {
		names[i] = s.Name + "@" + s.Version
	}
	return fmt.Sprint(names)
}

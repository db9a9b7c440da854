package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/loader/internal/annotation"
	"github.com/mkoziy/genome/loader/internal/audit"
	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/partition"
	"github.com/mkoziy/genome/loader/internal/repositories"
)

// Service answers downstream read queries.
type Service struct {
	db       *bun.DB
	router   *partition.Router
	engine   *annotation.Engine
	recorder *audit.Recorder
	log      *logger.Logger
}

// New builds a query service over the partitioned store and the engine.
func New(db *bun.DB, router *partition.Router, engine *annotation.Engine, recorder *audit.Recorder, log *logger.Logger) *Service {
	return &Service{
		db:       db,
		router:   router,
		engine:   engine,
		recorder: recorder,
		log:      log.With("component", "query"),
	}
}

// ByKey returns the stored records of a variant from every batch, newest
// first. Annotations are recomputed against the active sources at their
// registered versions; what a batch stored at load time is not returned.
func (s *Service) ByKey(ctx context.Context, key models.VariantKey) ([]*models.VariantRecord, error) {
	key = partition.NormalizeKey(key)
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid variant key %s: %w", key, err)
	}

	parts, err := s.router.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var out []*models.VariantRecord
	for _, p := range parts {
		rows, err := repositories.GetVariantsByKey(ctx, s.db, partition.Table(p), key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		for _, row := range rows {
			row.Partition = p
		}
		out = append(out, rows...)
	}
	if len(out) == 0 {
		return out, nil
	}

	plan, err := s.engine.Resolve(nil)
	if err != nil {
		return nil, err
	}
	live, prov, err := s.engine.Annotate(ctx, plan, key)
	if err != nil {
		return nil, err
	}
	for _, row := range out {
		row.SetAnnotations(live.Clone(), prov)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// BatchReport is a load batch with derived figures.
type BatchReport struct {
	Batch     *models.LoadBatch `json:"batch"`
	Stored    int64             `json:"stored_variants"`
	SkipRatio float64           `json:"skip_ratio"`
	Duration  string            `json:"duration"`
}

// Batch returns the audit record of a batch and the number of its rows still
// stored. A replaced batch reports zero stored rows.
func (s *Service) Batch(ctx context.Context, id string) (*BatchReport, error) {
	b, err := s.recorder.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	parts, err := s.router.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var stored int64
	for _, p := range parts {
		n, err := repositories.CountVariantsByBatch(ctx, s.db, partition.Table(p), id)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", p, err)
		}
		stored += n
	}

	return &BatchReport{
		Batch:     b,
		Stored:    stored,
		SkipRatio: b.SkipRatio(),
		Duration:  b.Duration().Round(time.Millisecond).String(),
	}, nil
}

// LatestForHash answers "was this file loaded, and when": the most recent
// batch for a content hash.
func (s *Service) LatestForHash(ctx context.Context, hash string) (*models.LoadBatch, error) {
	return s.recorder.LatestByHash(ctx, hash)
}

// History returns the reload chain of a content hash, newest first.
func (s *Service) History(ctx context.Context, hash string) ([]*models.LoadBatch, error) {
	return s.recorder.ListByHash(ctx, hash)
}

// RegisterSamples stores pedigree and metadata of samples. Samples first seen
// in a load only carry their external id until registered here.
func (s *Service) RegisterSamples(ctx context.Context, samples []*models.Sample) error {
	for _, smp := range samples {
		if smp.ExternalID == "" {
			return models.ErrInvalidSample
		}
		if smp.Metadata == nil {
			smp.Metadata = models.Payload{}
		}
	}
	if err := repositories.UpsertSamples(ctx, s.db, samples); err != nil {
		return fmt.Errorf("upsert samples: %w", err)
	}
	return nil
}

// Family returns the members of one family ordered by external id.
func (s *Service) Family(ctx context.Context, familyID string) ([]*models.Sample, error) {
	samples, err := repositories.GetSamplesByFamily(ctx, s.db, familyID)
	if err != nil {
		return nil, fmt.Errorf("family %s: %w", familyID, err)
	}
	return samples, nil
}

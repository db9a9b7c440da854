package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"

	"github.com/mkoziy/genome/loader/internal/annotation"
	"github.com/mkoziy/genome/loader/internal/audit"
	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/partition"
	"github.com/mkoziy/genome/loader/internal/repositories"
	"github.com/mkoziy/genome/loader/internal/retry"
)

// Config tunes ingestion.
type Config struct {
	MicroBatchSize        int
	SkipTolerance         float64
	AbortSkipRatio        float64
	AbortMinRecords       int64
	EnrichInline          bool
	DefaultSources        []string
	ReloadPolicy          models.ReloadPolicy
	FileWorkers           int
	ReferenceGenome       string
	AnnotationToolVersion string
	Operator              string
	Retry                 retry.Config
}

func (c Config) withDefaults() Config {
	if c.MicroBatchSize <= 0 {
		c.MicroBatchSize = 500
	}
	if c.SkipTolerance < 0 {
		c.SkipTolerance = 0
	}
	if c.AbortSkipRatio <= 0 {
		c.AbortSkipRatio = 0.5
	}
	if c.AbortMinRecords <= 0 {
		c.AbortMinRecords = 1000
	}
	if c.FileWorkers <= 0 {
		c.FileWorkers = 2
	}
	c.Retry = retry.ApplyDefaults(c.Retry)
	return c
}

// BeginRequest describes one file to load.
type BeginRequest struct {
	FilePath              string
	FileHash              string
	FileSize              int64
	ReferenceGenome       string
	AnnotationToolVersion string
	Operator              string

	// ForceReload loads content whose hash was already loaded, superseding
	// the earlier batch.
	ForceReload bool
	// ReloadPolicy overrides the configured policy for this reload.
	ReloadPolicy models.ReloadPolicy
	// Sources used for inline enrichment; empty means every active source.
	Sources []string
	// EnrichInline overrides the configured inline enrichment switch.
	EnrichInline *bool
}

// Load is one in-progress batch owned by this controller.
type Load struct {
	Batch *models.LoadBatch

	prior   []*models.LoadBatch
	policy  models.ReloadPolicy
	sources []string
	plan    *annotation.Plan
	log     *logger.Logger

	total, loaded, skipped int64
	finalized              bool
}

// Counts returns committed total, loaded and skipped counts.
func (l *Load) Counts() (total, loaded, skipped int64) {
	return l.total, l.loaded, l.skipped
}

// Controller runs load batches end to end.
type Controller struct {
	db       *bun.DB
	router   *partition.Router
	engine   *annotation.Engine
	recorder *audit.Recorder
	cfg      Config
	log      *logger.Logger

	mu       sync.Mutex
	inflight map[string]string // file hash -> batch id
	active   map[string]bool
}

// NewController wires a controller to its collaborators.
func NewController(db *bun.DB, router *partition.Router, engine *annotation.Engine, recorder *audit.Recorder, cfg Config, log *logger.Logger) *Controller {
	return &Controller{
		db:       db,
		router:   router,
		engine:   engine,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		log:      log.With("component", "loader"),
		inflight: make(map[string]string),
		active:   make(map[string]bool),
	}
}

// Active reports whether batch id is being worked on by this process.
func (c *Controller) Active(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[id]
}

func (c *Controller) claim(hash, id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if other, ok := c.inflight[hash]; ok {
		return other, false
	}
	c.inflight[hash] = id
	c.active[id] = true
	return "", true
}

func (c *Controller) release(hash, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[hash] == id {
		delete(c.inflight, hash)
	}
	delete(c.active, id)
}

// Begin opens a running batch for a file, refusing content that is already
// loaded or loading unless a reload is forced.
func (c *Controller) Begin(ctx context.Context, req BeginRequest) (*Load, error) {
	if req.FilePath == "" || req.FileHash == "" {
		return nil, errors.New("file path and hash are required")
	}

	id := uuid.NewString()
	if other, ok := c.claim(req.FileHash, id); !ok {
		return nil, &models.DuplicateLoadError{FileHash: req.FileHash, PriorBatchID: other, InFlight: true}
	}

	load, err := c.begin(ctx, id, req)
	if err != nil {
		c.release(req.FileHash, id)
		return nil, err
	}
	return load, nil
}

func (c *Controller) begin(ctx context.Context, id string, req BeginRequest) (*Load, error) {
	prior, err := c.recorder.ListByHash(ctx, req.FileHash)
	if err != nil {
		return nil, fmt.Errorf("check prior loads: %w", err)
	}
	if len(prior) > 0 && !req.ForceReload {
		return nil, &models.DuplicateLoadError{FileHash: req.FileHash, PriorBatchID: prior[0].ID}
	}

	var policy models.ReloadPolicy
	var supersede []string
	if len(prior) > 0 {
		policy = req.ReloadPolicy
		if policy == "" {
			policy = c.cfg.ReloadPolicy
		}
		if policy == "" {
			return nil, models.ErrReloadPolicyUnset
		}
		if !policy.Valid() {
			return nil, fmt.Errorf("unknown reload policy %q", policy)
		}
		for _, p := range prior {
			if !p.Superseded {
				supersede = append(supersede, p.ID)
			}
		}
	}

	sources := req.Sources
	if len(sources) == 0 {
		sources = c.cfg.DefaultSources
	}
	inline := c.cfg.EnrichInline
	if req.EnrichInline != nil {
		inline = *req.EnrichInline
	}
	var plan *annotation.Plan
	if inline {
		if plan, err = c.engine.Resolve(sources); err != nil {
			return nil, fmt.Errorf("resolve annotation sources: %w", err)
		}
	}

	now := time.Now().UTC()
	batch := &models.LoadBatch{
		ID:                    id,
		FilePath:              req.FilePath,
		FileHash:              req.FileHash,
		FileSize:              req.FileSize,
		StartedAt:             now,
		HeartbeatAt:           now,
		ReferenceGenome:       firstNonEmpty(req.ReferenceGenome, c.cfg.ReferenceGenome),
		AnnotationToolVersion: firstNonEmpty(req.AnnotationToolVersion, c.cfg.AnnotationToolVersion),
		Status:                models.BatchCreated,
		Operator:              firstNonEmpty(req.Operator, c.cfg.Operator),
		ReloadPolicy:          policy,
		CreatedAt:             now,
	}
	if len(prior) > 0 {
		prev := prior[0].ID
		batch.PreviousLoadID = &prev
	}

	var parts []string
	if policy == models.ReloadReplace {
		if parts, err = c.router.Partitions(ctx); err != nil {
			return nil, fmt.Errorf("list partitions: %w", err)
		}
	}

	// partition locks are always taken before a transaction starts
	unlock := c.router.Lock(parts...)
	var removed int64
	err = c.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := c.recorder.Open(ctx, tx, batch, supersede); err != nil {
			return err
		}
		if policy != models.ReloadReplace {
			return nil
		}
		ids := batchIDs(prior)
		for _, p := range parts {
			n, err := repositories.DeleteVariantsByBatch(ctx, tx, partition.Table(p), ids)
			if err != nil {
				return fmt.Errorf("replace prior rows in %s: %w", p, err)
			}
			removed += n
		}
		return nil
	})
	unlock()
	if err != nil {
		var dup *models.DuplicateLoadError
		if errors.As(err, &dup) && dup.PriorBatchID == "" {
			if latest, lerr := c.recorder.LatestByHash(ctx, req.FileHash); lerr == nil {
				dup.PriorBatchID = latest.ID
			}
		}
		return nil, err
	}

	log := c.log.With("batch_id", id, "file", req.FilePath)
	if batch.PreviousLoadID != nil {
		log.Info("reload started", "previous_load_id", *batch.PreviousLoadID, "policy", policy, "rows_removed", removed)
	} else {
		log.Info("load started", "hash", req.FileHash, "size", req.FileSize)
	}

	return &Load{
		Batch:   batch,
		prior:   prior,
		policy:  policy,
		sources: sources,
		plan:    plan,
		log:     log,
	}, nil
}

// pending is the uncommitted micro-batch.
type pending struct {
	rows                   map[string][]*models.VariantRecord
	samples                map[string]struct{}
	total, loaded, skipped int64
}

func newPending() *pending {
	return &pending{rows: make(map[string][]*models.VariantRecord), samples: make(map[string]struct{})}
}

// Ingest consumes stream, committing every MicroBatchSize records. It stops
// at the first fatal error or when ctx is done; committed work stays.
func (c *Controller) Ingest(ctx context.Context, load *Load, stream VariantStream) error {
	if load.finalized {
		return models.ErrBatchTerminal
	}
	buf := newPending()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, models.ErrParseSkip) {
				buf.total++
				buf.skipped++
				load.log.Debug("skipping unreadable record", "error", err)
				if aerr := c.checkSkipRate(ctx, load, buf); aerr != nil {
					return aerr
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read variant stream: %w", err)
		}

		buf.total++
		rec, part, err := c.prepare(ctx, load, raw)
		if err != nil {
			if errors.Is(err, models.ErrParseSkip) {
				buf.skipped++
				load.log.Debug("skipping invalid record", "error", err)
				if aerr := c.checkSkipRate(ctx, load, buf); aerr != nil {
					return aerr
				}
				continue
			}
			return err
		}
		buf.rows[part] = append(buf.rows[part], rec)
		for _, s := range rec.SampleIDs {
			buf.samples[s] = struct{}{}
		}
		buf.loaded++

		if buf.total >= int64(c.cfg.MicroBatchSize) {
			if err := c.commit(ctx, load, buf); err != nil {
				return err
			}
			buf = newPending()
		}
	}

	return c.commit(ctx, load, buf)
}

// prepare validates, routes and optionally enriches one record. Invalid
// records come back as ErrParseSkip.
func (c *Controller) prepare(ctx context.Context, load *Load, raw models.RawVariant) (*models.VariantRecord, string, error) {
	key := partition.NormalizeKey(raw.Key())
	if err := key.Validate(); err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", models.ErrParseSkip, raw.Key(), err)
	}
	raw.Chromosome, raw.Reference, raw.Alternate = key.Chromosome, key.Reference, key.Alternate

	part := c.router.PartitionFor(key.Chromosome)
	if err := c.router.Ensure(ctx, part); err != nil {
		return nil, "", err
	}

	rec := models.NewVariantRecord(raw, load.Batch.ID, nil)
	if load.plan != nil {
		payload, prov, err := c.engine.Annotate(ctx, load.plan, key)
		if err != nil {
			return nil, "", err
		}
		rec.SetAnnotations(payload, prov)
	}
	return rec, part, nil
}

// checkSkipRate aborts the batch once enough records were seen and the skip
// ratio is beyond recovery. Good records read so far are committed first.
func (c *Controller) checkSkipRate(ctx context.Context, load *Load, buf *pending) error {
	total := load.total + buf.total
	skipped := load.skipped + buf.skipped
	if total < c.cfg.AbortMinRecords || float64(skipped)/float64(total) <= c.cfg.AbortSkipRatio {
		return nil
	}
	if err := c.commit(ctx, load, buf); err != nil {
		return err
	}
	*buf = *newPending()
	return fmt.Errorf("%w: %d of %d records skipped", models.ErrSkipRateExceeded, skipped, total)
}

// commit writes one micro-batch with its audit progress in one transaction.
func (c *Controller) commit(ctx context.Context, load *Load, buf *pending) error {
	if buf.total == 0 {
		return nil
	}

	parts := make([]string, 0, len(buf.rows))
	for p := range buf.rows {
		parts = append(parts, p)
	}
	sort.Strings(parts)
	samples := make([]string, 0, len(buf.samples))
	for s := range buf.samples {
		samples = append(samples, s)
	}
	sort.Strings(samples)

	total := load.total + buf.total
	loaded := load.loaded + buf.loaded
	skipped := load.skipped + buf.skipped

	unlock := c.router.Lock(parts...)
	defer unlock()

	err := retry.Do(ctx, c.cfg.Retry, load.log, func() error {
		err := c.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			for _, p := range parts {
				if err := repositories.UpsertVariants(ctx, tx, partition.Table(p), buf.rows[p]); err != nil {
					return fmt.Errorf("write %s: %w", p, err)
				}
			}
			if err := repositories.EnsureSamples(ctx, tx, samples); err != nil {
				return fmt.Errorf("register samples: %w", err)
			}
			return c.recorder.Progress(ctx, tx, load.Batch.ID, total, loaded, skipped)
		})
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, models.ErrBatchTerminal) {
			return err
		}
		return retry.Classify("commit micro-batch", err)
	})
	if err != nil {
		return err
	}

	load.total, load.loaded, load.skipped = total, loaded, skipped
	load.log.Debug("micro-batch committed", "partitions", parts, "total", total, "loaded", loaded, "skipped", skipped)
	return nil
}

// Finalize writes the terminal status. Cancellation yields partial, other
// ingest errors failed; otherwise the skip ratio decides between completed and
// partial. The write happens even when ctx is already cancelled.
func (c *Controller) Finalize(ctx context.Context, load *Load, ingestErr error) (*models.LoadBatch, error) {
	if load.finalized {
		return nil, models.ErrBatchTerminal
	}
	fctx := context.WithoutCancel(ctx)
	defer c.release(load.Batch.FileHash, load.Batch.ID)

	status, msg := c.outcome(ctx, load, ingestErr)
	final, err := c.recorder.Finalize(fctx, load.Batch.ID, status, load.total, load.loaded, load.skipped, msg)
	if err != nil {
		return nil, fmt.Errorf("finalize batch %s: %w", load.Batch.ID, err)
	}
	load.finalized = true
	load.Batch = final

	if load.policy == models.ReloadAdditive && status != models.BatchFailed && ctx.Err() == nil {
		for _, p := range load.prior {
			res, err := c.engine.EnrichBatch(fctx, p.ID, load.sources)
			if err != nil {
				load.log.Warn("re-annotation of previous batch failed", "previous_load_id", p.ID, "error", err)
				continue
			}
			load.log.Info("previous batch re-annotated", "previous_load_id", p.ID, "updated", res.Updated)
		}
	}
	return final, nil
}

func (c *Controller) outcome(ctx context.Context, load *Load, ingestErr error) (models.BatchStatus, string) {
	switch {
	case ingestErr == nil:
		if load.total == 0 || float64(load.skipped)/float64(load.total) <= c.cfg.SkipTolerance {
			return models.BatchCompleted, ""
		}
		return models.BatchPartial, ""
	case ctx.Err() != nil, errors.Is(ingestErr, context.Canceled), errors.Is(ingestErr, context.DeadlineExceeded):
		return models.BatchPartial, "cancelled: " + ingestErr.Error()
	default:
		return models.BatchFailed, ingestErr.Error()
	}
}

// Run begins, ingests and finalizes one file. The finalized batch is returned
// together with the ingest error, if any.
func (c *Controller) Run(ctx context.Context, req BeginRequest, stream VariantStream) (*models.LoadBatch, error) {
	load, err := c.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	ingestErr := c.Ingest(ctx, load, stream)
	final, err := c.Finalize(ctx, load, ingestErr)
	if err != nil {
		return nil, errors.Join(ingestErr, err)
	}
	return final, ingestErr
}

// Job is one file of a RunMany call.
type Job struct {
	Request BeginRequest
	Stream  VariantStream
}

// Result is the outcome of one Job.
type Result struct {
	Batch *models.LoadBatch
	Err   error
}

// RunMany loads independent files concurrently, FileWorkers at a time. One
// file failing does not stop the others.
func (c *Controller) RunMany(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	var g errgroup.Group
	g.SetLimit(c.cfg.FileWorkers)
	for i, job := range jobs {
		g.Go(func() error {
			b, err := c.Run(ctx, job.Request, job.Stream)
			results[i] = Result{Batch: b, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func batchIDs(batches []*models.LoadBatch) []string {
	ids := make([]string, len(batches))
	for i, b := range batches {
		ids[i] = b.ID
	}
	return ids
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

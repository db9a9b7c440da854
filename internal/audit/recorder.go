package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/repositories"
)

// Recorder persists and queries load batch audit records. Records are never
// deleted; only running batches are updated.
type Recorder struct {
	db  *bun.DB
	log *logger.Logger
}

// NewRecorder builds a recorder that writes batches through db.
func NewRecorder(db *bun.DB, log *logger.Logger) *Recorder {
	return &Recorder{db: db, log: log.With("component", "audit")}
}

// Open appends a running batch inside the caller's transaction, marking the
// batches it supersedes first. A live batch with the same content hash is
// reported as a DuplicateLoadError without PriorBatchID.
func (r *Recorder) Open(ctx context.Context, idb bun.IDB, b *models.LoadBatch, supersede []string) error {
	if b.Status == "" || b.Status == models.BatchCreated {
		b.Status = models.BatchRunning
	}
	if b.Status != models.BatchRunning {
		return fmt.Errorf("open batch %s: status must be running, got %s", b.ID, b.Status)
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if err := repositories.MarkSuperseded(ctx, idb, supersede); err != nil {
		return fmt.Errorf("supersede %v: %w", supersede, err)
	}
	if err := repositories.InsertBatch(ctx, idb, b); err != nil {
		if isUniqueViolation(err) {
			return &models.DuplicateLoadError{FileHash: b.FileHash}
		}
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}
	return nil
}

// Progress records running counts and the heartbeat.
func (r *Recorder) Progress(ctx context.Context, idb bun.IDB, id string, total, loaded, skipped int64) error {
	if loaded+skipped > total {
		return models.ErrCountsInvariant
	}
	n, err := repositories.UpdateBatchProgress(ctx, idb, id, total, loaded, skipped, time.Now().UTC())
	if err != nil {
		return err
	}
	if n == 0 {
		return r.notRunning(ctx, idb, id)
	}
	return nil
}

// Finalize sets the terminal status and final counts of a running batch.
func (r *Recorder) Finalize(ctx context.Context, id string, status models.BatchStatus, total, loaded, skipped int64, errMsg string) (*models.LoadBatch, error) {
	if !models.BatchRunning.CanTransition(status) {
		return nil, fmt.Errorf("finalize batch %s: %s is not a terminal status", id, status)
	}
	if loaded+skipped > total {
		return nil, models.ErrCountsInvariant
	}

	now := time.Now().UTC()
	b := &models.LoadBatch{
		ID:              id,
		Status:          status,
		TotalVariants:   total,
		VariantsLoaded:  loaded,
		VariantsSkipped: skipped,
		EndedAt:         &now,
		HeartbeatAt:     now,
	}
	if errMsg != "" {
		b.ErrorMessage = &errMsg
	}
	n, err := repositories.FinalizeBatch(ctx, r.db, b)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, r.notRunning(ctx, r.db, id)
	}

	final, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch status {
	case models.BatchCompleted:
		r.log.Info("batch completed", "batch_id", id, "loaded", loaded, "skipped", skipped, "duration", final.Duration())
	case models.BatchPartial:
		r.log.Warn("batch partial", "batch_id", id, "loaded", loaded, "skipped", skipped, "total", total)
	default:
		r.log.Error("batch failed", "batch_id", id, "loaded", loaded, "skipped", skipped, "error", errMsg)
	}
	return final, nil
}

func (r *Recorder) notRunning(ctx context.Context, idb bun.IDB, id string) error {
	b, err := repositories.GetBatch(ctx, idb, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrBatchNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", models.ErrBatchTerminal, id, b.Status)
}

// Get returns one batch.
func (r *Recorder) Get(ctx context.Context, id string) (*models.LoadBatch, error) {
	b, err := repositories.GetBatch(ctx, r.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrBatchNotFound, id)
	}
	return b, err
}

// LatestByHash returns the most recent batch for a content hash.
func (r *Recorder) LatestByHash(ctx context.Context, hash string) (*models.LoadBatch, error) {
	batches, err := repositories.ListBatchesByHash(ctx, r.db, hash)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("%w: no batch for hash %s", models.ErrBatchNotFound, hash)
	}
	return batches[0], nil
}

// ListByHash returns the reload chain of a content hash, newest first.
func (r *Recorder) ListByHash(ctx context.Context, hash string) ([]*models.LoadBatch, error) {
	return repositories.ListBatchesByHash(ctx, r.db, hash)
}

// Recent returns the latest batches.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]*models.LoadBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	return repositories.RecentBatches(ctx, r.db, limit)
}

// Stuck returns running batches without a heartbeat for staleAfter that no
// local worker owns. active may be nil.
func (r *Recorder) Stuck(ctx context.Context, staleAfter time.Duration, active func(id string) bool) ([]*models.LoadBatch, error) {
	running, err := repositories.RunningBatches(ctx, r.db)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-staleAfter)
	var stuck []*models.LoadBatch
	for _, b := range running {
		if !b.IsStale(cutoff) {
			continue
		}
		if active != nil && active(b.ID) {
			continue
		}
		stuck = append(stuck, b)
	}
	return stuck, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "constraint failed: unique")
}

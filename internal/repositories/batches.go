package repositories

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/loader/internal/models"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

// InsertBatch appends a new audit record.
func InsertBatch(ctx context.Context, db bun.IDB, b *models.LoadBatch) error {
	_, err := db.NewInsert().Model(b).Exec(ctx)
	return err
}

// MarkSuperseded flags earlier batches once a forced reload replaces them.
func MarkSuperseded(ctx context.Context, db bun.IDB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.NewUpdate().
		Model((*models.LoadBatch)(nil)).
		Set("superseded = ?", true).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	return err
}

// UpdateBatchProgress writes running counts and the heartbeat. It returns the
// number of rows touched, zero when the batch is no longer running.
func UpdateBatchProgress(ctx context.Context, db bun.IDB, id string, total, loaded, skipped int64, heartbeat time.Time) (int64, error) {
	res, err := db.NewUpdate().
		Model((*models.LoadBatch)(nil)).
		Set("total_variants = ?", total).
		Set("variants_loaded = ?", loaded).
		Set("variants_skipped = ?", skipped).
		Set("heartbeat_at = ?", heartbeat).
		Where("id = ?", id).
		Where("status = ?", models.BatchRunning).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FinalizeBatch moves a running batch to its terminal state.
func FinalizeBatch(ctx context.Context, db bun.IDB, b *models.LoadBatch) (int64, error) {
	res, err := db.NewUpdate().
		Model((*models.LoadBatch)(nil)).
		Set("status = ?", b.Status).
		Set("total_variants = ?", b.TotalVariants).
		Set("variants_loaded = ?", b.VariantsLoaded).
		Set("variants_skipped = ?", b.VariantsSkipped).
		Set("ended_at = ?", b.EndedAt).
		Set("heartbeat_at = ?", b.HeartbeatAt).
		Set("error_message = ?", b.ErrorMessage).
		Where("id = ?", b.ID).
		Where("status = ?", models.BatchRunning).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetBatch fetches one batch by id.
func GetBatch(ctx context.Context, db bun.IDB, id string) (*models.LoadBatch, error) {
	b := new(models.LoadBatch)
	err := db.NewSelect().
		Model(b).
		Where("id = ?", id).
		Scan(ctx)
	return b, err
}

// ListBatchesByHash returns every batch for a content hash, newest first.
func ListBatchesByHash(ctx context.Context, db bun.IDB, hash string) ([]*models.LoadBatch, error) {
	var batches []*models.LoadBatch
	err := db.NewSelect().
		Model(&batches).
		Where("file_hash = ?", hash).
		OrderExpr("started_at DESC, created_at DESC").
		Scan(ctx)
	return batches, err
}

// RecentBatches returns the latest batches across all files.
func RecentBatches(ctx context.Context, db bun.IDB, limit int) ([]*models.LoadBatch, error) {
	var batches []*models.LoadBatch
	err := db.NewSelect().
		Model(&batches).
		OrderExpr("started_at DESC").
		Limit(limit).
		Scan(ctx)
	return batches, err
}

// RunningBatches returns every batch still marked running.
func RunningBatches(ctx context.Context, db bun.IDB) ([]*models.LoadBatch, error) {
	var batches []*models.LoadBatch
	err := db.NewSelect().
		Model(&batches).
		Where("status = ?", models.BatchRunning).
		OrderExpr("heartbeat_at ASC").
		Scan(ctx)
	return batches, err
}

package repositories

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/loader/internal/models"
)

// CreateVariantTable provisions one physical variant partition.
func CreateVariantTable(ctx context.Context, db bun.IDB, table string) error {
	ddl := []struct {
		query string
		args  []interface{}
	}{
		{`CREATE TABLE IF NOT EXISTS ? (
			chromosome VARCHAR NOT NULL,
			position BIGINT NOT NULL,
			reference VARCHAR NOT NULL,
			alternate VARCHAR NOT NULL,
			load_batch_id VARCHAR NOT NULL,
			quality FLOAT,
			filters VARCHAR NOT NULL DEFAULT '[]',
			info VARCHAR NOT NULL DEFAULT '{}',
			annotations VARCHAR NOT NULL DEFAULT '{}',
			annotation_sources VARCHAR NOT NULL DEFAULT '{}',
			sample_ids VARCHAR NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL DEFAULT current_timestamp,
			updated_at TIMESTAMP NOT NULL DEFAULT current_timestamp,
			PRIMARY KEY (chromosome, position, reference, alternate, load_batch_id)
		)`, []interface{}{bun.Ident(table)}},
		{"CREATE INDEX IF NOT EXISTS ? ON ? (load_batch_id)",
			[]interface{}{bun.Ident("idx_" + table + "_batch"), bun.Ident(table)}},
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			return err
		}
	}
	return nil
}

// UpsertVariants writes a micro-batch into a partition table keyed by the
// natural key plus load batch.
func UpsertVariants(ctx context.Context, db bun.IDB, table string, rows []*models.VariantRecord) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := db.NewInsert().
		Model(&rows).
		ModelTableExpr("?", bun.Ident(table)).
		On("CONFLICT (chromosome, position, reference, alternate, load_batch_id) DO UPDATE").
		Set("quality = EXCLUDED.quality").
		Set("filters = EXCLUDED.filters").
		Set("info = EXCLUDED.info").
		Set("annotations = EXCLUDED.annotations").
		Set("annotation_sources = EXCLUDED.annotation_sources").
		Set("sample_ids = EXCLUDED.sample_ids").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)

	return err
}

// GetVariantsByKey returns every stored copy of key in table, one per load batch.
func GetVariantsByKey(ctx context.Context, db bun.IDB, table string, key models.VariantKey) ([]*models.VariantRecord, error) {
	var rows []*models.VariantRecord
	err := db.NewRaw(
		"SELECT rowid AS row_id, * FROM ? WHERE chromosome = ? AND position = ? AND reference = ? AND alternate = ? ORDER BY created_at",
		bun.Ident(table), key.Chromosome, key.Position, key.Reference, key.Alternate,
	).Scan(ctx, &rows)
	retype(rows)
	return rows, err
}

// CountVariantsByBatch counts the rows a batch owns in table.
func CountVariantsByBatch(ctx context.Context, db bun.IDB, table, batchID string) (int64, error) {
	var n int64
	err := db.NewRaw("SELECT count(*) FROM ? WHERE load_batch_id = ?", bun.Ident(table), batchID).Scan(ctx, &n)
	return n, err
}

// DeleteVariantsByBatch removes every row owned by the given batches.
func DeleteVariantsByBatch(ctx context.Context, db bun.IDB, table string, batchIDs []string) (int64, error) {
	if len(batchIDs) == 0 {
		return 0, nil
	}
	res, err := db.ExecContext(ctx, "DELETE FROM ? WHERE load_batch_id IN (?)", bun.Ident(table), bun.In(batchIDs))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RowIDSpan is the physical row range a batch occupies in one partition.
type RowIDSpan struct {
	Min   int64 `bun:"min_id"`
	Max   int64 `bun:"max_id"`
	Count int64 `bun:"n"`
}

// BatchRowIDSpan returns the rowid span of batchID within table.
func BatchRowIDSpan(ctx context.Context, db bun.IDB, table, batchID string) (RowIDSpan, error) {
	var span RowIDSpan
	err := db.NewRaw(
		"SELECT coalesce(min(rowid), 0) AS min_id, coalesce(max(rowid), 0) AS max_id, count(*) AS n FROM ? WHERE load_batch_id = ?",
		bun.Ident(table), batchID,
	).Scan(ctx, &span)
	return span, err
}

// GetVariantsInRange returns batch rows with lo <= rowid <= hi.
func GetVariantsInRange(ctx context.Context, db bun.IDB, table, batchID string, lo, hi int64) ([]*models.VariantRecord, error) {
	var rows []*models.VariantRecord
	err := db.NewRaw(
		"SELECT rowid AS row_id, * FROM ? WHERE load_batch_id = ? AND rowid BETWEEN ? AND ? ORDER BY rowid",
		bun.Ident(table), batchID, lo, hi,
	).Scan(ctx, &rows)
	retype(rows)
	return rows, err
}

func retype(rows []*models.VariantRecord) {
	for _, row := range rows {
		row.RetypeAnnotations()
	}
}

// UpdateVariantAnnotations replaces the annotation payload of one row and the
// record of the sources behind it. Identity columns are never touched.
func UpdateVariantAnnotations(ctx context.Context, db bun.IDB, table string, rowID int64, payload models.Payload, prov models.Provenance) error {
	value, err := payload.Value()
	if err != nil {
		return fmt.Errorf("encode annotations: %w", err)
	}
	sources, err := prov.Value()
	if err != nil {
		return fmt.Errorf("encode annotation sources: %w", err)
	}
	_, err = db.ExecContext(ctx,
		"UPDATE ? SET annotations = ?, annotation_sources = ?, updated_at = ? WHERE rowid = ?",
		bun.Ident(table), value, sources, nowUTC(), rowID,
	)
	return err
}

package repositories

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/loader/internal/models"
)

// CreateAnnotationTable provisions the row table of one annotation source.
func CreateAnnotationTable(ctx context.Context, db bun.IDB, table string) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS ? (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chromosome VARCHAR NOT NULL,
		position BIGINT NOT NULL,
		reference VARCHAR NOT NULL,
		alternate VARCHAR NOT NULL,
		source_version VARCHAR NOT NULL,
		fields VARCHAR NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL DEFAULT current_timestamp
	)`, bun.Ident(table)); err != nil {
		return err
	}

	// Not unique: the registry keeps one row per key and version, and a table
	// that lost that property must still surface as ambiguous matches.
	_, err := db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS ? ON ? (chromosome, position, reference, alternate, source_version)",
		bun.Ident("idx_"+table+"_key"), bun.Ident(table),
	)
	return err
}

// InsertAnnotations appends annotation rows to a source table.
func InsertAnnotations(ctx context.Context, db bun.IDB, table string, recs []*models.AnnotationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := db.NewInsert().
		Model(&recs).
		ModelTableExpr("?", bun.Ident(table)).
		Exec(ctx)
	return err
}

// DeleteAnnotationsByKey removes the rows of version matching any of keys and
// returns how many went.
func DeleteAnnotationsByKey(ctx context.Context, db bun.IDB, table, version string, keys []models.VariantKey) (int64, error) {
	var total int64
	for _, k := range keys {
		res, err := db.ExecContext(ctx,
			"DELETE FROM ? WHERE chromosome = ? AND position = ? AND reference = ? AND alternate = ? AND source_version = ?",
			bun.Ident(table), k.Chromosome, k.Position, k.Reference, k.Alternate, version,
		)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// FindAnnotations returns up to limit rows matching key at version.
func FindAnnotations(ctx context.Context, db bun.IDB, table string, key models.VariantKey, version string, limit int) ([]*models.AnnotationRecord, error) {
	var recs []*models.AnnotationRecord
	err := db.NewRaw(
		"SELECT * FROM ? WHERE chromosome = ? AND position = ? AND reference = ? AND alternate = ? AND source_version = ? ORDER BY id LIMIT ?",
		bun.Ident(table), key.Chromosome, key.Position, key.Reference, key.Alternate, version, limit,
	).Scan(ctx, &recs)
	return recs, err
}

// DeleteAnnotationsByVersion drops the rows of one source version.
func DeleteAnnotationsByVersion(ctx context.Context, db bun.IDB, table, version string) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM ? WHERE source_version = ?", bun.Ident(table), version)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountAnnotations counts the rows of one source version.
func CountAnnotations(ctx context.Context, db bun.IDB, table, version string) (int64, error) {
	var n int64
	err := db.NewRaw("SELECT count(*) FROM ? WHERE source_version = ?", bun.Ident(table), version).Scan(ctx, &n)
	return n, err
}

// RangeMatch pairs a stored variant row with one matching annotation row.
type RangeMatch struct {
	VariantRowID int64              `bun:"variant_row_id"`
	AnnotationID int64              `bun:"annotation_id"`
	Fields       models.FieldValues `bun:"fields"`
}

// JoinAnnotationsForRange joins one rowid range of a batch against a source
// version on the natural key.
func JoinAnnotationsForRange(ctx context.Context, db bun.IDB, variantTable, annotationTable, batchID, version string, lo, hi int64) ([]RangeMatch, error) {
	var matches []RangeMatch
	err := db.NewRaw(`SELECT v.rowid AS variant_row_id, a.id AS annotation_id, a.fields AS fields
		FROM ? AS v
		JOIN ? AS a ON a.chromosome = v.chromosome AND a.position = v.position
			AND a.reference = v.reference AND a.alternate = v.alternate
		WHERE v.load_batch_id = ? AND v.rowid BETWEEN ? AND ? AND a.source_version = ?
		ORDER BY v.rowid, a.id`,
		bun.Ident(variantTable), bun.Ident(annotationTable), batchID, lo, hi, version,
	).Scan(ctx, &matches)
	return matches, err
}

// CountMatches counts rows of version matching key.
func CountMatches(ctx context.Context, db bun.IDB, table string, key models.VariantKey, version string) (int64, error) {
	var n int64
	err := db.NewRaw(
		"SELECT count(*) FROM ? WHERE chromosome = ? AND position = ? AND reference = ? AND alternate = ? AND source_version = ?",
		bun.Ident(table), key.Chromosome, key.Position, key.Reference, key.Alternate, version,
	).Scan(ctx, &n)
	return n, err
}

package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/loader/internal/models"
)

// SourceVersionExists reports whether name+version was ever registered.
func SourceVersionExists(ctx context.Context, db bun.IDB, name, version string) (bool, error) {
	return db.NewSelect().
		Model((*models.AnnotationSourceVersion)(nil)).
		Where("name = ?", name).
		Where("version = ?", version).
		Exists(ctx)
}

// InsertSourceVersion appends to the registration history; an overwrite
// refreshes the stored definition.
func InsertSourceVersion(ctx context.Context, db bun.IDB, v *models.AnnotationSourceVersion) error {
	_, err := db.NewInsert().
		Model(v).
		On("CONFLICT (name, version) DO UPDATE").
		Set("type = EXCLUDED.type").
		Set("source_file = EXCLUDED.source_file").
		Set("fields = EXCLUDED.fields").
		Set("registered_at = EXCLUDED.registered_at").
		Exec(ctx)
	return err
}

// UpsertSource stores the current definition of a source keyed by name.
func UpsertSource(ctx context.Context, db bun.IDB, src *models.AnnotationSource) error {
	_, err := db.NewInsert().
		Model(src).
		On("CONFLICT (name) DO UPDATE").
		Set("type = EXCLUDED.type").
		Set("version = EXCLUDED.version").
		Set("source_file = EXCLUDED.source_file").
		Set("fields = EXCLUDED.fields").
		Set("row_count = EXCLUDED.row_count").
		Set("status = EXCLUDED.status").
		Set("registered_at = EXCLUDED.registered_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// GetSource fetches a source by name.
func GetSource(ctx context.Context, db bun.IDB, name string) (*models.AnnotationSource, error) {
	src := new(models.AnnotationSource)
	err := db.NewSelect().
		Model(src).
		Where("name = ?", name).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSourceNotFound
	}
	return src, err
}

// ListSources returns every registered source ordered by name.
func ListSources(ctx context.Context, db bun.IDB) ([]*models.AnnotationSource, error) {
	var sources []*models.AnnotationSource
	err := db.NewSelect().
		Model(&sources).
		OrderExpr("name ASC").
		Scan(ctx)
	return sources, err
}

// SetSourceStatus flips a source between active and deprecated.
func SetSourceStatus(ctx context.Context, db bun.IDB, name string, status models.SourceStatus) error {
	res, err := db.NewUpdate().
		Model((*models.AnnotationSource)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", nowUTC()).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSourceNotFound
	}
	return nil
}

// SetSourceRowCount records the number of rows loaded for the current version.
func SetSourceRowCount(ctx context.Context, db bun.IDB, name string, n int64) error {
	_, err := db.NewUpdate().
		Model((*models.AnnotationSource)(nil)).
		Set("row_count = ?", n).
		Set("updated_at = ?", nowUTC()).
		Where("name = ?", name).
		Exec(ctx)
	return err
}

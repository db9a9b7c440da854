package migrations

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/loader/internal/models"
)

func init() {
	// Catalog tables. Variant and annotation tables are created
	// on demand per partition and per source.
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		modelsList := []interface{}{
			(*models.LoadBatch)(nil),
			(*models.Partition)(nil),
			(*models.AnnotationSource)(nil),
			(*models.AnnotationSourceVersion)(nil),
			(*models.Sample)(nil),
		}

		for _, model := range modelsList {
			if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
				return err
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		modelsList := []interface{}{
			(*models.Sample)(nil),
			(*models.AnnotationSourceVersion)(nil),
			(*models.AnnotationSource)(nil),
			(*models.Partition)(nil),
			(*models.LoadBatch)(nil),
		}

		for _, model := range modelsList {
			if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
				return err
			}
		}

		return nil
	})
}

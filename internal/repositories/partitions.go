package repositories

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/loader/internal/models"
)

// InsertPartition catalogs a physical partition. Repeats are ignored.
func InsertPartition(ctx context.Context, db bun.IDB, p *models.Partition) error {
	_, err := db.NewInsert().
		Model(p).
		On("CONFLICT (name) DO NOTHING").
		Returning("NULL").
		Exec(ctx)
	return err
}

// ListPartitions returns the catalogued partitions ordered by name.
func ListPartitions(ctx context.Context, db bun.IDB) ([]*models.Partition, error) {
	var parts []*models.Partition
	err := db.NewSelect().
		Model(&parts).
		OrderExpr("name ASC").
		Scan(ctx)
	return parts, err
}

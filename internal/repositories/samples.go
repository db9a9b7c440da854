package repositories

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/loader/internal/models"
)

// EnsureSamples inserts unknown sample ids. Existing pedigree data is kept.
func EnsureSamples(ctx context.Context, db bun.IDB, externalIDs []string) error {
	if len(externalIDs) == 0 {
		return nil
	}
	now := nowUTC()
	samples := make([]*models.Sample, 0, len(externalIDs))
	for _, id := range externalIDs {
		samples = append(samples, &models.Sample{
			ExternalID: id,
			Metadata:   models.Payload{},
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	_, err := db.NewInsert().
		Model(&samples).
		On("CONFLICT (external_id) DO NOTHING").
		Returning("NULL").
		Exec(ctx)
	return err
}

// UpsertSamples stores pedigree and metadata keyed by external id.
func UpsertSamples(ctx context.Context, db bun.IDB, samples []*models.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	_, err := db.NewInsert().
		Model(&samples).
		On("CONFLICT (external_id) DO UPDATE").
		Set("family_id = EXCLUDED.family_id").
		Set("paternal_id = EXCLUDED.paternal_id").
		Set("maternal_id = EXCLUDED.maternal_id").
		Set("sex = EXCLUDED.sex").
		Set("phenotype = EXCLUDED.phenotype").
		Set("metadata = EXCLUDED.metadata").
		Set("updated_at = CURRENT_TIMESTAMP").
		Exec(ctx)
	return err
}

// GetSamplesByFamily returns the members of one family.
func GetSamplesByFamily(ctx context.Context, db bun.IDB, familyID string) ([]*models.Sample, error) {
	var samples []*models.Sample
	err := db.NewSelect().
		Model(&samples).
		Where("family_id = ?", familyID).
		OrderExpr("external_id ASC").
		Scan(ctx)
	return samples, err
}

package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/testutil"
)

func newBatch(id, hash string) *models.LoadBatch {
	now := time.Now().UTC()
	return &models.LoadBatch{
		ID:              id,
		FilePath:        "/data/" + id + ".vcf",
		FileHash:        hash,
		StartedAt:       now,
		HeartbeatAt:     now,
		ReferenceGenome: "GRCh38",
		Status:          models.BatchRunning,
		Operator:        "test",
		CreatedAt:       now,
	}
}

func TestVariantTableRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)

	require.NoError(t, CreateVariantTable(ctx, db, "variants_chr1"))
	require.NoError(t, CreateVariantTable(ctx, db, "variants_chr1"))

	raw := models.RawVariant{Chromosome: "1", Position: 100, Reference: "A", Alternate: "G", Quality: models.Float(30), Info: map[string]interface{}{"DP": 12}}
	rec := models.NewVariantRecord(raw, "b1", models.Payload{"af": 0.01})
	require.NoError(t, UpsertVariants(ctx, db, "variants_chr1", []*models.VariantRecord{rec}))

	// same key and batch again updates in place
	rec2 := models.NewVariantRecord(raw, "b1", models.Payload{"af": 0.02})
	require.NoError(t, UpsertVariants(ctx, db, "variants_chr1", []*models.VariantRecord{rec2}))

	rows, err := GetVariantsByKey(ctx, db, "variants_chr1", raw.Key())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 0.02, rows[0].Annotations["af"])
	require.Equal(t, int64(12), rows[0].Info["DP"])
	require.True(t, rows[0].Quality.Valid)
	require.NotZero(t, rows[0].RowID)

	span, err := BatchRowIDSpan(ctx, db, "variants_chr1", "b1")
	require.NoError(t, err)
	require.Equal(t, int64(1), span.Count)

	prov := models.Provenance{"gnomad": {Version: "v4", Fields: []models.ProvenanceField{{Name: "af", Key: "af", Type: models.FieldFloat}}}}
	require.NoError(t, UpdateVariantAnnotations(ctx, db, "variants_chr1", rows[0].RowID, models.Payload{"af": 0.5}, prov))
	rows, err = GetVariantsInRange(ctx, db, "variants_chr1", "b1", span.Min, span.Max)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 0.5, rows[0].Annotations["af"])
	require.Equal(t, "v4", rows[0].Provenance["gnomad"].Version)

	n, err := DeleteVariantsByBatch(ctx, db, "variants_chr1", []string{"b1"})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestStoredAnnotationsKeepDeclaredTypes(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	require.NoError(t, CreateVariantTable(ctx, db, "variants_chr2"))

	raw := models.RawVariant{Chromosome: "2", Position: 7, Reference: "C", Alternate: "T"}
	rec := models.NewVariantRecord(raw, "b1", nil)
	rec.SetAnnotations(models.Payload{"af": 1.0, "ac": int64(4), "note": "x"}, models.Provenance{
		"gnomad": {Version: "v4", Fields: []models.ProvenanceField{
			{Name: "af", Key: "af", Type: models.FieldFloat},
			{Name: "ac", Key: "ac", Type: models.FieldInt},
		}},
	})
	require.NoError(t, UpsertVariants(ctx, db, "variants_chr2", []*models.VariantRecord{rec}))

	rows, err := GetVariantsByKey(ctx, db, "variants_chr2", raw.Key())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 1.0, rows[0].Annotations["af"])
	require.Equal(t, int64(4), rows[0].Annotations["ac"])
	require.Equal(t, "x", rows[0].Annotations["note"])
}

func TestBatchLifecycle(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)

	b := newBatch("b1", "hash1")
	require.NoError(t, InsertBatch(ctx, db, b))

	// second live batch for the same hash violates the partial unique index
	require.Error(t, InsertBatch(ctx, db, newBatch("b2", "hash1")))

	require.NoError(t, MarkSuperseded(ctx, db, []string{"b1"}))
	require.NoError(t, InsertBatch(ctx, db, newBatch("b2", "hash1")))

	n, err := UpdateBatchProgress(ctx, db, "b2", 10, 8, 1, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	ended := time.Now().UTC()
	final := &models.LoadBatch{ID: "b2", Status: models.BatchCompleted, TotalVariants: 10, VariantsLoaded: 9, VariantsSkipped: 1, EndedAt: &ended, HeartbeatAt: ended}
	n, err = FinalizeBatch(ctx, db, final)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = FinalizeBatch(ctx, db, final)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := GetBatch(ctx, db, "b2")
	require.NoError(t, err)
	require.Equal(t, models.BatchCompleted, got.Status)
	require.Equal(t, int64(9), got.VariantsLoaded)

	list, err := ListBatchesByHash(ctx, db, "hash1")
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestSourcesAndAnnotations(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	now := time.Now().UTC()

	src := &models.AnnotationSource{
		Name: "gnomad", Type: "population", Version: "4.0", SourceFile: "gnomad.tsv",
		Fields: models.FieldConfig{{Name: "af", Type: models.FieldFloat}},
		Status: models.SourceActive, RegisteredAt: now, UpdatedAt: now,
	}
	require.NoError(t, UpsertSource(ctx, db, src))
	require.NoError(t, InsertSourceVersion(ctx, db, &models.AnnotationSourceVersion{Name: "gnomad", Version: "4.0", Type: "population", SourceFile: "gnomad.tsv", Fields: src.Fields, RegisteredAt: now}))

	exists, err := SourceVersionExists(ctx, db, "gnomad", "4.0")
	require.NoError(t, err)
	require.True(t, exists)

	got, err := GetSource(ctx, db, "gnomad")
	require.NoError(t, err)
	require.Equal(t, models.FieldFloat, got.Fields[0].Type)

	_, err = GetSource(ctx, db, "missing")
	require.ErrorIs(t, err, models.ErrSourceNotFound)

	require.NoError(t, CreateAnnotationTable(ctx, db, "annotations_gnomad"))
	key := models.VariantKey{Chromosome: "1", Position: 100, Reference: "A", Alternate: "G"}
	require.NoError(t, InsertAnnotations(ctx, db, "annotations_gnomad", []*models.AnnotationRecord{{
		Chromosome: "1", Position: 100, Reference: "A", Alternate: "G", SourceVersion: "4.0",
		Fields: models.FieldValues{{Name: "af", Value: 0.01}}, CreatedAt: now,
	}}))

	recs, err := FindAnnotations(ctx, db, "annotations_gnomad", key, "4.0", 2)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	af, ok := recs[0].Fields.Get("af")
	require.True(t, ok)
	require.Equal(t, 0.01, af)

	require.NoError(t, SetSourceStatus(ctx, db, "gnomad", models.SourceDeprecated))
	require.ErrorIs(t, SetSourceStatus(ctx, db, "missing", models.SourceDeprecated), models.ErrSourceNotFound)
}

func TestSamplesAndPartitions(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)

	require.NoError(t, EnsureSamples(ctx, db, []string{"NA12878", "NA12891"}))
	require.NoError(t, EnsureSamples(ctx, db, []string{"NA12878"}))

	fam := "CEPH1463"
	require.NoError(t, UpsertSamples(ctx, db, []*models.Sample{{ExternalID: "NA12878", FamilyID: &fam, Metadata: models.Payload{}, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}}))
	members, err := GetSamplesByFamily(ctx, db, fam)
	require.NoError(t, err)
	require.Len(t, members, 1)

	p := &models.Partition{Name: "chr1", TableName: "variants_chr1", CreatedAt: time.Now().UTC()}
	require.NoError(t, InsertPartition(ctx, db, p))
	require.NoError(t, InsertPartition(ctx, db, p))
	parts, err := ListPartitions(ctx, db)
	require.NoError(t, err)
	require.Len(t, parts, 1)
}

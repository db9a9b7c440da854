package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkoziy/genome/loader/internal/annotation"
	"github.com/mkoziy/genome/loader/internal/audit"
	"github.com/mkoziy/genome/loader/internal/loader"
	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/partition"
	"github.com/mkoziy/genome/loader/internal/registry"
	"github.com/mkoziy/genome/loader/internal/testutil"
)

type fixture struct {
	reg  *registry.Registry
	ctrl *loader.Controller
	svc  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	log := logger.Nop()
	reg := registry.New(db, log)
	router := partition.NewRouter(db, log)
	engine := annotation.New(db, reg, router, annotation.Config{}, log)
	rec := audit.NewRecorder(db, log)
	return &fixture{
		reg:  reg,
		ctrl: loader.NewController(db, router, engine, rec, loader.Config{ReloadPolicy: models.ReloadAdditive}, log),
		svc:  New(db, router, engine, rec, log),
	}
}

var apoe = models.VariantKey{Chromosome: "19", Position: 44908684, Reference: "T", Alternate: "C"}

func rawOf(k models.VariantKey) models.RawVariant {
	return models.RawVariant{Chromosome: "chr" + k.Chromosome, Position: k.Position, Reference: k.Reference, Alternate: k.Alternate}
}

func TestByKeyOverlaysLiveAnnotations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.ctrl.Run(ctx, loader.BeginRequest{FilePath: "a.vcf", FileHash: "h1"}, loader.NewSliceStream(rawOf(apoe)))
	require.NoError(t, err)

	_, err = f.reg.Register(ctx, registry.RegisterRequest{
		Name:    "clinvar",
		Type:    "clinical",
		Version: "2024-06",
		Fields:  models.FieldConfig{{Name: "clinical_significance", Type: models.FieldString}},
	})
	require.NoError(t, err)
	_, err = f.reg.LoadRecords(ctx, "clinvar", []registry.Row{{Key: apoe, Values: map[string]interface{}{"clinical_significance": "risk factor"}}})
	require.NoError(t, err)

	second, err := f.ctrl.Run(ctx, loader.BeginRequest{FilePath: "a.vcf", FileHash: "h1", ForceReload: true}, loader.NewSliceStream(rawOf(apoe)))
	require.NoError(t, err)

	rows, err := f.svc.ByKey(ctx, models.VariantKey{Chromosome: "chr19", Position: 44908684, Reference: "t", Alternate: "c"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	ids := map[string]bool{}
	for _, row := range rows {
		ids[row.LoadBatchID] = true
		require.Equal(t, "chr19", row.Partition)
		require.Equal(t, "risk factor", row.Annotations["clinical_significance"])
	}
	require.True(t, ids[first.ID])
	require.True(t, ids[second.ID])

	latest, err := f.svc.LatestForHash(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)

	history, err := f.svc.History(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestByKeyUnknownVariant(t *testing.T) {
	f := newFixture(t)
	rows, err := f.svc.ByKey(context.Background(), apoe)
	require.NoError(t, err)
	require.Empty(t, rows)

	_, err = f.svc.ByKey(context.Background(), models.VariantKey{Chromosome: "1"})
	require.Error(t, err)
}

func TestBatchReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	final, err := f.ctrl.Run(ctx, loader.BeginRequest{FilePath: "b.vcf", FileHash: "h2"}, loader.NewSliceStream(
		rawOf(apoe),
		models.RawVariant{Chromosome: "1", Position: 10, Reference: "A", Alternate: "G"},
	))
	require.NoError(t, err)

	report, err := f.svc.Batch(ctx, final.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), report.Stored)
	require.Equal(t, models.BatchCompleted, report.Batch.Status)
	require.Zero(t, report.SkipRatio)

	_, err = f.svc.Batch(ctx, "missing")
	require.ErrorIs(t, err, models.ErrBatchNotFound)

	_, err = f.svc.LatestForHash(ctx, "nope")
	require.ErrorIs(t, err, models.ErrBatchNotFound)
}

func (f *fixture) registerGnomad(t *testing.T, version string, af float64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.reg.Register(ctx, registry.RegisterRequest{
		Name:    "gnomad",
		Type:    "population",
		Version: version,
		Fields:  models.FieldConfig{{Name: "af", Type: models.FieldFloat}},
	})
	require.NoError(t, err)
	if af > 0 {
		_, err = f.reg.LoadRecords(ctx, "gnomad", []registry.Row{{Key: apoe, Values: map[string]interface{}{"af": af}}})
		require.NoError(t, err)
	}
}

func (f *fixture) loadInline(t *testing.T, hash string) {
	t.Helper()
	inline := true
	_, err := f.ctrl.Run(context.Background(), loader.BeginRequest{FilePath: hash + ".vcf", FileHash: hash, EnrichInline: &inline}, loader.NewSliceStream(rawOf(apoe)))
	require.NoError(t, err)
}

func TestByKeyHidesValuesOfReplacedVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerGnomad(t, "v1", 0.25)
	f.loadInline(t, "h1")

	rows, err := f.svc.ByKey(ctx, apoe)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 0.25, rows[0].Annotations["af"])
	require.Equal(t, "v1", rows[0].Provenance["gnomad"].Version)

	// v2 carries no row for the variant
	f.registerGnomad(t, "v2", 0)

	rows, err = f.svc.ByKey(ctx, apoe)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotContains(t, rows[0].Annotations, "af")
	require.Equal(t, "v2", rows[0].Provenance["gnomad"].Version)
}

func TestByKeyHidesDeprecatedSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerGnomad(t, "v1", 0.25)
	f.loadInline(t, "h1")

	_, err := f.reg.Deprecate(ctx, "gnomad")
	require.NoError(t, err)

	rows, err := f.svc.ByKey(ctx, apoe)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Empty(t, rows[0].Annotations)
	require.NotContains(t, rows[0].Provenance, "gnomad")
}

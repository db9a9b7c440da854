package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/repositories"
	"github.com/mkoziy/genome/loader/internal/testutil"
)

func gnomadRequest(version string) RegisterRequest {
	return RegisterRequest{
		Name:       "gnomad",
		Type:       "population",
		Version:    version,
		SourceFile: "gnomad.sites.tsv",
		Fields:     models.FieldConfig{{Name: "af", Type: models.FieldFloat}, {Name: "ac", Type: models.FieldInt}},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	ctx := context.Background()
	r := New(testutil.NewDB(t), logger.Nop())

	src, err := r.Register(ctx, gnomadRequest("v1"))
	require.NoError(t, err)
	require.Equal(t, "v1", src.Version)

	got, err := r.Lookup("gnomad")
	require.NoError(t, err)
	require.Equal(t, []string{"af", "ac"}, got.FieldNames())

	_, err = r.Lookup("dbsnp")
	require.ErrorIs(t, err, models.ErrSourceNotFound)
}

func TestRegisterDuplicateVersion(t *testing.T) {
	ctx := context.Background()
	r := New(testutil.NewDB(t), logger.Nop())

	_, err := r.Register(ctx, gnomadRequest("v1"))
	require.NoError(t, err)

	_, err = r.Register(ctx, gnomadRequest("v1"))
	var dup *models.DuplicateSourceError
	require.True(t, errors.As(err, &dup))
	require.Equal(t, "v1", dup.Version)

	req := gnomadRequest("v1")
	req.Overwrite = true
	_, err = r.Register(ctx, req)
	require.NoError(t, err)

	// a new version becomes current
	_, err = r.Register(ctx, gnomadRequest("v2"))
	require.NoError(t, err)
	cur, err := r.Lookup("gnomad")
	require.NoError(t, err)
	require.Equal(t, "v2", cur.Version)

	// going back to an old version is still a duplicate
	_, err = r.Register(ctx, gnomadRequest("v1"))
	require.True(t, errors.As(err, &dup))
}

func TestRegisterRejectsNaturalKeyCollision(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	r := New(db, logger.Nop())

	req := gnomadRequest("v1")
	req.Fields = append(req.Fields, models.FieldSpec{Name: "Position", Type: models.FieldInt})

	_, err := r.Register(ctx, req)
	var invalid *models.InvalidFieldConfigError
	require.True(t, errors.As(err, &invalid))
	require.Contains(t, invalid.Error(), "natural-key")

	// registry and store untouched
	require.Empty(t, r.List())
	stored, err := repositories.ListSources(ctx, db)
	require.NoError(t, err)
	require.Empty(t, stored)
	exists, err := repositories.SourceVersionExists(ctx, db, "gnomad", "v1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestValidateFieldConfig(t *testing.T) {
	cases := []models.FieldConfig{
		nil,
		{{Name: "", Type: models.FieldString}},
		{{Name: "af", Type: models.FieldFloat}, {Name: "AF", Type: models.FieldFloat}},
		{{Name: "af", Type: "decimal"}},
		{{Name: "chromosome", Type: models.FieldString}},
		{{Name: "bad name", Type: models.FieldString}},
	}
	for _, fields := range cases {
		req := RegisterRequest{Name: "src", Type: "t", Version: "1", Fields: fields}
		require.Error(t, req.Validate(), "fields %+v", fields)
	}

	bad := RegisterRequest{Name: "Bad-Name", Type: "t", Version: "1", Fields: models.FieldConfig{{Name: "x", Type: models.FieldString}}}
	require.Error(t, bad.Validate())
}

func TestListActiveOrderedAndDeprecate(t *testing.T) {
	ctx := context.Background()
	r := New(testutil.NewDB(t), logger.Nop())

	for _, name := range []string{"dbsnp", "clinvar", "gnomad"} {
		req := gnomadRequest("v1")
		req.Name = name
		_, err := r.Register(ctx, req)
		require.NoError(t, err)
	}

	names := func() []string {
		var out []string
		for _, s := range r.ListActive() {
			out = append(out, s.Name)
		}
		return out
	}
	require.Equal(t, []string{"clinvar", "dbsnp", "gnomad"}, names())

	_, err := r.Deprecate(ctx, "dbsnp")
	require.NoError(t, err)
	require.Equal(t, []string{"clinvar", "gnomad"}, names())
	require.Len(t, r.List(), 3)

	_, err = r.Deprecate(ctx, "missing")
	require.ErrorIs(t, err, models.ErrSourceNotFound)
}

func TestLoadRecordsAndReload(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	r := New(db, logger.Nop())

	_, err := r.Register(ctx, gnomadRequest("v1"))
	require.NoError(t, err)

	n, err := r.LoadRecords(ctx, "gnomad", []Row{
		{Key: models.VariantKey{Chromosome: "chr17", Position: 41244000, Reference: "g", Alternate: "a"}, Values: map[string]interface{}{"af": 0.0123, "ac": float64(3)}},
		{Key: models.VariantKey{Chromosome: "1", Position: 100, Reference: "A", Alternate: "T"}, Values: map[string]interface{}{"af": 0.5}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	src, err := r.Lookup("gnomad")
	require.NoError(t, err)
	require.Equal(t, int64(2), src.RowCount)

	recs, err := repositories.FindAnnotations(ctx, db, AnnotationTable("gnomad"),
		models.VariantKey{Chromosome: "17", Position: 41244000, Reference: "G", Alternate: "A"}, "v1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	ac, _ := recs[0].Fields.Get("ac")
	require.Equal(t, int64(3), ac)

	_, err = r.LoadRecords(ctx, "gnomad", []Row{{Key: models.VariantKey{Chromosome: "1", Position: 5, Reference: "A", Alternate: "C"}, Values: map[string]interface{}{"unknown": 1}}})
	require.Error(t, err)

	// a fresh registry over the same store sees the same state
	fresh := New(db, logger.Nop())
	require.NoError(t, fresh.Load(ctx))
	again, err := fresh.Lookup("gnomad")
	require.NoError(t, err)
	require.Equal(t, int64(2), again.RowCount)
}

func TestLoadRecordsReplacesStoredKey(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	r := New(db, logger.Nop())

	_, err := r.Register(ctx, gnomadRequest("v1"))
	require.NoError(t, err)

	key := models.VariantKey{Chromosome: "17", Position: 41244000, Reference: "G", Alternate: "A"}
	_, err = r.LoadRecords(ctx, "gnomad", []Row{{Key: key, Values: map[string]interface{}{"af": 0.1}}})
	require.NoError(t, err)

	// same key spelled differently still names the stored row
	n, err := r.LoadRecords(ctx, "gnomad", []Row{
		{Key: models.VariantKey{Chromosome: "chr17", Position: 41244000, Reference: "g", Alternate: "a"}, Values: map[string]interface{}{"af": 0.2}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	recs, err := repositories.FindAnnotations(ctx, db, AnnotationTable("gnomad"), key, "v1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	af, _ := recs[0].Fields.Get("af")
	require.Equal(t, 0.2, af)

	src, err := r.Lookup("gnomad")
	require.NoError(t, err)
	require.Equal(t, int64(1), src.RowCount)
}

func TestLoadRecordsRejectsRepeatedKey(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	r := New(db, logger.Nop())

	_, err := r.Register(ctx, gnomadRequest("v1"))
	require.NoError(t, err)

	_, err = r.LoadRecords(ctx, "gnomad", []Row{
		{Key: models.VariantKey{Chromosome: "1", Position: 100, Reference: "A", Alternate: "T"}, Values: map[string]interface{}{"af": 0.1}},
		{Key: models.VariantKey{Chromosome: "chr1", Position: 100, Reference: "A", Alternate: "T"}, Values: map[string]interface{}{"af": 0.2}},
	})
	require.ErrorIs(t, err, models.ErrDuplicateRowKey)

	n, err := repositories.CountAnnotations(ctx, db, AnnotationTable("gnomad"), "v1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConcurrentLookupsDuringRegister(t *testing.T) {
	ctx := context.Background()
	r := New(testutil.NewDB(t), logger.Nop())
	_, err := r.Register(ctx, gnomadRequest("v1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					if _, err := r.Lookup("gnomad"); err != nil {
						t.Error(err)
						return
					}
					_ = r.ListActive()
				}
			}
		}()
	}
	for _, v := range []string{"v2", "v3", "v4"} {
		_, err := r.Register(ctx, gnomadRequest(v))
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestLoadManifest(t *testing.T) {
	ctx := context.Background()
	r := New(testutil.NewDB(t), logger.Nop())

	manifest := []byte(`
sources:
  - name: gnomad
    type: population
    version: "4.0"
    source_file: gnomad.tsv
    fields:
      - {name: af, type: float}
  - name: clinvar
    type: clinical
    version: "2025-01"
    fields:
      - {name: clinical_significance, type: string}
`)
	sources, err := r.LoadManifest(ctx, manifest)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	// re-applying the same manifest is a no-op
	sources, err = r.LoadManifest(ctx, manifest)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	_, err = ParseManifest([]byte("sources:\n  - name: x\n    type: t\n    version: '1'\n    fields: [{name: reference, type: string}]\n"))
	require.Error(t, err)
}

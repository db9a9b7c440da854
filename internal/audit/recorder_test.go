package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/testutil"
)

func runningBatch(id, hash string, heartbeat time.Time) *models.LoadBatch {
	return &models.LoadBatch{
		ID:              id,
		FilePath:        "/vcf/" + id + ".vcf.gz",
		FileHash:        hash,
		FileSize:        1024,
		StartedAt:       heartbeat,
		HeartbeatAt:     heartbeat,
		ReferenceGenome: "GRCh38",
		Operator:        "tester",
		CreatedAt:       heartbeat,
	}
}

func TestOpenProgressFinalize(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	rec := NewRecorder(db, logger.Nop())

	b := runningBatch("b1", "h1", time.Now().UTC())
	require.NoError(t, rec.Open(ctx, db, b, nil))
	require.Equal(t, models.BatchRunning, b.Status)

	require.NoError(t, rec.Progress(ctx, db, "b1", 3, 2, 1))
	require.ErrorIs(t, rec.Progress(ctx, db, "b1", 3, 3, 1), models.ErrCountsInvariant)

	final, err := rec.Finalize(ctx, "b1", models.BatchPartial, 3, 2, 1, "")
	require.NoError(t, err)
	require.Equal(t, models.BatchPartial, final.Status)
	require.NotNil(t, final.EndedAt)
	require.Nil(t, final.ErrorMessage)

	// terminal is terminal
	_, err = rec.Finalize(ctx, "b1", models.BatchCompleted, 3, 3, 0, "")
	require.ErrorIs(t, err, models.ErrBatchTerminal)
	require.ErrorIs(t, rec.Progress(ctx, db, "b1", 4, 3, 1), models.ErrBatchTerminal)

	_, err = rec.Finalize(ctx, "missing", models.BatchFailed, 0, 0, 0, "boom")
	require.ErrorIs(t, err, models.ErrBatchNotFound)

	_, err = rec.Finalize(ctx, "b1", models.BatchRunning, 0, 0, 0, "")
	require.Error(t, err)
}

func TestFinalizeRecordsErrorMessage(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	rec := NewRecorder(db, logger.Nop())

	require.NoError(t, rec.Open(ctx, db, runningBatch("b1", "h1", time.Now().UTC()), nil))
	final, err := rec.Finalize(ctx, "b1", models.BatchFailed, 10, 4, 0, "create partition chr1: disk full")
	require.NoError(t, err)
	require.NotNil(t, final.ErrorMessage)
	require.Equal(t, "create partition chr1: disk full", *final.ErrorMessage)
}

func TestOpenRejectsSecondLiveBatchForHash(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	rec := NewRecorder(db, logger.Nop())

	require.NoError(t, rec.Open(ctx, db, runningBatch("b1", "h1", time.Now().UTC()), nil))

	err := rec.Open(ctx, db, runningBatch("b2", "h1", time.Now().UTC()), nil)
	var dup *models.DuplicateLoadError
	require.True(t, errors.As(err, &dup))

	// superseding the live batch makes room for the reload
	reload := runningBatch("b2", "h1", time.Now().UTC())
	prev := "b1"
	reload.PreviousLoadID = &prev
	require.NoError(t, rec.Open(ctx, db, reload, []string{"b1"}))

	latest, err := rec.LatestByHash(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, "b2", latest.ID)
	require.Equal(t, "b1", *latest.PreviousLoadID)

	chain, err := rec.ListByHash(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.True(t, chain[1].Superseded)

	_, err = rec.LatestByHash(ctx, "unknown")
	require.ErrorIs(t, err, models.ErrBatchNotFound)
}

func TestStuckAndSweep(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	rec := NewRecorder(db, logger.Nop())

	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, rec.Open(ctx, db, runningBatch("stale", "h1", old), nil))
	require.NoError(t, rec.Open(ctx, db, runningBatch("owned", "h2", old), nil))
	require.NoError(t, rec.Open(ctx, db, runningBatch("fresh", "h3", time.Now().UTC()), nil))

	active := func(id string) bool { return id == "owned" }
	stuck, err := rec.Stuck(ctx, 10*time.Minute, active)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, "stale", stuck[0].ID)

	sw := NewSweeper(rec, SweeperConfig{StaleAfter: 10 * time.Minute, FailAbandoned: true}, active, logger.Nop())
	found, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)

	b, err := rec.Get(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, models.BatchFailed, b.Status)
	require.Contains(t, *b.ErrorMessage, "abandoned")

	stuck, err = rec.Stuck(ctx, 10*time.Minute, active)
	require.NoError(t, err)
	require.Empty(t, stuck)
}

func TestSweeperSchedule(t *testing.T) {
	db := testutil.NewDB(t)
	rec := NewRecorder(db, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw := NewSweeper(rec, SweeperConfig{Interval: time.Hour}, nil, logger.Nop())
	require.NoError(t, sw.Start(ctx))
	sw.Stop()
}

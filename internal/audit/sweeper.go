package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"

	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/models"
)

// SweeperConfig controls stuck batch detection.
type SweeperConfig struct {
	StaleAfter    time.Duration
	Interval      time.Duration
	FailAbandoned bool
}

// Sweeper periodically surfaces running batches nobody is working on.
type Sweeper struct {
	rec    *Recorder
	cfg    SweeperConfig
	active func(id string) bool
	log    *logger.Logger

	scheduler *gocron.Scheduler
}

// NewSweeper builds a sweeper. active reports batches owned by a local worker.
func NewSweeper(rec *Recorder, cfg SweeperConfig, active func(id string) bool, log *logger.Logger) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Sweeper{
		rec:    rec,
		cfg:    cfg,
		active: active,
		log:    log.With("component", "audit_sweeper"),
	}
}

// Sweep runs one pass and returns the stuck batches it found.
func (s *Sweeper) Sweep(ctx context.Context) ([]*models.LoadBatch, error) {
	runID := uuid.NewString()
	stuck, err := s.rec.Stuck(ctx, s.cfg.StaleAfter, s.active)
	if err != nil {
		return nil, err
	}
	for _, b := range stuck {
		s.log.Warn("stuck batch", "run_id", runID, "batch_id", b.ID, "file", b.FilePath, "heartbeat_at", b.HeartbeatAt, "loaded", b.VariantsLoaded)
		if !s.cfg.FailAbandoned {
			continue
		}
		msg := fmt.Sprintf("abandoned: no heartbeat since %s", b.HeartbeatAt.Format(time.RFC3339))
		if _, err := s.rec.Finalize(ctx, b.ID, models.BatchFailed, b.TotalVariants, b.VariantsLoaded, b.VariantsSkipped, msg); err != nil {
			s.log.Error("failed to finalize abandoned batch", "run_id", runID, "batch_id", b.ID, "error", err)
		}
	}
	if len(stuck) > 0 {
		s.log.Info("sweep finished", "run_id", runID, "stuck", len(stuck), "failed", s.cfg.FailAbandoned)
	}
	return stuck, nil
}

// Start schedules Sweep every Interval until Stop or ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	s.scheduler = gocron.NewScheduler(time.UTC)
	s.scheduler.SingletonModeAll()
	if _, err := s.scheduler.Every(s.cfg.Interval).Do(func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.scheduler.StartAsync()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule.
func (s *Sweeper) Stop() {
	if s.scheduler != nil && s.scheduler.IsRunning() {
		s.scheduler.Stop()
	}
}

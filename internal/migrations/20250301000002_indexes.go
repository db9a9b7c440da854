package migrations

import (
	"context"

	"github.com/uptrace/bun"
)

func init() {
	// Indexes
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		indexes := []string{
			// at most one live batch per content hash
			"CREATE UNIQUE INDEX IF NOT EXISTS idx_load_batches_live_hash ON load_batches(file_hash) WHERE superseded = 0",
			"CREATE INDEX IF NOT EXISTS idx_load_batches_hash_started ON load_batches(file_hash, started_at)",
			"CREATE INDEX IF NOT EXISTS idx_load_batches_status_heartbeat ON load_batches(status, heartbeat_at)",
			"CREATE INDEX IF NOT EXISTS idx_annotation_sources_status ON annotation_sources(status)",
			"CREATE INDEX IF NOT EXISTS idx_samples_family ON samples(family_id)",
		}

		for _, idx := range indexes {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return err
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		indexes := []string{
			"DROP INDEX IF EXISTS idx_load_batches_live_hash",
			"DROP INDEX IF EXISTS idx_load_batches_hash_started",
			"DROP INDEX IF EXISTS idx_load_batches_status_heartbeat",
			"DROP INDEX IF EXISTS idx_annotation_sources_status",
			"DROP INDEX IF EXISTS idx_samples_family",
		}

		for _, idx := range indexes {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return err
			}
		}

		return nil
	})
}

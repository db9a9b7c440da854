package models

import (
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// LoadBatch is the append-only audit record of one ingestion of one file.
type LoadBatch struct {
	bun.BaseModel `bun:"table:load_batches,alias:lb"`

	ID                    string       `bun:"id,pk" json:"id"`
	FilePath              string       `bun:"file_path,notnull" json:"file_path"`
	FileHash              string       `bun:"file_hash,notnull" json:"file_hash"`
	FileSize              int64        `bun:"file_size,notnull,default:0" json:"file_size"`
	StartedAt             time.Time    `bun:"started_at,notnull" json:"started_at"`
	EndedAt               *time.Time   `bun:"ended_at" json:"ended_at,omitempty"`
	HeartbeatAt           time.Time    `bun:"heartbeat_at,notnull" json:"heartbeat_at"`
	ReferenceGenome       string       `bun:"reference_genome,notnull" json:"reference_genome"`
	AnnotationToolVersion string       `bun:"annotation_tool_version,notnull" json:"annotation_tool_version"`
	TotalVariants         int64        `bun:"total_variants,notnull,default:0" json:"total_variants_in_file"`
	VariantsLoaded        int64        `bun:"variants_loaded,notnull,default:0" json:"variants_loaded"`
	VariantsSkipped       int64        `bun:"variants_skipped,notnull,default:0" json:"variants_skipped"`
	Status                BatchStatus  `bun:"status,notnull" json:"status"`
	Operator              string       `bun:"operator,notnull" json:"operator"`
	PreviousLoadID        *string      `bun:"previous_load_id" json:"previous_load_id,omitempty"`
	Superseded            bool         `bun:"superseded,notnull,default:false" json:"superseded"`
	ReloadPolicy          ReloadPolicy `bun:"reload_policy,notnull" json:"reload_policy,omitempty"`
	ErrorMessage          *string      `bun:"error_message" json:"error_message,omitempty"`
	CreatedAt             time.Time    `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// Validate checks that required batch fields are present and counts are consistent.
func (b *LoadBatch) Validate() error {
	if b.ID == "" {
		return errors.New("batch id is required")
	}
	if b.FilePath == "" {
		return errors.New("file path is required")
	}
	if b.FileHash == "" {
		return errors.New("file hash is required")
	}
	if b.VariantsLoaded < 0 || b.VariantsSkipped < 0 || b.TotalVariants < 0 {
		return errors.New("counts must not be negative")
	}
	if b.VariantsLoaded+b.VariantsSkipped > b.TotalVariants {
		return ErrCountsInvariant
	}
	return nil
}

// SkipRatio returns skipped / total, or 0 for an empty batch.
func (b *LoadBatch) SkipRatio() float64 {
	if b.TotalVariants == 0 {
		return 0
	}
	return float64(b.VariantsSkipped) / float64(b.TotalVariants)
}

// Duration returns how long the batch ran, measured to now while it is running.
func (b *LoadBatch) Duration() time.Duration {
	if b.EndedAt == nil {
		return time.Since(b.StartedAt)
	}
	return b.EndedAt.Sub(b.StartedAt)
}

// IsStale reports whether a running batch has not heartbeated since cutoff.
func (b *LoadBatch) IsStale(cutoff time.Time) bool {
	return b.Status == BatchRunning && b.HeartbeatAt.Before(cutoff)
}

// Partition is a catalogued physical variant partition.
type Partition struct {
	bun.BaseModel `bun:"table:partitions,alias:pt"`

	Name      string    `bun:"name,pk" json:"name"`
	TableName string    `bun:"table_name,notnull,unique" json:"table_name"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

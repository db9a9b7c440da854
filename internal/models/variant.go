package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// VariantKey is the natural key of a variant.
type VariantKey struct {
	Chromosome string `json:"chromosome"`
	Position   int64  `json:"position"`
	Reference  string `json:"reference"`
	Alternate  string `json:"alternate"`
}

func (k VariantKey) String() string {
	return fmt.Sprintf("%s-%d-%s-%s", k.Chromosome, k.Position, k.Reference, k.Alternate)
}

// Validate checks that the key describes a usable genome coordinate.
func (k VariantKey) Validate() error {
	if strings.TrimSpace(k.Chromosome) == "" || strings.ContainsAny(k.Chromosome, " \t:") {
		return errors.New("chromosome is required")
	}
	if k.Position <= 0 {
		return errors.New("position must be positive")
	}
	if k.Reference == "" || !isBases(k.Reference) {
		return fmt.Errorf("invalid reference allele %q", k.Reference)
	}
	if k.Alternate == "" || strings.ContainsAny(k.Alternate, " \t,") {
		return fmt.Errorf("invalid alternate allele %q", k.Alternate)
	}
	return nil
}

func isBases(s string) bool {
	for _, r := range s {
		switch r {
		case 'A', 'C', 'G', 'T', 'N', 'a', 'c', 'g', 't', 'n':
		default:
			return false
		}
	}
	return true
}

// RawVariant is one normalized record produced by the VCF-parsing collaborator.
type RawVariant struct {
	Chromosome string                 `json:"chromosome"`
	Position   int64                  `json:"position"`
	Reference  string                 `json:"reference"`
	Alternate  string                 `json:"alternate"`
	Quality    NullableFloat64        `json:"quality"`
	Filters    []string               `json:"filters,omitempty"`
	Info       map[string]interface{} `json:"info,omitempty"`
	SampleIDs  []string               `json:"sample_ids,omitempty"`
}

// Key returns the natural key of the record.
func (r RawVariant) Key() VariantKey {
	return VariantKey{Chromosome: r.Chromosome, Position: r.Position, Reference: r.Reference, Alternate: r.Alternate}
}

// VariantRecord is a stored variant. The physical table is chosen per partition,
// so queries must set the table explicitly.
type VariantRecord struct {
	bun.BaseModel `bun:"table:variants,alias:v"`

	Chromosome  string          `bun:"chromosome,pk" json:"chromosome"`
	Position    int64           `bun:"position,pk" json:"position"`
	Reference   string          `bun:"reference,pk" json:"reference"`
	Alternate   string          `bun:"alternate,pk" json:"alternate"`
	LoadBatchID string          `bun:"load_batch_id,pk" json:"load_batch_id"`
	Quality     NullableFloat64 `bun:"quality" json:"quality"`
	Filters     StringArray     `bun:"filters,notnull" json:"filters"`
	Info        Payload         `bun:"info,notnull" json:"info"`
	Annotations Payload         `bun:"annotations,notnull" json:"annotations"`
	Provenance  Provenance      `bun:"annotation_sources,notnull" json:"annotation_sources"`
	SampleIDs   StringArray     `bun:"sample_ids,notnull" json:"sample_ids"`
	CreatedAt   time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt   time.Time       `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`

	RowID     int64  `bun:"row_id,scanonly" json:"-"`
	Partition string `bun:"-" json:"partition,omitempty"`
}

// Key returns the natural key of the stored variant.
func (v *VariantRecord) Key() VariantKey {
	return VariantKey{Chromosome: v.Chromosome, Position: v.Position, Reference: v.Reference, Alternate: v.Alternate}
}

// BeforeUpdate updates the timestamp on modifications.
func (v *VariantRecord) BeforeUpdate(ctx context.Context, query *bun.UpdateQuery) error {
	v.UpdatedAt = time.Now().UTC()
	return nil
}

// NewVariantRecord builds the stored form of a validated raw record.
func NewVariantRecord(raw RawVariant, batchID string, annotations Payload) *VariantRecord {
	now := time.Now().UTC()
	rec := &VariantRecord{
		Chromosome:  raw.Chromosome,
		Position:    raw.Position,
		Reference:   raw.Reference,
		Alternate:   raw.Alternate,
		LoadBatchID: batchID,
		Quality:     raw.Quality,
		Filters:     StringArray(raw.Filters),
		Info:        Payload(raw.Info),
		Annotations: annotations,
		SampleIDs:   StringArray(raw.SampleIDs),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rec.Filters == nil {
		rec.Filters = StringArray{}
	}
	if rec.Info == nil {
		rec.Info = Payload{}
	}
	if rec.Annotations == nil {
		rec.Annotations = Payload{}
	}
	rec.Provenance = Provenance{}
	if rec.SampleIDs == nil {
		rec.SampleIDs = StringArray{}
	}
	return rec
}

// SetAnnotations replaces the payload and the sources that produced it.
func (v *VariantRecord) SetAnnotations(payload Payload, prov Provenance) {
	if payload == nil {
		payload = Payload{}
	}
	if prov == nil {
		prov = Provenance{}
	}
	v.Annotations, v.Provenance = payload, prov
}

// RetypeAnnotations restores declared field types after a read from storage.
func (v *VariantRecord) RetypeAnnotations() {
	v.Provenance.Retype(v.Annotations)
}

// PassedFilters reports whether the record passed all VCF filters.
func (v *VariantRecord) PassedFilters() bool {
	if len(v.Filters) == 0 {
		return true
	}
	return len(v.Filters) == 1 && (v.Filters[0] == "PASS" || v.Filters[0] == ".")
}

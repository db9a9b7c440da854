package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Natural-key column names. Annotation fields may not reuse them.
var NaturalKeyColumns = []string{"chromosome", "position", "reference", "alternate"}

// AnnotationSource is a registered annotation dataset and its field configuration.
type AnnotationSource struct {
	bun.BaseModel `bun:"table:annotation_sources,alias:src"`

	ID           int64        `bun:"id,pk,autoincrement" json:"id"`
	Name         string       `bun:"name,unique,notnull" json:"name"`
	Type         string       `bun:"type,notnull" json:"type"`
	Version      string       `bun:"version,notnull" json:"version"`
	SourceFile   string       `bun:"source_file,notnull" json:"source_file"`
	Fields       FieldConfig  `bun:"fields,notnull" json:"fields"`
	RowCount     int64        `bun:"row_count,notnull,default:0" json:"row_count"`
	Status       SourceStatus `bun:"status,notnull" json:"status"`
	RegisteredAt time.Time    `bun:"registered_at,notnull" json:"registered_at"`
	UpdatedAt    time.Time    `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// IsActive reports whether the source takes part in joins.
func (s *AnnotationSource) IsActive() bool {
	return s.Status == SourceActive
}

// FieldNames returns the configured field names in order.
func (s *AnnotationSource) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Clone returns a deep copy safe to hand out from an immutable snapshot.
func (s *AnnotationSource) Clone() *AnnotationSource {
	c := *s
	c.Fields = append(FieldConfig(nil), s.Fields...)
	return &c
}

// AnnotationSourceVersion is the append-only history of registrations.
type AnnotationSourceVersion struct {
	bun.BaseModel `bun:"table:annotation_source_versions,alias:srcv"`

	ID           int64       `bun:"id,pk,autoincrement" json:"id"`
	Name         string      `bun:"name,notnull,unique:source_version" json:"name"`
	Version      string      `bun:"version,notnull,unique:source_version" json:"version"`
	Type         string      `bun:"type,notnull" json:"type"`
	SourceFile   string      `bun:"source_file,notnull" json:"source_file"`
	Fields       FieldConfig `bun:"fields,notnull" json:"fields"`
	RegisteredAt time.Time   `bun:"registered_at,notnull" json:"registered_at"`
}

// AnnotationRecord is one row of a source's annotation table. The table is
// per source, so queries must set it explicitly.
type AnnotationRecord struct {
	bun.BaseModel `bun:"table:annotations,alias:a"`

	ID            int64       `bun:"id,pk,autoincrement" json:"id"`
	Chromosome    string      `bun:"chromosome,notnull" json:"chromosome"`
	Position      int64       `bun:"position,notnull" json:"position"`
	Reference     string      `bun:"reference,notnull" json:"reference"`
	Alternate     string      `bun:"alternate,notnull" json:"alternate"`
	SourceVersion string      `bun:"source_version,notnull" json:"source_version"`
	Fields        FieldValues `bun:"fields,notnull" json:"fields"`
	CreatedAt     time.Time   `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// Key returns the natural key of the annotation row.
func (a *AnnotationRecord) Key() VariantKey {
	return VariantKey{Chromosome: a.Chromosome, Position: a.Position, Reference: a.Reference, Alternate: a.Alternate}
}

// Sample is an individual referenced by variants through its external id.
type Sample struct {
	bun.BaseModel `bun:"table:samples,alias:smp"`

	ID         int64     `bun:"id,pk,autoincrement" json:"-"`
	ExternalID string    `bun:"external_id,unique,notnull" json:"external_id"`
	FamilyID   *string   `bun:"family_id" json:"family_id,omitempty"`
	PaternalID *string   `bun:"paternal_id" json:"paternal_id,omitempty"`
	MaternalID *string   `bun:"maternal_id" json:"maternal_id,omitempty"`
	Sex        int       `bun:"sex,notnull,default:0" json:"sex"`
	Phenotype  int       `bun:"phenotype,notnull,default:0" json:"phenotype"`
	Metadata   Payload   `bun:"metadata,notnull" json:"metadata"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt  time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// HasParents reports whether pedigree linkage is recorded.
func (s *Sample) HasParents() bool {
	return s.PaternalID != nil || s.MaternalID != nil
}

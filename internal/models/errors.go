package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrParseSkip marks a single malformed record. It is counted, never fatal.
	ErrParseSkip = errors.New("malformed variant record")

	ErrSourceNotFound    = errors.New("annotation source not found")
	ErrBatchNotFound     = errors.New("load batch not found")
	ErrBatchTerminal     = errors.New("load batch already finalized")
	ErrSkipRateExceeded  = errors.New("skip rate exceeded abort threshold")
	ErrReloadPolicyUnset = errors.New("reload requested but no reload policy configured")
	ErrCountsInvariant   = errors.New("loaded + skipped exceeds total variants")
	ErrInvalidSample     = errors.New("sample needs an external id")
	ErrDuplicateRowKey   = errors.New("annotation row key repeated in one load")
)

// DuplicateLoadError is returned when the same content was already loaded and
// the request did not force a reload.
type DuplicateLoadError struct {
	FileHash     string
	PriorBatchID string
	InFlight     bool
}

func (e *DuplicateLoadError) Error() string {
	if e.InFlight {
		return fmt.Sprintf("file %s is already being loaded by batch %s", e.FileHash, e.PriorBatchID)
	}
	return fmt.Sprintf("file %s already loaded by batch %s", e.FileHash, e.PriorBatchID)
}

// DuplicateSourceError is returned when name+version is already registered.
type DuplicateSourceError struct {
	Name    string
	Version string
}

func (e *DuplicateSourceError) Error() string {
	return fmt.Sprintf("annotation source %s version %s already registered", e.Name, e.Version)
}

// InvalidFieldConfigError rejects an annotation source definition.
type InvalidFieldConfigError struct {
	Source  string
	Reasons []string
}

func (e *InvalidFieldConfigError) Error() string {
	return fmt.Sprintf("invalid field configuration for source %q: %s", e.Source, strings.Join(e.Reasons, "; "))
}

// AmbiguousAnnotationMatchError means a source holds more than one row for a natural key.
type AmbiguousAnnotationMatchError struct {
	Source  string
	Key     VariantKey
	Matches int
}

func (e *AmbiguousAnnotationMatchError) Error() string {
	return fmt.Sprintf("source %s has %d rows for %s", e.Source, e.Matches, e.Key)
}

// PartitionCreationError wraps a storage failure creating a partition.
type PartitionCreationError struct {
	Partition string
	Err       error
}

func (e *PartitionCreationError) Error() string {
	return fmt.Sprintf("create partition %s: %v", e.Partition, e.Err)
}

func (e *PartitionCreationError) Unwrap() error {
	return e.Err
}

// StorageIOError wraps a storage failure with its retry class.
type StorageIOError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StorageIOError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("storage: %v", e.Err)
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageIOError) Unwrap() error {
	return e.Err
}

// IsAmbiguousMatch reports whether err carries an ambiguous annotation match.
func IsAmbiguousMatch(err error) bool {
	var target *AmbiguousAnnotationMatchError
	return errors.As(err, &target)
}

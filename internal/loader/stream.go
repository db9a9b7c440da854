package loader

import (
	"context"
	"fmt"
	"io"

	"github.com/mkoziy/genome/loader/internal/models"
)

// VariantStream is the normalized record sequence produced by the VCF
// parsing collaborator. Next returns io.EOF at the end; errors wrapping
// models.ErrParseSkip are counted as skipped records.
type VariantStream interface {
	Next(ctx context.Context) (models.RawVariant, error)
}

type streamItem struct {
	variant models.RawVariant
	err     error
}

// SliceStream replays an in-memory record list.
type SliceStream struct {
	items []streamItem
	pos   int
}

// NewSliceStream returns a stream over variants.
func NewSliceStream(variants ...models.RawVariant) *SliceStream {
	s := &SliceStream{}
	for _, v := range variants {
		s.Add(v)
	}
	return s
}

// Add appends a record.
func (s *SliceStream) Add(v models.RawVariant) *SliceStream {
	s.items = append(s.items, streamItem{variant: v})
	return s
}

// AddMalformed appends a record the parser could not read.
func (s *SliceStream) AddMalformed(reason string) *SliceStream {
	s.items = append(s.items, streamItem{err: fmt.Errorf("%w: %s", models.ErrParseSkip, reason)})
	return s
}

func (s *SliceStream) Next(ctx context.Context) (models.RawVariant, error) {
	if err := ctx.Err(); err != nil {
		return models.RawVariant{}, err
	}
	if s.pos >= len(s.items) {
		return models.RawVariant{}, io.EOF
	}
	it := s.items[s.pos]
	s.pos++
	return it.variant, it.err
}

// Len returns the number of records in the stream.
func (s *SliceStream) Len() int {
	return len(s.items)
}

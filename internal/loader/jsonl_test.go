package loader

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/mkoziy/genome/loader/internal/models"
)

func TestJSONLinesStream(t *testing.T) {
	input := `{"chromosome":"chr1","position":100,"reference":"A","alternate":"G","quality":41.5,"filters":["PASS"],"info":{"DP":12},"sample_ids":["NA12878"]}

{"chromosome":"chr2","position":"oops"}
{"chromosome":"chrX","position":5,"reference":"C","alternate":"T","quality":null}
`
	s := NewJSONLinesStream(strings.NewReader(input))
	ctx := context.Background()

	v, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if v.Chromosome != "chr1" || v.Position != 100 || !v.Quality.Valid || v.Quality.Float64 != 41.5 {
		t.Fatalf("unexpected record %+v", v)
	}
	if len(v.SampleIDs) != 1 || v.SampleIDs[0] != "NA12878" {
		t.Fatalf("unexpected samples %v", v.SampleIDs)
	}

	if _, err := s.Next(ctx); !errors.Is(err, models.ErrParseSkip) {
		t.Fatalf("expected ErrParseSkip for bad line, got %v", err)
	}

	v, err = s.Next(ctx)
	if err != nil || v.Chromosome != "chrX" || v.Quality.Valid {
		t.Fatalf("unexpected third record %+v %v", v, err)
	}

	if _, err := s.Next(ctx); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

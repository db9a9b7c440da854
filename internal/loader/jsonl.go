package loader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mkoziy/genome/loader/internal/models"
)

const maxLineSize = 4 << 20

// JSONLinesStream reads one normalized record per line. Lines that do not
// decode are reported as skipped records; blank lines are ignored.
type JSONLinesStream struct {
	scanner *bufio.Scanner
	line    int
}

func NewJSONLinesStream(r io.Reader) *JSONLinesStream {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &JSONLinesStream{scanner: sc}
}

func (s *JSONLinesStream) Next(ctx context.Context) (models.RawVariant, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.RawVariant{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return models.RawVariant{}, fmt.Errorf("read line %d: %w", s.line+1, err)
			}
			return models.RawVariant{}, io.EOF
		}
		s.line++

		raw := bytes.TrimSpace(s.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v models.RawVariant
		if err := dec.Decode(&v); err != nil {
			return models.RawVariant{}, fmt.Errorf("%w: line %d: %v", models.ErrParseSkip, s.line, err)
		}
		return v, nil
	}
}

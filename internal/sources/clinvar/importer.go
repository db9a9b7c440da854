package clinvar

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/partition"
	"github.com/mkoziy/genome/loader/internal/registry"
)

// SourceName is the registry name of the imported source.
const SourceName = "clinvar"

// ImportConfig controls one import run.
type ImportConfig struct {
	// Version is recorded as the source version, e.g. the ClinVar release.
	Version   string
	Overwrite bool
	BatchSize int
	Queries   []string
}

// ImportResult summarizes an import run.
type ImportResult struct {
	Version  string `json:"version"`
	Fetched  int    `json:"fetched"`
	Mapped   int    `json:"mapped"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed_pages"`
	RowCount int64  `json:"row_count"`
}

// Importer fills the clinvar annotation source from E-utilities.
type Importer struct {
	client *Client
	reg    *registry.Registry
	log    *logger.Logger
}

func NewImporter(client *Client, reg *registry.Registry, log *logger.Logger) *Importer {
	return &Importer{client: client, reg: reg, log: log.With("component", "clinvar_import")}
}

// Import registers the clinvar source at cfg.Version and loads every variant
// matched by the queries. Variants sharing a location keep the best reviewed
// interpretation so the source never holds two rows for one key.
func (im *Importer) Import(ctx context.Context, cfg ImportConfig) (*ImportResult, error) {
	if cfg.Version == "" {
		return nil, errors.New("clinvar import needs a version")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if len(cfg.Queries) == 0 {
		cfg.Queries = DefaultQueries()
	}

	_, err := im.reg.Register(ctx, registry.RegisterRequest{
		Name:       SourceName,
		Type:       "clinical",
		Version:    cfg.Version,
		Fields:     Fields,
		SourceFile: im.client.cfg.BaseURL,
		Overwrite:  cfg.Overwrite,
	})
	if err != nil {
		return nil, err
	}

	res := &ImportResult{Version: cfg.Version}
	rows := make(map[string]registry.Row)
	seenIDs := make(map[string]bool)

	for _, q := range cfg.Queries {
		if err := im.collect(ctx, q, cfg.BatchSize, seenIDs, rows, res); err != nil {
			return res, err
		}
	}

	batch := make([]registry.Row, 0, len(rows))
	for _, row := range rows {
		batch = append(batch, row)
	}
	res.RowCount, err = im.reg.LoadRecords(ctx, SourceName, batch)
	if err != nil {
		return res, err
	}

	im.log.Info("clinvar import finished",
		"version", cfg.Version,
		"fetched", res.Fetched,
		"mapped", res.Mapped,
		"skipped", res.Skipped,
		"failed_pages", res.Failed,
		"rows", res.RowCount,
	)
	return res, nil
}

func (im *Importer) collect(ctx context.Context, query string, batchSize int, seenIDs map[string]bool, rows map[string]registry.Row, res *ImportResult) error {
	head, err := im.client.Search(ctx, query, 0, 0)
	if err != nil {
		return fmt.Errorf("search %q: %w", query, err)
	}
	total, _ := strconv.Atoi(head.Count)
	im.log.Info("clinvar query", "query", query, "count", total)

	for start := 0; start < total; start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := im.client.Search(ctx, query, start, batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			im.log.Warn("clinvar search page failed", "query", query, "start", start, "error", err)
			res.Failed++
			continue
		}
		if len(page.IdList) == 0 {
			break
		}

		ids := make([]string, 0, len(page.IdList))
		for _, id := range page.IdList {
			if !seenIDs[id] {
				seenIDs[id] = true
				ids = append(ids, id)
			}
		}
		sets, err := im.client.Fetch(ctx, ids)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			im.log.Warn("clinvar fetch failed", "query", query, "start", start, "error", err)
			res.Failed++
			continue
		}

		for _, set := range sets {
			res.Fetched++
			row, err := MapToRow(set)
			if err != nil {
				res.Skipped++
				im.log.Debug("clinvar record skipped", "error", err)
				continue
			}
			res.Mapped++
			keep(rows, row)
		}
	}
	return nil
}

// keep stores row unless a better reviewed row exists for the same key.
func keep(rows map[string]registry.Row, row registry.Row) {
	k := partition.NormalizeKey(row.Key).String()
	cur, ok := rows[k]
	if ok && rank(cur) >= rank(row) {
		return
	}
	rows[k] = row
}

func rank(row registry.Row) int {
	s, _ := row.Values["review_status"].(string)
	return reviewRank[s]
}

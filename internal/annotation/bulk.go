package annotation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"

	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/partition"
	"github.com/mkoziy/genome/loader/internal/registry"
	"github.com/mkoziy/genome/loader/internal/repositories"
)

// BulkResult summarizes a post-hoc enrichment pass. Updated counts rows whose
// annotation payload changed.
type BulkResult struct {
	BatchID    string   `json:"batch_id"`
	Sources    []string `json:"sources"`
	Partitions int      `json:"partitions"`
	Ranges     int      `json:"ranges"`
	Scanned    int64    `json:"scanned"`
	Updated    int64    `json:"updated"`
}

type rangeJob struct {
	partition string
	lo, hi    int64
}

// EnrichBatch re-enriches every stored variant of a batch. Each partition's
// rowid span is cut into disjoint ranges processed in parallel, and each range
// is joined set-wise and written back in its own transaction. The keys a
// joined source wrote earlier are replaced, not merged over, and keys of
// sources that were deprecated or re-registered under another version are
// dropped or rejoined. Running it twice with an unchanged registry changes
// nothing the second time.
func (e *Engine) EnrichBatch(ctx context.Context, batchID string, sourceNames []string) (*BulkResult, error) {
	plan, err := e.Resolve(sourceNames)
	if err != nil {
		return nil, err
	}
	res := &BulkResult{BatchID: batchID, Sources: []string{}}
	for _, s := range plan.Sources {
		res.Sources = append(res.Sources, s.Name)
	}

	parts, err := e.router.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var jobs []rangeJob
	for _, p := range parts {
		span, err := repositories.BatchRowIDSpan(ctx, e.db, partition.Table(p), batchID)
		if err != nil {
			return nil, fmt.Errorf("span of %s: %w", p, err)
		}
		if span.Count == 0 {
			continue
		}
		res.Partitions++
		for lo := span.Min; lo <= span.Max; lo += e.cfg.RangeSize {
			jobs = append(jobs, rangeJob{partition: p, lo: lo, hi: lo + e.cfg.RangeSize - 1})
		}
	}
	res.Ranges = len(jobs)

	var scanned, updated atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, job := range jobs {
		g.Go(func() error {
			s, u, err := e.enrichRange(gctx, plan, batchID, job)
			scanned.Add(s)
			updated.Add(u)
			return err
		})
	}
	err = g.Wait()
	res.Scanned = scanned.Load()
	res.Updated = updated.Load()
	if err != nil {
		return res, err
	}

	e.log.Info("batch enriched", "batch_id", batchID, "sources", plan.String(), "ranges", res.Ranges, "scanned", res.Scanned, "updated", res.Updated)
	return res, nil
}

// stale returns the active sources recorded in rows under a version other than
// the registered one. They are rejoined alongside the plan.
func (e *Engine) stale(plan *Plan, rows []*models.VariantRecord) []*models.AnnotationSource {
	planned := make(map[string]bool, len(plan.Sources))
	for _, src := range plan.Sources {
		planned[src.Name] = true
	}
	seen := make(map[string]bool)
	var out []*models.AnnotationSource
	for _, row := range rows {
		for name, sp := range row.Provenance {
			if planned[name] || seen[name] {
				continue
			}
			src, err := e.reg.Lookup(name)
			if err != nil || !src.IsActive() || src.Version == sp.Version {
				continue
			}
			seen[name] = true
			out = append(out, src)
		}
	}
	return out
}

func (e *Engine) enrichRange(ctx context.Context, plan *Plan, batchID string, job rangeJob) (int64, int64, error) {
	table := partition.Table(job.partition)

	rows, err := repositories.GetVariantsInRange(ctx, e.db, table, batchID, job.lo, job.hi)
	if err != nil {
		return 0, 0, fmt.Errorf("read %s [%d,%d]: %w", table, job.lo, job.hi, err)
	}
	if len(rows) == 0 {
		return 0, 0, nil
	}
	byRowID := make(map[int64]*models.VariantRecord, len(rows))
	matched := make(map[int64]map[string]models.FieldValues, len(rows))
	for _, row := range rows {
		byRowID[row.RowID] = row
		matched[row.RowID] = make(map[string]models.FieldValues)
	}

	joined := append(append([]*models.AnnotationSource(nil), plan.Sources...), e.stale(plan, rows)...)
	for _, src := range joined {
		matches, err := repositories.JoinAnnotationsForRange(ctx, e.db, table, registry.AnnotationTable(src.Name), batchID, src.Version, job.lo, job.hi)
		if err != nil {
			return int64(len(rows)), 0, fmt.Errorf("join %s against %s: %w", table, src.Name, err)
		}
		for i := 0; i < len(matches); {
			j := i
			for j < len(matches) && matches[j].VariantRowID == matches[i].VariantRowID {
				j++
			}
			row, ok := byRowID[matches[i].VariantRowID]
			if !ok {
				i = j
				continue
			}
			if j-i > 1 {
				return int64(len(rows)), 0, &models.AmbiguousAnnotationMatchError{Source: src.Name, Key: row.Key(), Matches: j - i}
			}
			matched[row.RowID][src.Name] = matches[i].Fields
			i = j
		}
	}

	type change struct {
		rowID   int64
		payload models.Payload
		prov    models.Provenance
	}
	var (
		changes  []change
		modified int64
	)
	for _, row := range rows {
		payload, prov := e.restate(row.Annotations, row.Provenance, joined, matched[row.RowID])
		payloadChanged := !sameJSON(row.Annotations, payload)
		if !payloadChanged && sameJSON(row.Provenance, prov) {
			continue
		}
		if payloadChanged {
			modified++
		}
		changes = append(changes, change{rowID: row.RowID, payload: payload, prov: prov})
	}
	if len(changes) == 0 {
		return int64(len(rows)), 0, nil
	}

	unlock := e.router.Lock(job.partition)
	defer unlock()
	err = e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, c := range changes {
			if err := repositories.UpdateVariantAnnotations(ctx, tx, table, c.rowID, c.payload, c.prov); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return int64(len(rows)), 0, fmt.Errorf("write %s [%d,%d]: %w", table, job.lo, job.hi, err)
	}
	return int64(len(rows)), modified, nil
}

// sameJSON compares values by their stored JSON form.
func sameJSON(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

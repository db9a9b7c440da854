package partition

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/repositories"
)

// Default is the catch-all partition for unrecognized chromosomes.
const Default = "default"

var identRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,47}$`)

// Normalize canonicalizes a chromosome name: the "chr" prefix is stripped,
// case is folded and M/MT collapse to MT.
func Normalize(chromosome string) string {
	c := strings.TrimSpace(chromosome)
	if len(c) >= 3 && strings.EqualFold(c[:3], "chr") {
		c = c[3:]
	}
	c = strings.ToUpper(c)
	if c == "M" {
		return "MT"
	}
	return c
}

// NormalizeKey returns key with a canonical chromosome and upper-case alleles.
func NormalizeKey(key models.VariantKey) models.VariantKey {
	key.Chromosome = Normalize(key.Chromosome)
	key.Reference = strings.ToUpper(key.Reference)
	key.Alternate = strings.ToUpper(key.Alternate)
	return key
}

// Table returns the physical table name of a partition.
func Table(partition string) string {
	return "variants_" + partition
}

// ValidName reports whether name can be used as a partition or table suffix.
func ValidName(name string) bool {
	return identRE.MatchString(name)
}

// Router maps chromosomes to partitions and provisions them on first use.
type Router struct {
	db  *bun.DB
	log *logger.Logger

	mu      sync.RWMutex
	named   map[string]string // normalized chromosome -> partition
	created map[string]bool
	pending map[string]*ensureCall

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

type ensureCall struct {
	done chan struct{}
	err  error
}

// NewRouter builds a router over db.
func NewRouter(db *bun.DB, log *logger.Logger) *Router {
	return &Router{
		db:      db,
		log:     log.With("component", "partition_router"),
		named:   make(map[string]string),
		created: make(map[string]bool),
		pending: make(map[string]*ensureCall),
		locks:   make(map[string]*sync.Mutex),
	}
}

// PartitionFor returns the partition for chromosome. It never fails.
func (r *Router) PartitionFor(chromosome string) string {
	c := Normalize(chromosome)

	r.mu.RLock()
	p, ok := r.named[c]
	r.mu.RUnlock()
	if ok {
		return p
	}

	switch c {
	case "X", "Y":
		return "chr" + c
	case "MT":
		return "chrM"
	}
	if n, err := strconv.Atoi(c); err == nil && n >= 1 && n <= 22 && strconv.Itoa(n) == c {
		return "chr" + c
	}
	return Default
}

// Register adds a named partition owning the given chromosomes, for genomes
// outside the human layout.
func (r *Router) Register(partition string, chromosomes ...string) error {
	if !ValidName(partition) {
		return fmt.Errorf("invalid partition name %q", partition)
	}
	if len(chromosomes) == 0 {
		return fmt.Errorf("partition %s needs at least one chromosome", partition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range chromosomes {
		n := Normalize(c)
		if owner, ok := r.named[n]; ok && owner != partition {
			return fmt.Errorf("chromosome %s already routed to partition %s", c, owner)
		}
	}
	for _, c := range chromosomes {
		r.named[Normalize(c)] = partition
	}
	return nil
}

// Ensure creates the physical partition on first use. Concurrent first uses
// of the same partition share one creation.
func (r *Router) Ensure(ctx context.Context, partition string) error {
	if !ValidName(partition) {
		return &models.PartitionCreationError{Partition: partition, Err: fmt.Errorf("invalid partition name")}
	}

	r.mu.Lock()
	if r.created[partition] {
		r.mu.Unlock()
		return nil
	}
	if call, ok := r.pending[partition]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &ensureCall{done: make(chan struct{})}
	r.pending[partition] = call
	r.mu.Unlock()

	call.err = r.create(ctx, partition)

	r.mu.Lock()
	delete(r.pending, partition)
	if call.err == nil {
		r.created[partition] = true
	}
	r.mu.Unlock()
	close(call.done)

	return call.err
}

func (r *Router) create(ctx context.Context, partition string) error {
	table := Table(partition)
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := repositories.CreateVariantTable(ctx, tx, table); err != nil {
			return err
		}
		return repositories.InsertPartition(ctx, tx, &models.Partition{
			Name:      partition,
			TableName: table,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return &models.PartitionCreationError{Partition: partition, Err: err}
	}
	r.log.Info("partition ready", "partition", partition, "table", table)
	return nil
}

// Lock takes the write locks of the given partitions in sorted order and
// returns the release function.
func (r *Router) Lock(partitions ...string) (unlock func()) {
	names := append([]string(nil), partitions...)
	sort.Strings(names)
	names = dedupe(names)

	held := make([]*sync.Mutex, 0, len(names))
	for _, name := range names {
		m := r.lockFor(name)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (r *Router) lockFor(name string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	m, ok := r.locks[name]
	if !ok {
		m = &sync.Mutex{}
		r.locks[name] = m
	}
	return m
}

// Partitions lists the physical partitions created so far.
func (r *Router) Partitions(ctx context.Context) ([]string, error) {
	parts, err := repositories.ListPartitions(ctx, r.db)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = p.Name
	}
	return names, nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}

package partition

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/testutil"
)

func TestPartitionForIsTotal(t *testing.T) {
	r := NewRouter(nil, logger.Nop())

	cases := []struct{ in, want string }{
		{"1", "chr1"},
		{"chr1", "chr1"},
		{"CHR22", "chr22"},
		{"x", "chrX"},
		{"chrY", "chrY"},
		{"M", "chrM"},
		{"MT", "chrM"},
		{"chrM", "chrM"},
		{"23", Default},
		{"01", Default},
		{"", Default},
		{"GL000220.1", Default},
		{"chrUn_KI27", Default},
		{"  chr7 ", "chr7"},
		{"plasmid_pUC9", Default},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, r.PartitionFor(tc.in), "chromosome %q", tc.in)
		// deterministic
		require.Equal(t, r.PartitionFor(tc.in), r.PartitionFor(tc.in))
	}
}

func TestRegisterNamedPartitions(t *testing.T) {
	r := NewRouter(nil, logger.Nop())

	require.NoError(t, r.Register("plasmid", "pUC19", "pBR322"))
	require.Equal(t, "plasmid", r.PartitionFor("PUC19"))
	require.Error(t, r.Register("other", "pUC19"))
	require.Error(t, r.Register("Bad-Name", "c1"))
	require.Error(t, r.Register("empty"))
}

func TestNormalize(t *testing.T) {
	require.Equal(t, "MT", Normalize("chrM"))
	require.Equal(t, "MT", Normalize("mt"))
	require.Equal(t, "X", Normalize("chrx"))
	require.Equal(t, "17", Normalize("17"))
}

func TestEnsureIsIdempotentUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	r := NewRouter(db, logger.Nop())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Ensure(ctx, "chr1")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, r.Ensure(ctx, Default))
	parts, err := r.Partitions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"chr1", Default}, parts)
}

func TestEnsureRejectsBadName(t *testing.T) {
	r := NewRouter(nil, logger.Nop())
	err := r.Ensure(context.Background(), "drop table")
	require.Error(t, err)
}

func TestLockOrdersAndReleases(t *testing.T) {
	r := NewRouter(nil, logger.Nop())

	unlock := r.Lock("chr2", "chr1", "chr2")
	done := make(chan struct{})
	go func() {
		u := r.Lock("chr1")
		u()
		close(done)
	}()
	unlock()
	<-done
}

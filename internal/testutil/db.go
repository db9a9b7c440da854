package testutil

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/loader/internal/database"
	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/migrations"
)

var dbSeq atomic.Int64

// NewDB opens a private in-memory database with all migrations applied.
func NewDB(t testing.TB) *bun.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := database.NewDB(dsn, false)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := migrations.RunMigrations(context.Background(), db, logger.Nop()); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

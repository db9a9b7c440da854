package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkoziy/genome/loader/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Load.MicroBatchSize != 500 {
		t.Fatalf("expected default micro batch size, got %d", cfg.Load.MicroBatchSize)
	}
	if cfg.Load.SkipTolerance != 0.01 {
		t.Fatalf("expected default skip tolerance, got %v", cfg.Load.SkipTolerance)
	}
	if cfg.Load.ReloadPolicy != "" {
		t.Fatalf("reload policy must stay unset by default, got %q", cfg.Load.ReloadPolicy)
	}
}

func TestLoadYAMLAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loader.yaml")
	data := []byte(`
database:
  dsn: "file:test.db"
load:
  micro_batch_size: 10
  reload_policy: additive
  default_sources: [gnomad, clinvar]
annotation:
  lookup_timeout: 250ms
partitions:
  - name: plasmid
    chromosomes: [p1, p2]
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("LOADER_LOAD_MICRO_BATCH_SIZE", "25")
	t.Setenv("LOADER_SERVER_ADDR", ":9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "file:test.db" {
		t.Fatalf("unexpected dsn %s", cfg.Database.DSN)
	}
	if cfg.Load.MicroBatchSize != 25 {
		t.Fatalf("env must override yaml, got %d", cfg.Load.MicroBatchSize)
	}
	if cfg.Load.ReloadPolicy != models.ReloadAdditive {
		t.Fatalf("unexpected reload policy %s", cfg.Load.ReloadPolicy)
	}
	if len(cfg.Load.DefaultSources) != 2 {
		t.Fatalf("unexpected default sources %v", cfg.Load.DefaultSources)
	}
	if cfg.Annotation.LookupTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected lookup timeout %v", cfg.Annotation.LookupTimeout)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("unexpected addr %s", cfg.Server.Addr)
	}
	if len(cfg.Partitions) != 1 || cfg.Partitions[0].Name != "plasmid" {
		t.Fatalf("unexpected partitions %+v", cfg.Partitions)
	}
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	cfg := applyDefaults(Config{})
	cfg.Load.ReloadPolicy = "merge"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown reload policy")
	}
}

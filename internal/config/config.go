package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/mkoziy/genome/loader/internal/models"
	"github.com/mkoziy/genome/loader/internal/retry"
)

// EnvPrefix is the prefix of every environment override, e.g. LOADER_DATABASE_DSN.
const EnvPrefix = "LOADER"

type Config struct {
	Database   DatabaseConfig    `yaml:"database"`
	Log        LogConfig         `yaml:"log"`
	Load       LoadConfig        `yaml:"load"`
	Annotation AnnotationConfig  `yaml:"annotation"`
	Audit      AuditConfig       `yaml:"audit"`
	Partitions []PartitionConfig `yaml:"partitions" ignored:"true"`
	Retry      retry.Config      `yaml:"retry"`
	Server     ServerConfig      `yaml:"server"`
	ClinVar    ClinVarConfig     `yaml:"clinvar"`
}

type DatabaseConfig struct {
	DSN   string `yaml:"dsn" envconfig:"DSN"`
	Debug bool   `yaml:"debug"`
}

type LogConfig struct {
	Mode string `yaml:"mode"`
}

type LoadConfig struct {
	MicroBatchSize        int                 `yaml:"micro_batch_size" split_words:"true"`
	SkipTolerance         float64             `yaml:"skip_tolerance" split_words:"true"`
	AbortSkipRatio        float64             `yaml:"abort_skip_ratio" split_words:"true"`
	AbortMinRecords       int64               `yaml:"abort_min_records" split_words:"true"`
	EnrichInline          bool                `yaml:"enrich_inline" split_words:"true"`
	DefaultSources        []string            `yaml:"default_sources" split_words:"true"`
	ReloadPolicy          models.ReloadPolicy `yaml:"reload_policy" split_words:"true"`
	FileWorkers           int                 `yaml:"file_workers" split_words:"true"`
	ReferenceGenome       string              `yaml:"reference_genome" split_words:"true"`
	AnnotationToolVersion string              `yaml:"annotation_tool_version" split_words:"true"`
	Operator              string              `yaml:"operator"`
}

type AnnotationConfig struct {
	LookupTimeout time.Duration `yaml:"lookup_timeout" split_words:"true"`
	RangeSize     int64         `yaml:"range_size" split_words:"true"`
	Workers       int           `yaml:"workers"`
}

type AuditConfig struct {
	StaleAfter    time.Duration `yaml:"stale_after" split_words:"true"`
	SweepInterval time.Duration `yaml:"sweep_interval" split_words:"true"`
	FailAbandoned bool          `yaml:"fail_abandoned" split_words:"true"`
}

// PartitionConfig declares a named partition for non-human genome modes.
type PartitionConfig struct {
	Name        string   `yaml:"name"`
	Chromosomes []string `yaml:"chromosomes"`
}

type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	AllowOrigins []string `yaml:"allow_origins" split_words:"true"`
}

type ClinVarConfig struct {
	BaseURL           string  `yaml:"base_url" split_words:"true"`
	APIKey            string  `yaml:"api_key" envconfig:"API_KEY"`
	Email             string  `yaml:"email"`
	Tool              string  `yaml:"tool"`
	RequestsPerSecond float64 `yaml:"requests_per_second" split_words:"true"`
	Burst             int     `yaml:"burst"`
	BatchSize         int     `yaml:"batch_size" split_words:"true"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Database: DatabaseConfig{DSN: "file:genome.db?cache=shared"},
		Log:      LogConfig{Mode: "development"},
		Load: LoadConfig{
			MicroBatchSize:        500,
			SkipTolerance:         0.01,
			AbortSkipRatio:        0.5,
			AbortMinRecords:       1000,
			FileWorkers:           2,
			ReferenceGenome:       "GRCh38",
			AnnotationToolVersion: "unknown",
			Operator:              "loader",
		},
		Annotation: AnnotationConfig{
			LookupTimeout: 2 * time.Second,
			RangeSize:     5000,
			Workers:       4,
		},
		Audit: AuditConfig{
			StaleAfter:    10 * time.Minute,
			SweepInterval: time.Minute,
		},
		Retry:  retry.DefaultConfig(),
		Server: ServerConfig{Addr: ":8080"},
		ClinVar: ClinVarConfig{
			BaseURL:           "https://eutils.ncbi.nlm.nih.gov/entrez/eutils",
			Tool:              "genome-loader",
			RequestsPerSecond: 3,
			Burst:             3,
			BatchSize:         200,
		},
	}
}

// Load reads YAML from path (optional), overlays LOADER_* environment
// variables, fills defaults and validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	cfg = applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg Config) Config {
	def := Default()
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = def.Database.DSN
	}
	if cfg.Log.Mode == "" {
		cfg.Log.Mode = def.Log.Mode
	}
	if cfg.Load.MicroBatchSize <= 0 {
		cfg.Load.MicroBatchSize = def.Load.MicroBatchSize
	}
	if cfg.Load.SkipTolerance <= 0 {
		cfg.Load.SkipTolerance = def.Load.SkipTolerance
	}
	if cfg.Load.AbortSkipRatio <= 0 {
		cfg.Load.AbortSkipRatio = def.Load.AbortSkipRatio
	}
	if cfg.Load.AbortMinRecords <= 0 {
		cfg.Load.AbortMinRecords = def.Load.AbortMinRecords
	}
	if cfg.Load.FileWorkers <= 0 {
		cfg.Load.FileWorkers = def.Load.FileWorkers
	}
	if cfg.Load.ReferenceGenome == "" {
		cfg.Load.ReferenceGenome = def.Load.ReferenceGenome
	}
	if cfg.Load.AnnotationToolVersion == "" {
		cfg.Load.AnnotationToolVersion = def.Load.AnnotationToolVersion
	}
	if cfg.Load.Operator == "" {
		cfg.Load.Operator = def.Load.Operator
	}
	if cfg.Annotation.LookupTimeout <= 0 {
		cfg.Annotation.LookupTimeout = def.Annotation.LookupTimeout
	}
	if cfg.Annotation.RangeSize <= 0 {
		cfg.Annotation.RangeSize = def.Annotation.RangeSize
	}
	if cfg.Annotation.Workers <= 0 {
		cfg.Annotation.Workers = def.Annotation.Workers
	}
	if cfg.Audit.StaleAfter <= 0 {
		cfg.Audit.StaleAfter = def.Audit.StaleAfter
	}
	if cfg.Audit.SweepInterval <= 0 {
		cfg.Audit.SweepInterval = def.Audit.SweepInterval
	}
	cfg.Retry = retry.ApplyDefaults(cfg.Retry)
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.ClinVar.BaseURL == "" {
		cfg.ClinVar.BaseURL = def.ClinVar.BaseURL
	}
	if cfg.ClinVar.Tool == "" {
		cfg.ClinVar.Tool = def.ClinVar.Tool
	}
	if cfg.ClinVar.RequestsPerSecond <= 0 {
		cfg.ClinVar.RequestsPerSecond = def.ClinVar.RequestsPerSecond
	}
	if cfg.ClinVar.Burst <= 0 {
		cfg.ClinVar.Burst = def.ClinVar.Burst
	}
	if cfg.ClinVar.BatchSize <= 0 {
		cfg.ClinVar.BatchSize = def.ClinVar.BatchSize
	}
	return cfg
}

// Validate rejects settings the loader cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Load.SkipTolerance < 0 || c.Load.SkipTolerance > 1 {
		errs = append(errs, fmt.Errorf("load.skip_tolerance must be within [0,1], got %v", c.Load.SkipTolerance))
	}
	if c.Load.AbortSkipRatio < c.Load.SkipTolerance || c.Load.AbortSkipRatio > 1 {
		errs = append(errs, fmt.Errorf("load.abort_skip_ratio must be within [skip_tolerance,1], got %v", c.Load.AbortSkipRatio))
	}
	if c.Load.ReloadPolicy != "" && !c.Load.ReloadPolicy.Valid() {
		errs = append(errs, fmt.Errorf("load.reload_policy %q is not one of replace, additive", c.Load.ReloadPolicy))
	}
	seen := map[string]bool{}
	for _, p := range c.Partitions {
		if p.Name == "" || len(p.Chromosomes) == 0 {
			errs = append(errs, errors.New("partitions entries need a name and chromosomes"))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("partition %s declared twice", p.Name))
		}
		seen[p.Name] = true
	}
	return errors.Join(errs...)
}

// ClinVarRetry maps ClinVar throttling onto the shared retry settings.
func (c Config) ClinVarRetry() retry.Config {
	r := c.Retry
	r.RequestsPerSec = c.ClinVar.RequestsPerSecond
	r.Burst = c.ClinVar.Burst
	return r
}

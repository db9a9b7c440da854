package retry

import "time"

// Config holds retry and throttling settings.
type Config struct {
	MaxRetries        int           `yaml:"max_retries" json:"max_retries" split_words:"true"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff" split_words:"true"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff" split_words:"true"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier" split_words:"true"`
	RequestsPerSec    float64       `yaml:"requests_per_second" json:"requests_per_second" envconfig:"REQUESTS_PER_SECOND"`
	Burst             int           `yaml:"burst" json:"burst"`
}

// DefaultConfig returns sensible defaults for local SQLite contention.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        5,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		RequestsPerSec:    3.0,
		Burst:             5,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func ApplyDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = def.RequestsPerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	return cfg
}

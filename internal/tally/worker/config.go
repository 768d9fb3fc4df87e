package worker

import (
	"time"

	"github.com/smallbiznis/tally/internal/config"
)

// Config controls the tally worker loop.
type Config struct {
	Enabled      bool
	BatchSize    int
	PollInterval time.Duration
	RunTimeout   time.Duration
	RowTimeout   time.Duration
	LockBuckets  bool
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		BatchSize:    500,
		PollInterval: time.Minute,
		RunTimeout:   5 * time.Minute,
		RowTimeout:   10 * time.Second,
	}
}

// NewConfig reads the worker settings from the application config.
func NewConfig(cfg config.Config) Config {
	return Config{
		Enabled:      cfg.Worker.Enabled,
		BatchSize:    cfg.Worker.BatchSize,
		PollInterval: cfg.Worker.Interval,
		RunTimeout:   cfg.Worker.RunTimeout,
		LockBuckets:  cfg.Worker.LockBuckets,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.RowTimeout <= 0 {
		c.RowTimeout = defaults.RowTimeout
	}
	return c
}

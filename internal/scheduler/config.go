package scheduler

import (
	"time"

	"github.com/smallbiznis/lexbill/internal/config"
)

// Config controls the cron specs and batch sizes of the background jobs.
type Config struct {
	Enabled             bool
	SweepSpec           string
	SweepLookback       time.Duration
	SweepBatchSize      int
	AutoInvoiceSpec     string
	AutoInvoiceMaxCases int
	JobTimeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		SweepSpec:           "@every 15m",
		SweepLookback:       72 * time.Hour,
		SweepBatchSize:      200,
		AutoInvoiceSpec:     "0 2 * * *",
		AutoInvoiceMaxCases: 100,
		JobTimeout:          10 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:             cfg.Scheduler.Enabled,
		SweepSpec:           cfg.Scheduler.SweepSpec,
		SweepLookback:       cfg.Scheduler.SweepLookback,
		SweepBatchSize:      cfg.Scheduler.SweepBatchSize,
		AutoInvoiceSpec:     cfg.Scheduler.AutoInvoiceSpec,
		AutoInvoiceMaxCases: cfg.Scheduler.AutoInvoiceMaxCases,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.SweepSpec == "" {
		c.SweepSpec = defaults.SweepSpec
	}
	if c.SweepLookback <= 0 {
		c.SweepLookback = defaults.SweepLookback
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = defaults.SweepBatchSize
	}
	if c.AutoInvoiceSpec == "" {
		c.AutoInvoiceSpec = defaults.AutoInvoiceSpec
	}
	if c.AutoInvoiceMaxCases <= 0 {
		c.AutoInvoiceMaxCases = defaults.AutoInvoiceMaxCases
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

package service

import (
	"time"

	"github.com/smallbiznis/chatpoints/internal/config"
)

// Config controls claim staleness and the retry schedule.
type Config struct {
	MaxAttempts  int
	StaleAfter   time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	ClaimTimeout time.Duration
	InsertBatch  int
	MaxErrorLen  int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		StaleAfter:   2 * time.Minute,
		BaseBackoff:  time.Second,
		MaxBackoff:   5 * time.Minute,
		ClaimTimeout: 2 * time.Second,
		InsertBatch:  250,
		MaxErrorLen:  1024,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaults.StaleAfter
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaults.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = defaults.ClaimTimeout
	}
	if c.InsertBatch <= 0 {
		c.InsertBatch = defaults.InsertBatch
	}
	if c.MaxErrorLen <= 0 {
		c.MaxErrorLen = defaults.MaxErrorLen
	}
	return c
}

// Backoff returns the delay before attempt n+1 after n failed attempts.
func (c Config) Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	delay := c.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if delay > c.MaxBackoff {
		return c.MaxBackoff
	}
	return delay
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		MaxAttempts: cfg.Worker.MaxAttempts,
		StaleAfter:  cfg.Worker.StaleAfter,
	}.withDefaults()
}

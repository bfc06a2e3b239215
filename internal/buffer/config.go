package buffer

import (
	"time"

	"github.com/smallbiznis/chatpoints/internal/config"
)

// Config controls buffer batching and the background flusher.
type Config struct {
	Key           string
	BatchCap      int
	FlushInterval time.Duration
	FlushLockTTL  time.Duration
	DrainTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Key:           "chat:buffer",
		BatchCap:      500,
		FlushInterval: 2 * time.Second,
		FlushLockTTL:  30 * time.Second,
		DrainTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Key == "" {
		c.Key = defaults.Key
	}
	if c.BatchCap <= 0 {
		c.BatchCap = defaults.BatchCap
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaults.FlushInterval
	}
	if c.FlushLockTTL <= 0 {
		c.FlushLockTTL = defaults.FlushLockTTL
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaults.DrainTimeout
	}
	return c
}

func (c Config) flushLockKey() string {
	return c.Key + ":flush-lock"
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		BatchCap:      cfg.Buffer.BatchCap,
		FlushInterval: cfg.Buffer.FlushInterval,
		FlushLockTTL:  cfg.Buffer.FlushLockTTL,
	}.withDefaults()
}

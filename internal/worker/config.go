package worker

import (
	"strings"
	"time"

	"github.com/smallbiznis/chatpoints/internal/config"
)

type Config struct {
	PollInterval       time.Duration
	Concurrency        int
	DrainTimeout       time.Duration
	StatsInterval      time.Duration
	HeartbeatInterval  time.Duration
	JobTimeout         time.Duration
	PurgeSchedule      string
	CompletedRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:       500 * time.Millisecond,
		Concurrency:        10,
		DrainTimeout:       15 * time.Second,
		StatsInterval:      time.Minute,
		HeartbeatInterval:  5 * time.Second,
		JobTimeout:         time.Minute,
		PurgeSchedule:      "@hourly",
		CompletedRetention: 24 * time.Hour,
	}
}

// withDefaults fills zero values. An empty PurgeSchedule is kept only when
// CompletedRetention is negative, which disables purging.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = def.StatsInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	c.PurgeSchedule = strings.TrimSpace(c.PurgeSchedule)
	if c.CompletedRetention == 0 {
		c.CompletedRetention = def.CompletedRetention
	}
	if c.PurgeSchedule == "" && c.CompletedRetention > 0 {
		c.PurgeSchedule = def.PurgeSchedule
	}
	return c
}

func (c Config) purgeEnabled() bool {
	return c.CompletedRetention > 0 && c.PurgeSchedule != ""
}

func ProvideConfig(cfg config.Config) Config {
	w := cfg.Worker
	return Config{
		PollInterval:       w.PollInterval,
		Concurrency:        w.Concurrency,
		DrainTimeout:       w.DrainTimeout,
		StatsInterval:      w.StatsInterval,
		PurgeSchedule:      w.PurgeSchedule,
		CompletedRetention: w.CompletedRetention,
	}.withDefaults()
}

package service

import "time"

type Config struct {
	LockTimeout      time.Duration
	StatementTimeout time.Duration
	Retry            RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		LockTimeout:      20 * time.Second,
		StatementTimeout: 30 * time.Second,
		Retry:            DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaults.LockTimeout
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = defaults.StatementTimeout
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

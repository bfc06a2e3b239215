package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis   RedisConfig
	HTTP    HTTPConfig
	Webhook WebhookConfig
	Buffer  BufferConfig
	Worker  WorkerConfig
	Session SessionConfig

	PointsConfigPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	PublicRate      int
	PublicBurst     int
}

type WebhookConfig struct {
	PublicKeyPEM     string
	RateLimit        bool
	BroadcasterRate  float64
	BroadcasterBurst int
}

type BufferConfig struct {
	BatchCap      int
	FlushInterval time.Duration
	FlushLockTTL  time.Duration
}

type WorkerConfig struct {
	LockBackend        string
	LockKey            int64
	PollInterval       time.Duration
	Concurrency        int
	StaleAfter         time.Duration
	MaxAttempts        int
	DrainTimeout       time.Duration
	StatsInterval      time.Duration
	PurgeSchedule      string
	CompletedRetention time.Duration
}

type SessionConfig struct {
	GraceWindow    time.Duration
	ActiveCacheTTL time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "chatpoints"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		NodeID:       getenvInt64("NODE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "chatpoints"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 30),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME_SECONDS", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_SECONDS", 300),

		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		HTTP: HTTPConfig{
			Addr:            getenv("HTTP_ADDR", ":8080"),
			ShutdownTimeout: getenvDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			PublicRate:      getenvInt("HTTP_PUBLIC_RATE", 20),
			PublicBurst:     getenvInt("HTTP_PUBLIC_BURST", 40),
		},
		Webhook: WebhookConfig{
			PublicKeyPEM:     strings.TrimSpace(getenv("WEBHOOK_PUBLIC_KEY_PEM", "")),
			RateLimit:        getenvBool("WEBHOOK_RATE_LIMIT_ENABLED", false),
			BroadcasterRate:  getenvFloat("WEBHOOK_BROADCASTER_RATE", 200),
			BroadcasterBurst: getenvInt("WEBHOOK_BROADCASTER_BURST", 400),
		},
		Buffer: BufferConfig{
			BatchCap:      getenvInt("BUFFER_BATCH_CAP", 500),
			FlushInterval: getenvDuration("BUFFER_FLUSH_INTERVAL", 2*time.Second),
			FlushLockTTL:  getenvDuration("BUFFER_FLUSH_LOCK_TTL", 30*time.Second),
		},
		Worker: WorkerConfig{
			LockBackend:        strings.ToLower(getenv("WORKER_LOCK_BACKEND", "postgres")),
			LockKey:            getenvInt64("WORKER_LOCK_KEY", 7305001),
			PollInterval:       getenvDuration("WORKER_POLL_INTERVAL", 500*time.Millisecond),
			Concurrency:        getenvInt("WORKER_CONCURRENCY", 10),
			StaleAfter:         getenvDuration("WORKER_STALE_AFTER", 2*time.Minute),
			MaxAttempts:        getenvInt("WORKER_MAX_ATTEMPTS", 5),
			DrainTimeout:       getenvDuration("WORKER_DRAIN_TIMEOUT", 15*time.Second),
			StatsInterval:      getenvDuration("WORKER_STATS_INTERVAL", time.Minute),
			PurgeSchedule:      getenv("WORKER_PURGE_SCHEDULE", "@hourly"),
			CompletedRetention: getenvDuration("WORKER_COMPLETED_RETENTION", 24*time.Hour),
		},
		Session: SessionConfig{
			GraceWindow:    getenvDuration("SESSION_GRACE_WINDOW", 2*time.Minute),
			ActiveCacheTTL: getenvDuration("SESSION_ACTIVE_CACHE_TTL", 2*time.Second),
		},
		PointsConfigPath: strings.TrimSpace(getenv("POINTS_CONFIG_PATH", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("500ms", "2m") or a bare
// number of seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}

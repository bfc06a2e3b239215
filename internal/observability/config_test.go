package observability

import (
	"testing"

	"github.com/smallbiznis/chatpoints/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "")

	cfg := LoadConfig(config.Config{AppName: "", Environment: "production", AppVersion: "1.2.3"})
	assert.Equal(t, "chatpoints", cfg.ServiceName)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "grpc", cfg.OtelExporterProtocol)
	assert.False(t, cfg.OtelEnabled)
	assert.False(t, cfg.Debug())
}

func TestDebugInDevelopment(t *testing.T) {
	cfg := Config{Environment: "development", LogLevel: "info"}
	assert.True(t, cfg.Debug())

	cfg = Config{Environment: "production", LogLevel: "debug"}
	assert.True(t, cfg.Debug())
}

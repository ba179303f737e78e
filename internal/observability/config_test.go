package observability

import (
	"testing"

	"github.com/smallbiznis/ticketstack/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigExportNeedsEndpoint(t *testing.T) {
	cfg := config.Config{
		AppName:     "ticketstack",
		Environment: "production",
		Telemetry:   config.TelemetryConfig{LogLevel: "info", OTLPEnabled: true, OTLPProtocol: "grpc"},
	}
	assert.False(t, LoadConfig(cfg).Export)

	cfg.Telemetry.OTLPEndpoint = "collector:4317"
	got := LoadConfig(cfg)
	assert.True(t, got.Export)
	assert.False(t, got.Verbose())

	parts := splitConfig(got)
	assert.True(t, parts.Tracing.Enabled)
	assert.Equal(t, "collector:4317", parts.Metrics.ExporterEndpoint)
	assert.False(t, parts.Logger.IncludeStackOnError)
}

func TestVerbose(t *testing.T) {
	assert.True(t, Config{Environment: "development"}.Verbose())
	assert.True(t, Config{Environment: "production", LogLevel: "debug"}.Verbose())
	assert.False(t, Config{Environment: "staging"}.Verbose())
	assert.True(t, LoadConfig(config.Config{}).Verbose())
	assert.Equal(t, "ticketstack", LoadConfig(config.Config{}).ServiceName)
}

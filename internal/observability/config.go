package observability

import (
	"strings"

	"github.com/smallbiznis/ticketstack/internal/config"
)

// Config is the telemetry view of the application config shared by the
// logger, tracer and metrics providers.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	Export        bool
	Endpoint      string
	Protocol      string
	SamplingRatio float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "ticketstack"
	}
	t := cfg.Telemetry
	return Config{
		ServiceName:   serviceName,
		Environment:   strings.TrimSpace(cfg.Environment),
		Version:       strings.TrimSpace(cfg.AppVersion),
		LogLevel:      t.LogLevel,
		LogFormat:     t.LogFormat,
		Export:        t.OTLPEnabled && t.OTLPEndpoint != "",
		Endpoint:      t.OTLPEndpoint,
		Protocol:      t.OTLPProtocol,
		SamplingRatio: t.SamplingRatio,
	}
}

// Verbose reports whether debug logs and error stacks are wanted: an explicit
// debug level, or any environment that is not production or staging.
func (c Config) Verbose() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "production", "staging":
		return false
	default:
		return true
	}
}

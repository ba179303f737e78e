package observability

import (
	"github.com/smallbiznis/ticketstack/internal/observability/logger"
	"github.com/smallbiznis/ticketstack/internal/observability/metrics"
	"github.com/smallbiznis/ticketstack/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		splitConfig,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
	),
	fx.Invoke(install),
)

type providerConfigs struct {
	fx.Out

	Logger  logger.Config
	Tracing tracing.Config
	Metrics metrics.Config
}

func splitConfig(cfg Config) providerConfigs {
	verbose := cfg.Verbose()
	return providerConfigs{
		Logger: logger.Config{
			ServiceName:         cfg.ServiceName,
			Environment:         cfg.Environment,
			Version:             cfg.Version,
			Level:               cfg.LogLevel,
			Format:              cfg.LogFormat,
			Debug:               verbose,
			IncludeCaller:       true,
			IncludeStackOnError: verbose,
		},
		Tracing: tracing.Config{
			Enabled:          cfg.Export,
			ServiceName:      cfg.ServiceName,
			ServiceVersion:   cfg.Version,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.Endpoint,
			ExporterProtocol: cfg.Protocol,
			SamplingRatio:    cfg.SamplingRatio,
		},
		Metrics: metrics.Config{
			Enabled:          cfg.Export,
			ExporterEndpoint: cfg.Endpoint,
			ExporterProtocol: cfg.Protocol,
			ServiceName:      cfg.ServiceName,
			Environment:      cfg.Environment,
		},
	}
}

// install builds the global tracer provider and registers the scheduler
// collectors before any job runs.
func install(_ *sdktrace.TracerProvider, cfg metrics.Config) {
	metrics.SchedulerWithConfig(cfg)
}

package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/strata-deploy/strata/pkg/stores"
	"github.com/strata-deploy/strata/pkg/telemetry"
)

// runtime bundles the telemetry stack shared by all commands.
type runtime struct {
	cfg     *telemetry.Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// newRuntime builds the telemetry stack from the chosen profile and the
// global logging flags.
func newRuntime(version string) (*runtime, error) {
	var cfg *telemetry.Config
	switch profile {
	case "production":
		cfg = telemetry.ProductionConfig()
	case "development":
		cfg = telemetry.DevelopmentConfig()
	case "default", "":
		cfg = telemetry.DefaultConfig()
	default:
		return nil, fmt.Errorf("unknown telemetry profile: %s", profile)
	}
	cfg.ServiceVersion = version
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger}

	if cfg.Metrics.Enabled {
		metrics, err := telemetry.NewMetrics(cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		rt.metrics = metrics
	}
	if cfg.Tracing.Enabled {
		tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer: %w", err)
		}
		rt.tracer = tracer
	}
	return rt, nil
}

// close flushes the tracer.
func (rt *runtime) close(ctx context.Context) {
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(ctx); err != nil {
			rt.logger.WithError(err).Warn("failed to shut down tracer")
		}
	}
}

// openHistory opens the run history store, creating its directory if needed.
func openHistory(ctx context.Context, environment string) (*stores.History, error) {
	if err := os.MkdirAll(filepath.Dir(historyDB), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	history, err := stores.NewHistory(stores.Config{Path: historyDB})
	if err != nil {
		return nil, err
	}
	if err := history.Init(ctx); err != nil {
		return nil, err
	}
	return history.ForEnvironment(environment), nil
}

// Package app wires configuration, storage and the OAuth server together
// for the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/config"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/server"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/storage/memory"
	"github.com/giantswarm/oauth-provider/storage/postgres"
	"github.com/giantswarm/oauth-provider/storage/redis"
)

// NewLogger returns a text logger at debug for local runs and a JSON
// logger otherwise; prod logs at info.
func NewLogger(env string) *slog.Logger {
	switch env {
	case config.EnvLocal:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case config.EnvDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	default:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
}

// NewInstrumentation uses the globally registered OpenTelemetry providers
// when telemetry is enabled and noop providers otherwise.
func NewInstrumentation(cfg config.TelemetryConfig) (*instrumentation.Instrumentation, error) {
	instCfg := instrumentation.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Enabled:        cfg.Enabled,
	}
	if cfg.Enabled {
		instCfg.MeterProvider = otel.GetMeterProvider()
		instCfg.TracerProvider = otel.GetTracerProvider()
	}
	return instrumentation.New(instCfg)
}

// OpenStore opens the configured storage backend. Postgres schemas are
// migrated first when storage.postgres.migrate is set.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		logger.Warn("Using in-memory storage; all state is lost on restart")
		return store, nil

	case config.DriverPostgres:
		store, err := postgres.New(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		if cfg.Storage.Postgres.Migrate {
			if err := postgres.Migrate(store.Pool(), logger); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		return store, nil

	case config.DriverRedis:
		store, err := redis.New(ctx, cfg.Redis())
		if err != nil {
			return nil, err
		}
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// NewServer builds the OAuth server on store with auditing and
// instrumentation attached.
func NewServer(cfg *config.Config, store storage.Store, logger *slog.Logger, inst *instrumentation.Instrumentation) (*server.Server, error) {
	srv, err := server.New(store, cfg.Server(), logger)
	if err != nil {
		return nil, err
	}
	srv.SetInstrumentation(inst)
	srv.SetAuditor(security.NewAuditor(logger, !cfg.DisableAudit))
	return srv, nil
}

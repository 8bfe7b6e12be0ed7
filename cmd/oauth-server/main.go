// Command oauth-server runs the OAuth 2.0 authorization server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	oauth "github.com/giantswarm/oauth-provider"
	"github.com/giantswarm/oauth-provider/internal/app"
	"github.com/giantswarm/oauth-provider/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default $CONFIG_PATH)")
	flag.Parse()

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.Env)
	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inst, err := app.NewInstrumentation(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}

	store, err := app.OpenStore(ctx, cfg, logger, inst)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	}()

	srv, err := app.NewServer(cfg, store, logger, inst)
	if err != nil {
		return err
	}

	handler := oauth.NewHandler(srv, cfg.Handler(), nil, logger)
	defer handler.Close()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		srv.RunExpirySweep(sweepCtx, cfg.SweepInterval)
	}()

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting OAuth server",
			"address", cfg.HTTP.Address,
			"env", cfg.Env,
			"storage", cfg.Storage.Driver,
			"issuer", cfg.OAuth.Issuer)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		stopSweep()
		<-sweepDone
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutting down OAuth server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server did not shut down cleanly", "error", err)
	}

	stopSweep()
	<-sweepDone
	srv.Wait()

	if err := inst.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to shut down instrumentation", "error", err)
	}

	logger.Info("OAuth server stopped")
	return nil
}

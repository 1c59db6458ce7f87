package main

import (
	"context"
	"errors"
	"net/http"

	"rupeek/internal/auth"
	"rupeek/internal/backend"
	"rupeek/internal/cli"
	apphttp "rupeek/internal/http"
	applog "rupeek/internal/log"
	"rupeek/internal/services"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger()
	cfg := cli.LoadAndValidateConfig(logger)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		cli.Fatal(logger, "Invalid backend configuration", err)
	}

	startupCtx := context.Background()
	result, err := backend.NewFactory(logger).CreateBackend(startupCtx, backendCfg)
	if err != nil {
		cli.Fatal(logger, "Failed to initialize backend", err, "backend", cfg.DataBackend)
	}

	manager := services.NewManager(result.Store, result.Publisher(), services.SessionConfig{
		Location:           backendCfg.Location,
		CycleCheckInterval: cfg.CycleCheckInterval,
	})
	notifier := auth.NewNotifier()
	stopWatching := manager.Watch(startupCtx, notifier)

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Manager:        manager,
		Auth:           notifier,
		Verifier:       auth.NewTokenVerifier(cfg.JWTSecret),
		Store:          result.Store,
		Logger:         logger,
		WriteRateLimit: cfg.WriteRateLimit,
	})

	ctx, done := cli.GracefulShutdown(logger, cfg.ShutdownTimeout, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err)
		}
		stopWatching()
		manager.Close()
		if err := result.Cleanup(); err != nil {
			logger.Error("Backend cleanup error", applog.FieldError, err)
		}
	})

	if result.AMQP != nil {
		go func() {
			if err := result.AMQP.ConsumeLedgerChanges(ctx, result.Feed); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Ledger change consumer stopped", applog.FieldError, err)
			}
		}()
	}

	logger.Info("Starting rupeek server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"timezone", backendCfg.Location.String(),
		"amqp", result.AMQP != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cli.Fatal(logger, "Server error", err, "port", cfg.Port)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/NickPittas/NukeAiPanel/config"
	"github.com/NickPittas/NukeAiPanel/handlers"
	"github.com/NickPittas/NukeAiPanel/routes"
	"github.com/NickPittas/NukeAiPanel/services/bridge"
	"github.com/NickPittas/NukeAiPanel/services/registry"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	reg := registry.New(cfg, logger)

	// Authenticate up front. Failures are logged per backend; the
	// server still starts and readiness reports the degraded state.
	authCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ReadTimeout)
	for name, authErr := range reg.AuthenticateAll(authCtx) {
		if authErr != nil {
			logger.Warn("backend authentication failed",
				zap.String("backend", name), zap.Error(authErr))
		} else {
			logger.Info("backend authenticated", zap.String("backend", name))
		}
	}
	cancel()

	br := bridge.New(reg, cfg.Bridge.SubmitTimeout, logger)

	deps := &routes.Dependencies{
		Config:   cfg,
		Generate: handlers.NewGenerateHandler(br, logger),
		Admin:    handlers.NewAdminHandler(reg, logger),
		Registry: reg,
		Logger:   logger,
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      routes.SetupRoutes(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orchestrator listening",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment))
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting connections, then drain in-flight work, then
	// release backend adapters.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := br.Shutdown(shutdownCtx); err != nil {
		logger.Error("bridge shutdown", zap.Error(err))
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Error("registry shutdown", zap.Error(err))
	}

	logger.Info("orchestrator stopped")
}

func buildLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	var zc zap.Config
	if cfg.LogFormat == "text" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

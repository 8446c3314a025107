package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/recomma/ordersync/cmd/ordersync/internal/config"
	ordlog "github.com/recomma/ordersync/log"
)

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)

	if err := fs.Parse(os.Args[1:]); err != nil {
		fatal("parsing flags failed", err)
	}
	if err := config.LoadEnvFile(fs, cfg); err != nil {
		fatal("loading env file failed", err)
	}
	if err := config.ApplyEnvDefaults(fs, &cfg); err != nil {
		fatal("invalid parameters", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		fatal("invalid configuration", err)
	}

	handler, logCloser, err := config.GetLogHandler(cfg, os.Stderr)
	if err != nil {
		fatal("log init failed", err)
	}
	defer logCloser.Close()

	logger := slog.New(handler)
	slog.SetDefault(logger)
	log.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelDebug).Writer())

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appCtx = ordlog.ContextWithLogger(appCtx, logger)

	app, err := NewApp(AppOptions{Config: cfg, Logger: logger})
	if err != nil {
		fatal("app init failed", err)
	}
	if err := app.Start(appCtx); err != nil {
		fatal("app start failed", err)
	}

	select {
	case <-appCtx.Done():
		logger.Info("shutdown requested; draining queue...")
	case err, ok := <-app.ServerErrors():
		if ok && err != nil {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
		}
	}

	// give the queue and the cache flush time to finish, then give up
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("shutdown finished with errors", slog.String("error", err.Error()))
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ParleSec/reqwatch/internal/app"
)

func main() {
	boot, err := app.Bootstrap(app.BootstrapOptions{EnableCapture: true})
	if err != nil {
		slog.Error("failed to bootstrap", "error", err)
		os.Exit(1)
	}
	cfg, logger := boot.Config, boot.Logger

	server := app.NewServer(cfg, boot.Hub, nil, logger)
	httpServer := &http.Server{
		Addr:         cfg.AppListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background job; its calls have no session and reach every observer
	poller := &app.Poller{
		URL:      cfg.BackgroundURL,
		Interval: cfg.BackgroundInterval,
		Logger:   logger,
	}
	go poller.Run(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.AppListenAddr, "stream", cfg.StreamURL())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := boot.Installation.Uninstall(shutdownCtx); err != nil {
		logger.Error("event stream shutdown failed", "error", err)
	}

	logger.Info("server exited gracefully")
}

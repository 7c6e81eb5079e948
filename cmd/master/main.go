package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sparkmini/sparkmini/internal/master"
	"github.com/sparkmini/sparkmini/internal/shared/config"
	"github.com/sparkmini/sparkmini/internal/shared/logging"
)

const monitorInterval = 3 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadMaster(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level))

	registry := master.NewRegistry(cfg, logger)
	server := master.NewServer(cfg.BindAddr, registry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := master.NewMonitor(monitorInterval, registry)
	go monitor.Start(ctx)

	go func() {
		logger.Info("master listening",
			"addr", cfg.BindAddr,
			"dead_timeout", cfg.DeadTimeout.String(),
			"task_timeout", cfg.TaskTimeout.String(),
			"max_attempts", cfg.MaxAttempts,
		)
		if err := server.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			logger.Fatal("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down master")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", "error", err)
	}
	logger.Info("master stopped")
}

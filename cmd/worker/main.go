package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sparkmini/sparkmini/internal/shared/config"
	"github.com/sparkmini/sparkmini/internal/shared/logging"
	"github.com/sparkmini/sparkmini/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadWorker(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level))

	if err := os.MkdirAll(cfg.TmpDir, 0o755); err != nil {
		logger.Fatal("cannot create tmp dir", "dir", cfg.TmpDir, "error", err)
	}

	shuffle := worker.NewShuffleServer(cfg.TmpDir, logger)
	server := worker.NewServer(cfg.Addr, shuffle, logger)

	go func() {
		logger.Info("shuffle server listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			logger.Fatal("shuffle server error", "error", err)
		}
	}()

	w := worker.New(cfg, advertiseAddr(cfg.Addr), shuffle, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal("worker error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

// advertiseAddr turns a bind address like ":8081" into an address
// peers and the master can reach.
func advertiseAddr(bind string) string {
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return bind
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if hostname, err := os.Hostname(); err == nil {
			host = hostname
		} else {
			host = "localhost"
		}
	}
	return net.JoinHostPort(host, port)
}

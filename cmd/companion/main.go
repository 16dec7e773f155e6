package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/companion/pkg/companion"
	"github.com/harunnryd/companion/pkg/logging"
)

func main() {
	configPath := flag.String("config", "cmd/companion/config.example.yaml", "path to the companion config")
	quiet := flag.Bool("quiet", false, "skip the startup banner")
	flag.Parse()

	cfg, err := companion.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.InitLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	opts := companion.EngineOptions{Config: cfg, Logger: logger}
	if !*quiet {
		opts.Banner = os.Stdout
	}
	engine, err := companion.NewEngine(opts)
	if err != nil {
		logger.Error("engine_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("companion_exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"hostvisor/internal/app"
	"hostvisor/internal/config"
	"hostvisor/internal/logging"
)

func main() {
	defaultDir, err := config.Dir()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	configDir := flag.String("config-dir", defaultDir, "directory holding config, database and default data directories")
	shutdownTimeout := flag.Duration("shutdown-timeout", 30*time.Second, "how long running instances get to stop on shutdown")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	log.Info().
		Str("config", cfg.File).
		Str("database", cfg.DatabasePath).
		Str("servers", cfg.ServersPath).
		Str("backups", cfg.BackupsPath).
		Str("templates", cfg.TemplatesPath).
		Msg("starting hostvisor daemon")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	container, err := app.New(cfg, nil, reg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := container.Run(ctx)
	if runErr != nil {
		log.Error().Err(runErr).Msg("API server error")
	}

	log.Info().Dur("timeout", *shutdownTimeout).Msg("shutting down, stopping instances")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := container.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
	if runErr != nil {
		os.Exit(1)
	}
}

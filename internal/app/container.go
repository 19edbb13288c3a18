// Package app wires the daemon's components together.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"hostvisor/internal/api"
	"hostvisor/internal/archive"
	"hostvisor/internal/config"
	"hostvisor/internal/logging"
	"hostvisor/internal/metrics"
	"hostvisor/internal/runner"
	"hostvisor/internal/server"
	"hostvisor/internal/storage"
	"hostvisor/internal/template"
	"hostvisor/internal/ws"
)

type Container struct {
	Config        *config.Config
	Store         *storage.GormStore
	Catalog       *template.Catalog
	HubManager    *ws.HubManager
	ServerManager *server.Manager
	API           *api.Server

	log zerolog.Logger
}

// SupervisorConfig maps the configured supervision settings onto the
// process supervisor.
func SupervisorConfig(c config.SupervisorConfig) runner.Config {
	return runner.Config{
		GracePeriod:  c.GracePeriod,
		StartupDelay: c.StartupDelay,
		Restart: runner.RestartPolicy{
			Delay:       c.RestartDelay,
			MaxAttempts: c.MaxRestarts,
			Backoff:     c.RestartBackoff,
			MaxDelay:    c.MaxRestartDelay,
			ResetAfter:  c.RestartResetAfter,
		},
	}
}

// New builds every component from cfg and opens the instance manager.
// spawner may be nil to launch real processes.
func New(cfg *config.Config, spawner runner.Spawner, reg prometheus.Registerer, log zerolog.Logger) (*Container, error) {
	for _, path := range []string{cfg.ServersPath, cfg.BackupsPath, cfg.TemplatesPath} {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("could not create directory %s: %w", path, err)
		}
	}

	store, err := storage.NewGormStore(cfg.DatabasePath, cfg.PortRangeStart, cfg.PortRangeEnd, logging.Component(log, "storage"))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	catalog, err := template.LoadCatalog(cfg.TemplatesPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	if spawner == nil {
		spawner = runner.NewExecSpawner()
	}

	hubs := ws.NewHubManager(cfg.ConsoleHistory, logging.Component(log, "ws"))
	mgr := server.NewManager(server.Options{
		ServersPath:     cfg.ServersPath,
		BackupsPath:     cfg.BackupsPath,
		Catalog:         catalog,
		Store:           store,
		Files:           archive.NewProvider(nil),
		Spawner:         spawner,
		Sampler:         metrics.NewProcessSampler(),
		Sink:            hubs,
		Supervisor:      SupervisorConfig(cfg.Supervisor),
		MetricsInterval: cfg.Metrics.Interval,
		Registerer:      reg,
		Logger:          log,
	})
	if err := mgr.Open(); err != nil {
		hubs.Close()
		store.Close()
		return nil, fmt.Errorf("could not load instances: %w", err)
	}
	hubs.SetCommandHandler(func(id, line string) {
		if err := mgr.SendCommand(id, line); err != nil {
			log.Debug().Err(err).Str("instance_id", id).Msg("console command rejected")
		}
	})

	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Container{
		Config:        cfg,
		Store:         store,
		Catalog:       catalog,
		HubManager:    hubs,
		ServerManager: mgr,
		API:           api.NewServer(mgr, hubs, gatherer, logging.Component(log, "api")),
		log:           log,
	}, nil
}

// Run serves the API until ctx is cancelled.
func (c *Container) Run(ctx context.Context) error {
	return c.API.Start(ctx, c.Config.ListenAddr)
}

// Close stops every running instance and releases the database. ctx bounds
// how long graceful stops may take.
func (c *Container) Close(ctx context.Context) error {
	err := c.ServerManager.Close(ctx)
	c.HubManager.Close()
	if cerr := c.Store.Close(); err == nil {
		err = cerr
	}
	return err
}

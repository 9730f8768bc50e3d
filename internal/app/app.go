// Package app provides the unified application lifecycle for the
// shardkeeper daemon: configuration, cluster bootstrap, and shutdown.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/shardkeeper/shardkeeper/internal/cluster"
	"github.com/shardkeeper/shardkeeper/internal/config"
	"github.com/shardkeeper/shardkeeper/internal/server"
)

// App owns the coordinator and its background services.
type App struct {
	cfg         *config.Config
	coordinator *cluster.Coordinator
	shutdown    *server.ShutdownManager

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	coord, err := cluster.New(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:         cfg,
		coordinator: coord,
		shutdown:    server.NewShutdownManager(server.DefaultShutdownConfig()),
	}, nil
}

// Coordinator exposes the cluster facade to embedders.
func (a *App) Coordinator() *cluster.Coordinator {
	return a.coordinator
}

// Start registers the configured shards and shard keys, then launches the
// health monitor.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	for _, shardCfg := range a.cfg.Shards {
		if err := a.coordinator.AddShard(ctx, shardCfg.ID, shardCfg, shardCfg.Weight); err != nil {
			a.coordinator.Close()
			return fmt.Errorf("failed to add shard %s: %w", shardCfg.ID, err)
		}
	}

	for _, key := range a.cfg.ShardKeys {
		if err := a.coordinator.SetShardKey(key.Table, key.Column); err != nil {
			a.coordinator.Close()
			return fmt.Errorf("failed to set shard key for %s: %w", key.Table, err)
		}
	}

	if err := a.coordinator.Start(ctx); err != nil {
		a.coordinator.Close()
		return fmt.Errorf("failed to start health monitor: %w", err)
	}

	a.shutdown.RegisterCloser(a.coordinator)
	a.shutdown.OnShutdownStart(func() {
		log.Printf("app: shutting down")
	})

	stats := a.coordinator.Statistics()
	log.Printf("app: shardkeeper started: %d shards (%d active), replication factor %d, %d sharded tables",
		stats.TotalShards, stats.ActiveShards, stats.ReplicationFactor, stats.TablesWithShardKeys)
	return nil
}

// Run starts the app and blocks until a shutdown signal arrives.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	return a.shutdown.ListenForSignals(ctx)
}

// Stop tears the app down without waiting for a signal.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return a.shutdown.Shutdown(ctx, "stop requested")
}

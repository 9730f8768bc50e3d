// Package main implements the shardkeeperd daemon: it loads the cluster
// configuration, registers the configured shards, and runs the health
// monitor until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shardkeeper/shardkeeper/internal/app"
	"github.com/shardkeeper/shardkeeper/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile     string
		dataDir        string
		healthInterval time.Duration
		statsInterval  time.Duration
		showVersion    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for shard data files")
	flag.DurationVar(&healthInterval, "health-interval", 0, "Health probe interval (overrides config)")
	flag.DurationVar(&statsInterval, "stats-interval", time.Minute, "How often cluster statistics are logged")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("shardkeeperd %s (%s)\n", version, commit)
		return
	}

	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			log.Fatalf("shardkeeperd: %v", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if healthInterval > 0 {
		cfg.Health.Interval = healthInterval
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("shardkeeperd: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go logStats(ctx, a, statsInterval)

	if err := a.Run(ctx); err != nil {
		log.Printf("shardkeeperd: shutdown error: %v", err)
		os.Exit(1)
	}
}

// logStats periodically logs cluster topology and drift counters so
// operators can watch replica failures and unconverged rebalances.
func logStats(ctx context.Context, a *app.App, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := a.Coordinator().Statistics()
			drift := a.Coordinator().Stats()
			log.Printf("stats: shards=%d/%d active, vnodes=%d, rf=%d, tables=%d, replica_failures=%d, scatter_fails=%d",
				stats.ActiveShards, stats.TotalShards, stats.VirtualNodeCount,
				stats.ReplicationFactor, stats.TablesWithShardKeys,
				drift.ReplicaFailures, drift.ScatterShardFails)
		}
	}
}

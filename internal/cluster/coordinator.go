// Package cluster provides the Coordinator, the single owner of the shard
// registry, the hash ring, and the background health monitor. Application
// code talks to the coordinator; it never reaches a shard adapter
// directly.
//
// The coordinator holds the only mutable topology state in the system:
// the registry (under its own lock) and the current ring (behind an
// atomic pointer). Every topology change rebuilds a fresh ring from the
// active shard set and swaps the pointer, so routing lookups never see a
// half-built ring.
package cluster

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/shardkeeper/shardkeeper/internal/adapter"
	"github.com/shardkeeper/shardkeeper/internal/config"
	"github.com/shardkeeper/shardkeeper/internal/errors"
	"github.com/shardkeeper/shardkeeper/internal/health"
	"github.com/shardkeeper/shardkeeper/internal/migrate"
	"github.com/shardkeeper/shardkeeper/internal/observability"
	"github.com/shardkeeper/shardkeeper/internal/rebalance"
	"github.com/shardkeeper/shardkeeper/internal/registry"
	"github.com/shardkeeper/shardkeeper/internal/ring"
	"github.com/shardkeeper/shardkeeper/internal/router"
	"github.com/shardkeeper/shardkeeper/internal/scatter"
	"github.com/shardkeeper/shardkeeper/pkg/types"
)

// Statistics summarizes cluster topology state.
type Statistics struct {
	TotalShards         int    `json:"total_shards"`
	ActiveShards        int    `json:"active_shards"`
	InactiveShards      int    `json:"inactive_shards"`
	VirtualNodeCount    int    `json:"virtual_node_count"`
	ReplicationFactor   int    `json:"replication_factor"`
	TablesWithShardKeys int    `json:"tables_with_shard_keys"`
}

// Coordinator is the cluster control plane and the facade exposed to the
// surrounding service.
type Coordinator struct {
	cfg *config.Config

	registry *registry.Registry
	ring     atomic.Pointer[ring.Ring]
	stats    *observability.ShardStats
	events   *EventBus

	monitor    *health.Monitor
	router     *router.Router
	scatter    *scatter.Engine
	rebalancer *rebalance.Rebalancer
	migrator   *migrate.Migrator

	mu      sync.Mutex // serializes topology mutations (add/remove shard)
	started bool
}

// New creates a coordinator from the given configuration. Shards listed in
// the config are not registered here; the app layer registers them via
// AddShard so each connection failure is attributable.
func New(cfg *config.Config) (*Coordinator, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Coordinator{
		cfg:      cfg,
		registry: registry.New(),
		stats:    observability.NewShardStats(),
		events:   NewEventBus(16),
	}
	c.ring.Store(ring.Build(nil, cfg.Ring.VirtualNodes))

	if err := c.registry.SetReplicationFactor(cfg.Ring.ReplicationFactor); err != nil {
		return nil, err
	}

	ringFn := c.currentRing
	opTimeout := cfg.Adapter.OpTimeout
	c.router = router.New(c.registry, ringFn, c.stats, opTimeout)
	c.scatter = scatter.New(c.registry, c.stats, opTimeout)
	c.rebalancer = rebalance.New(c.registry, rebalance.RingProvider(ringFn), c.stats,
		cfg.Rebalance.Threshold, cfg.Rebalance.SampleSize, opTimeout)
	c.migrator = migrate.New(c.registry, migrate.RingProvider(ringFn), c.stats, opTimeout)
	c.monitor = health.NewMonitor(health.Config{
		Interval:     cfg.Health.Interval,
		ProbeTimeout: cfg.Health.ProbeTimeout,
	}, c.registry, c.rebuildRing)

	return c, nil
}

// currentRing returns the ring used for all lookups.
func (c *Coordinator) currentRing() *ring.Ring {
	return c.ring.Load()
}

// rebuildRing builds a fresh ring from the active shard set and publishes
// it. This is the only way ring contents ever change.
func (c *Coordinator) rebuildRing() {
	members := c.registry.ActiveMembers()
	r := ring.Build(members, c.cfg.Ring.VirtualNodes)
	c.ring.Store(r)
	c.events.Publish(Event{Type: RingRebuilt, Timestamp: time.Now().UnixNano()})
	log.Printf("cluster: ring rebuilt: %d shards, %d points", r.Size(), r.PointCount())
}

// Subscribe registers a topology-event subscriber, optionally filtered by
// shard-id prefix. The returned id is the handle for Unsubscribe.
func (c *Coordinator) Subscribe(filters ...string) (string, <-chan Event) {
	return c.events.Subscribe(filters...)
}

// Unsubscribe removes a topology-event subscriber.
func (c *Coordinator) Unsubscribe(id string) {
	c.events.Unsubscribe(id)
}

// Start launches the health monitor. Safe to call once.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	c.started = true
	return c.monitor.Start(ctx)
}

// Stop halts the health monitor and waits for in-flight replica writes.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	started := c.started
	c.started = false
	c.mu.Unlock()

	if started {
		c.monitor.Stop()
	}
	c.router.WaitReplicas()
}

// Close stops background work and closes every shard connection.
func (c *Coordinator) Close() error {
	c.Stop()

	var errs error
	for id, ad := range c.registry.AllAdapters() {
		if err := ad.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close shard %s: %w", id, err))
		}
	}
	return errs
}

// newAdapter constructs the backend adapter for a shard config.
func newAdapter(shardCfg config.ShardConfig) (adapter.Adapter, error) {
	switch shardCfg.Kind {
	case config.KindSQLite:
		return adapter.NewSQLiteAdapter(shardCfg.Path), nil
	case config.KindMemory:
		return adapter.NewMemoryAdapter(), nil
	case config.KindS3:
		return adapter.NewS3Adapter(adapter.S3Config{
			Bucket:   shardCfg.Bucket,
			Region:   shardCfg.Region,
			Endpoint: shardCfg.Endpoint,
			Prefix:   shardCfg.Prefix,
		}), nil
	default:
		return nil, errors.NewInvalidArgument(
			fmt.Sprintf("unknown backend kind %q", shardCfg.Kind))
	}
}

// AddShard registers a new shard, opens its backend connection, and
// rebuilds the ring. On connection failure the registry is left unchanged.
func (c *Coordinator) AddShard(ctx context.Context, id string, shardCfg config.ShardConfig, weight int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == "" {
		return errors.NewInvalidArgument("shard id must not be empty")
	}
	if c.registry.Has(id) {
		return errors.NewDuplicateShard(id)
	}

	ad, err := newAdapter(shardCfg)
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.Adapter.OpTimeout)
	defer cancel()
	if err := ad.Connect(connectCtx); err != nil {
		return errors.NewConnectionError(id, err)
	}

	if err := c.registry.Add(id, ad, shardCfg, weight); err != nil {
		ad.Close()
		return err
	}
	c.rebuildRing()
	c.events.Publish(Event{Type: ShardAdded, ShardID: id, Timestamp: time.Now().UnixNano()})
	log.Printf("cluster: shard %s added (kind=%s, weight=%d)", id, ad.Kind(), weight)
	return nil
}

// AddShardAdapter registers a shard backed by a caller-supplied adapter.
// Used by tests and embedders that construct backends themselves.
func (c *Coordinator) AddShardAdapter(ctx context.Context, id string, ad adapter.Adapter, weight int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registry.Has(id) {
		return errors.NewDuplicateShard(id)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.Adapter.OpTimeout)
	defer cancel()
	if err := ad.Connect(connectCtx); err != nil {
		return errors.NewConnectionError(id, err)
	}

	if err := c.registry.Add(id, ad, config.ShardConfig{ID: id, Kind: ad.Kind()}, weight); err != nil {
		ad.Close()
		return err
	}
	c.rebuildRing()
	c.events.Publish(Event{Type: ShardAdded, ShardID: id, Timestamp: time.Now().UnixNano()})
	log.Printf("cluster: shard %s added (kind=%s, weight=%d)", id, ad.Kind(), weight)
	return nil
}

// RemoveShard drains a shard and deletes it from the cluster. The shard is
// marked draining first (so new writes stop targeting it and health probes
// cannot reactivate it) and the ring is rebuilt without it before migration
// runs, so every migrated row routes to a surviving shard. A partial
// migration leaves the shard registered but draining and returns
// MIGRATION_INCOMPLETE for the operator to retry; no data is dropped.
func (c *Coordinator) RemoveShard(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.registry.Has(id) {
		return errors.NewShardNotFound(id)
	}

	c.registry.SetDraining(id)
	c.rebuildRing()

	if _, err := c.migrator.MigrateShardData(ctx, id); err != nil {
		log.Printf("cluster: migration off shard %s incomplete, shard left registered: %v", id, err)
		return err
	}

	ad, err := c.registry.Remove(id)
	if err != nil {
		return err
	}
	if err := ad.Close(); err != nil {
		log.Printf("cluster: closing shard %s after removal: %v", id, err)
	}
	c.rebuildRing()
	c.events.Publish(Event{Type: ShardRemoved, ShardID: id, Timestamp: time.Now().UnixNano()})
	log.Printf("cluster: shard %s removed", id)
	return nil
}

// SetShardKey registers or overwrites the routing rule for a table.
// Algorithm defaults to consistent hashing; it is the only implemented
// strategy.
func (c *Coordinator) SetShardKey(table, column string, algorithm ...string) error {
	if table == "" || column == "" {
		return errors.NewInvalidArgument("shard key requires both table and column")
	}
	algo := types.AlgorithmConsistentHash
	if len(algorithm) > 0 && algorithm[0] != "" {
		algo = algorithm[0]
	}
	if algo != types.AlgorithmConsistentHash {
		return errors.NewInvalidArgument(
			fmt.Sprintf("unsupported sharding algorithm %q", algo))
	}
	c.registry.SetShardKey(table, column, algo)
	return nil
}

// SetReplicationFactor updates the cluster-wide replication factor.
func (c *Coordinator) SetReplicationFactor(n int) error {
	return c.registry.SetReplicationFactor(n)
}

// DistributeData routes a row to its owning shard, writing replicas
// best-effort per the replication factor.
func (c *Coordinator) DistributeData(ctx context.Context, table string, row types.Row) error {
	return c.router.DistributeData(ctx, table, row)
}

// QueryAllShards runs the query against every active shard and
// concatenates the results.
func (c *Coordinator) QueryAllShards(ctx context.Context, query string, params ...interface{}) (*types.QueryResult, error) {
	return c.scatter.QueryAllShards(ctx, query, params)
}

// QueryShardByKey resolves the shard owning the key and forwards the query.
func (c *Coordinator) QueryShardByKey(ctx context.Context, key, query string, params ...interface{}) (*types.QueryResult, error) {
	return c.router.QueryShardByKey(ctx, key, query, params)
}

// Rebalance runs one rebalance pass. Progress details go to logs and
// stats counters; callers get only the overall outcome.
func (c *Coordinator) Rebalance(ctx context.Context) error {
	_, err := c.rebalancer.Rebalance(ctx)
	return err
}

// CheckHealthNow runs a synchronous health probe pass. Used at bootstrap
// and by tests; steady-state probing belongs to the monitor.
func (c *Coordinator) CheckHealthNow(ctx context.Context) {
	c.monitor.CheckNow(ctx)
}

// ShardHealth reports every registered shard's active flag.
func (c *Coordinator) ShardHealth() map[string]bool {
	out := make(map[string]bool)
	for _, info := range c.registry.Snapshot() {
		out[info.ID] = info.Active
	}
	return out
}

// ShardMetrics reports per-shard adapter metrics.
func (c *Coordinator) ShardMetrics() map[string]types.Metrics {
	out := make(map[string]types.Metrics)
	for id, ad := range c.registry.AllAdapters() {
		out[id] = ad.Metrics()
	}
	return out
}

// Shards returns a copy of every shard's registry state.
func (c *Coordinator) Shards() []registry.ShardInfo {
	return c.registry.Snapshot()
}

// Statistics summarizes the cluster topology.
func (c *Coordinator) Statistics() Statistics {
	total, active := c.registry.Counts()
	r := c.currentRing()
	return Statistics{
		TotalShards:         total,
		ActiveShards:        active,
		InactiveShards:      total - active,
		VirtualNodeCount:    r.PointCount(),
		ReplicationFactor:   c.registry.ReplicationFactor(),
		TablesWithShardKeys: len(c.registry.Tables()),
	}
}

// Stats returns the cluster-wide operation counters.
func (c *Coordinator) Stats() observability.Snapshot {
	return c.stats.Snapshot()
}

// WaitReplicas blocks until in-flight replica writes drain. Exposed for
// tests that assert on replica placement.
func (c *Coordinator) WaitReplicas() {
	c.router.WaitReplicas()
}

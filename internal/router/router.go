// Package router implements the key-routed write path: resolving a row's
// owning shard through the hash ring, performing the write there, and
// fanning out best-effort replica writes to ring successors.
package router

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shardkeeper/shardkeeper/internal/adapter"
	"github.com/shardkeeper/shardkeeper/internal/errors"
	"github.com/shardkeeper/shardkeeper/internal/observability"
	"github.com/shardkeeper/shardkeeper/internal/registry"
	"github.com/shardkeeper/shardkeeper/internal/ring"
	"github.com/shardkeeper/shardkeeper/pkg/types"
)

// RingProvider returns the current hash ring. The coordinator backs it
// with an atomic pointer load, so routers always see a fully built ring.
type RingProvider func() *ring.Ring

// ReplicaSuffix is appended to a table name to form the shadow table that
// holds replica copies on successor shards. Keeping replicas out of the
// primary table means scatter-gather reads see each row once regardless
// of the replication factor, and rebalance/migration passes (which walk
// only shard-keyed tables) never drag replica copies around.
const ReplicaSuffix = "__replica"

// ReplicaTable returns the shadow table holding replica copies of table.
func ReplicaTable(table string) string {
	return table + ReplicaSuffix
}

// Router resolves owning shards and performs routed writes and reads.
type Router struct {
	registry  *registry.Registry
	ring      RingProvider
	stats     *observability.ShardStats
	opTimeout time.Duration

	// replicaWG tracks in-flight replica writes so shutdown (and tests)
	// can wait for the fan-out to drain.
	replicaWG sync.WaitGroup
}

// New creates a router.
func New(reg *registry.Registry, ringFn RingProvider, stats *observability.ShardStats, opTimeout time.Duration) *Router {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &Router{
		registry:  reg,
		ring:      ringFn,
		stats:     stats,
		opTimeout: opTimeout,
	}
}

// DistributeData routes a row to its owning shard and writes it there.
// The primary insert is the operation of record: its outcome is what the
// caller observes. With a replication factor above 1 the same row is
// written to the next factor-1 active shards on the ring, best-effort —
// a replica failure is logged and counted, never returned.
func (rt *Router) DistributeData(ctx context.Context, table string, row types.Row) error {
	key, ok := rt.registry.ShardKeyFor(table)
	if !ok {
		return errors.NewNoShardKey(table)
	}

	value, present := row[key.Column]
	if !present || value == nil {
		return errors.NewMissingShardKeyValue(table, key.Column)
	}
	routingKey := types.KeyString(value)

	r := rt.ring()
	primary, err := r.LookupSkipping(routingKey, rt.registry.IsActive)
	if err != nil {
		return err
	}

	primaryAdapter, ok := rt.registry.Get(primary)
	if !ok {
		// The shard vanished between lookup and fetch; a ring rebuild is
		// already in flight. Treat as unavailable.
		return errors.NewNoShardsAvailable()
	}

	writeCtx, cancel := context.WithTimeout(ctx, rt.opTimeout)
	defer cancel()
	stored, err := primaryAdapter.Insert(writeCtx, table, row)
	if err != nil {
		return errors.NewQueryError(primary, err)
	}
	rt.stats.RecordRoutedWrite()

	factor := rt.registry.ReplicationFactor()
	if factor > 1 {
		replicas := r.ReplicasFor(primary, factor-1, rt.registry.IsActive)
		rt.replicate(table, stored, primary, replicas)
	}

	return nil
}

// replicate fans the row out to replica shards in the background. The
// goroutines deliberately detach from the caller's context: a caller that
// returns fast must not cancel replication mid-flight. Each write carries
// its own timeout instead.
func (rt *Router) replicate(table string, row types.Row, primary string, replicas []string) {
	for _, replicaID := range replicas {
		ad, ok := rt.registry.Get(replicaID)
		if !ok {
			continue
		}
		rt.replicaWG.Add(1)
		go func(shardID string, ad adapter.Adapter) {
			defer rt.replicaWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), rt.opTimeout)
			defer cancel()

			if _, err := ad.Insert(ctx, ReplicaTable(table), row); err != nil {
				log.Printf("router: replica write to shard %s failed (primary %s, table %s): %v",
					shardID, primary, table, err)
				rt.stats.RecordReplicaWrite(false)
				return
			}
			rt.stats.RecordReplicaWrite(true)
		}(replicaID, ad)
	}
}

// WaitReplicas blocks until every in-flight replica write has finished.
// Used by shutdown and by tests that assert on replica placement.
func (rt *Router) WaitReplicas() {
	rt.replicaWG.Wait()
}

// QueryShardByKey resolves the shard owning the raw key and forwards the
// query to it.
func (rt *Router) QueryShardByKey(ctx context.Context, key, query string, params []interface{}) (*types.QueryResult, error) {
	shardID, err := rt.ring().LookupSkipping(key, rt.registry.IsActive)
	if err != nil {
		return nil, err
	}
	ad, ok := rt.registry.Get(shardID)
	if !ok {
		return nil, errors.NewNoShardsAvailable()
	}

	queryCtx, cancel := context.WithTimeout(ctx, rt.opTimeout)
	defer cancel()
	res, err := ad.Query(queryCtx, query, params)
	if err != nil {
		return nil, errors.NewQueryError(shardID, err)
	}
	return res, nil
}

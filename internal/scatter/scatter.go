// Package scatter implements the scatter-gather query engine: the same
// query issued concurrently against every active shard, with per-shard
// failures tolerated and results concatenated.
package scatter

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shardkeeper/shardkeeper/internal/adapter"
	"github.com/shardkeeper/shardkeeper/internal/errors"
	"github.com/shardkeeper/shardkeeper/internal/observability"
	"github.com/shardkeeper/shardkeeper/internal/registry"
	"github.com/shardkeeper/shardkeeper/pkg/types"
)

// Engine fans queries out across the active shard set.
type Engine struct {
	registry  *registry.Registry
	stats     *observability.ShardStats
	opTimeout time.Duration
}

// New creates a scatter-gather engine.
func New(reg *registry.Registry, stats *observability.ShardStats, opTimeout time.Duration) *Engine {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &Engine{
		registry:  reg,
		stats:     stats,
		opTimeout: opTimeout,
	}
}

// shardResult carries one shard's contribution to the gather step.
type shardResult struct {
	shardID string
	result  *types.QueryResult
	err     error
	latency time.Duration
}

// QueryAllShards runs the query concurrently against every active shard
// and concatenates the results. A failed or timed-out shard contributes an
// empty result and is logged; the call fails only when no shard is active
// at call time. Rows from a single shard keep that shard's order; order
// across shards is unspecified. The reported latency is the maximum
// per-shard latency, since shards run concurrently.
func (e *Engine) QueryAllShards(ctx context.Context, query string, params []interface{}) (*types.QueryResult, error) {
	adapters := e.registry.AdaptersByID()
	if len(adapters) == 0 {
		return nil, errors.NewNoActiveShards()
	}

	results := make(chan shardResult, len(adapters))
	var wg sync.WaitGroup
	for id, ad := range adapters {
		wg.Add(1)
		go func(shardID string, ad adapter.Adapter) {
			defer wg.Done()
			queryCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
			defer cancel()

			start := time.Now()
			res, err := ad.Query(queryCtx, query, params)
			results <- shardResult{
				shardID: shardID,
				result:  res,
				err:     err,
				latency: time.Since(start),
			}
		}(id, ad)
	}
	wg.Wait()
	close(results)

	agg := &types.QueryResult{}
	failed := 0
	for r := range results {
		if r.err != nil {
			// One shard failing must not fail the whole call: its rows
			// are simply missing from this result.
			log.Printf("scatter: query failed on shard %s: %v", r.shardID, r.err)
			failed++
			continue
		}
		agg.Rows = append(agg.Rows, r.result.Rows...)
		agg.RowCount += r.result.RowCount
		if len(agg.Columns) == 0 {
			agg.Columns = r.result.Columns
		}
		if r.latency > agg.Latency {
			agg.Latency = r.latency
		}
	}
	e.stats.RecordScatter(failed)

	return agg, nil
}

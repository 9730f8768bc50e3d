// Package rebalance implements the sampling rebalancer: compare per-shard
// row counts against the cluster mean, and move a bounded sample of
// misplaced rows from skewed shards to their ring-correct owners.
//
// A single pass examines at most SampleSize rows per shard and table, so
// heavy skew can take several invocations to converge. That is by contract:
// the pass is repeatable and each run only shrinks the amount of misplaced
// data. Rebalancing runs concurrently with normal traffic, so a moved row
// may briefly be visible on neither, one, or both shards.
package rebalance

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/shardkeeper/shardkeeper/internal/adapter"
	"github.com/shardkeeper/shardkeeper/internal/errors"
	"github.com/shardkeeper/shardkeeper/internal/observability"
	"github.com/shardkeeper/shardkeeper/internal/registry"
	"github.com/shardkeeper/shardkeeper/internal/ring"
	"github.com/shardkeeper/shardkeeper/pkg/types"
)

// DefaultThreshold is the fraction off the per-table mean beyond which a
// shard counts as imbalanced.
const DefaultThreshold = 0.2

// DefaultSampleSize is the maximum rows examined per shard and table in
// one pass.
const DefaultSampleSize = 1000

// Matrix holds per-shard, per-table row counts: shard id → table → count.
type Matrix map[string]map[string]int64

// Report summarizes one rebalance pass.
type Report struct {
	ShardsAnalyzed   int
	ShardsImbalanced int
	RowsExamined     int64
	RowsMoved        int64
	RowsFailed       int64
	Elapsed          time.Duration
}

// RingProvider returns the current hash ring.
type RingProvider func() *ring.Ring

// Rebalancer analyzes data distribution and moves misplaced rows.
type Rebalancer struct {
	registry   *registry.Registry
	ring       RingProvider
	stats      *observability.ShardStats
	threshold  float64
	sampleSize int
	opTimeout  time.Duration
}

// New creates a rebalancer. Zero threshold and sampleSize fall back to the
// defaults.
func New(reg *registry.Registry, ringFn RingProvider, stats *observability.ShardStats,
	threshold float64, sampleSize int, opTimeout time.Duration) *Rebalancer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &Rebalancer{
		registry:   reg,
		ring:       ringFn,
		stats:      stats,
		threshold:  threshold,
		sampleSize: sampleSize,
		opTimeout:  opTimeout,
	}
}

// AnalyzeDistribution queries every active shard for its row count on
// every table with a shard key. A shard whose count fails is skipped for
// that table (logged), not fatal to the analysis.
func (rb *Rebalancer) AnalyzeDistribution(ctx context.Context) (Matrix, error) {
	tables := rb.registry.Tables()
	adapters := rb.registry.AdaptersByID()
	if len(adapters) == 0 {
		return nil, errors.NewNoActiveShards()
	}

	matrix := make(Matrix, len(adapters))
	for shardID, ad := range adapters {
		counts := make(map[string]int64, len(tables))
		for _, table := range tables {
			countCtx, cancel := context.WithTimeout(ctx, rb.opTimeout)
			n, err := ad.Count(countCtx, table)
			cancel()
			if err != nil {
				log.Printf("rebalance: count of %s on shard %s failed: %v", table, shardID, err)
				continue
			}
			counts[table] = n
		}
		matrix[shardID] = counts
	}
	return matrix, nil
}

// IdentifyImbalanced returns the shards that are more than threshold off
// the per-table mean for at least one table, sorted by id.
func IdentifyImbalanced(matrix Matrix, threshold float64) []string {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	// Collect every table seen in the matrix.
	tables := make(map[string]bool)
	for _, counts := range matrix {
		for table := range counts {
			tables[table] = true
		}
	}

	flagged := make(map[string]bool)
	for table := range tables {
		// Only shards that reported a count participate: a shard whose
		// count failed has no datum, not a count of zero, and must not
		// drag the mean down or get flagged on missing data.
		var sum int64
		var reported int
		for _, counts := range matrix {
			if n, ok := counts[table]; ok {
				sum += n
				reported++
			}
		}
		if reported == 0 {
			continue
		}
		mean := float64(sum) / float64(reported)
		allowed := mean * threshold
		for shardID, counts := range matrix {
			n, ok := counts[table]
			if !ok {
				continue
			}
			diff := float64(n) - mean
			if diff < 0 {
				diff = -diff
			}
			if diff > allowed {
				flagged[shardID] = true
			}
		}
	}

	out := make([]string, 0, len(flagged))
	for shardID := range flagged {
		out = append(out, shardID)
	}
	sort.Strings(out)
	return out
}

// Rebalance runs one full pass: analyze, identify, and move a sample of
// misplaced rows from each imbalanced shard to its ring-correct owner.
// Placement correctness is judged against the full ring (Lookup, not the
// skip-inactive variant): a row whose owner is temporarily inactive stays
// put rather than being bounced to a fallback shard.
func (rb *Rebalancer) Rebalance(ctx context.Context) (*Report, error) {
	start := time.Now()

	matrix, err := rb.AnalyzeDistribution(ctx)
	if err != nil {
		return nil, err
	}
	imbalanced := IdentifyImbalanced(matrix, rb.threshold)

	report := &Report{
		ShardsAnalyzed:   len(matrix),
		ShardsImbalanced: len(imbalanced),
	}

	tables := rb.registry.Tables()
	for _, shardID := range imbalanced {
		if ctx.Err() != nil {
			break
		}
		for _, table := range tables {
			key, ok := rb.registry.ShardKeyFor(table)
			if !ok {
				continue
			}
			moved, failed, examined := rb.relocateSample(ctx, shardID, table, key)
			report.RowsMoved += moved
			report.RowsFailed += failed
			report.RowsExamined += examined
		}
	}

	report.Elapsed = time.Since(start)
	rb.stats.RecordRebalance(report.RowsMoved, report.RowsFailed)
	log.Printf("rebalance: pass complete: %d/%d shards imbalanced, %d rows examined, %d moved, %d failed in %s",
		report.ShardsImbalanced, report.ShardsAnalyzed, report.RowsExamined, report.RowsMoved, report.RowsFailed, report.Elapsed)
	return report, nil
}

// relocateSample pulls up to sampleSize rows of one table from one shard
// and moves every row whose ring-correct shard differs. Moves are per-row
// best effort: insert into the correct shard first, delete from the source
// only after the insert succeeded, so a failure can duplicate a row but
// never lose one.
func (rb *Rebalancer) relocateSample(ctx context.Context, shardID, table string, key types.ShardKey) (moved, failed, examined int64) {
	sourceAd, ok := rb.registry.Get(shardID)
	if !ok {
		return 0, 0, 0
	}

	scanCtx, cancel := context.WithTimeout(ctx, rb.opTimeout)
	rows, err := sourceAd.Scan(scanCtx, table, rb.sampleSize)
	cancel()
	if err != nil {
		log.Printf("rebalance: scan of %s on shard %s failed: %v", table, shardID, err)
		return 0, 0, 0
	}

	r := rb.ring()
	for _, row := range rows {
		examined++
		value, present := row[key.Column]
		if !present || value == nil {
			continue
		}
		correct, err := r.Lookup(types.KeyString(value))
		if err != nil || correct == shardID {
			continue
		}

		if err := rb.moveRow(ctx, sourceAd, correct, table, row); err != nil {
			log.Printf("rebalance: failed to move row from shard %s to %s (table %s): %v",
				shardID, correct, table, err)
			failed++
			continue
		}
		moved++
	}
	return moved, failed, examined
}

// moveRow copies one row to the destination shard and deletes it from the
// source.
func (rb *Rebalancer) moveRow(ctx context.Context, source adapter.Adapter, destID, table string, row types.Row) error {
	destAd, ok := rb.registry.Get(destID)
	if !ok {
		return errors.NewShardNotFound(destID)
	}

	insertCtx, cancel := context.WithTimeout(ctx, rb.opTimeout)
	_, err := destAd.Insert(insertCtx, table, row)
	cancel()
	if err != nil {
		return err
	}

	id, ok := types.RowID(row)
	if !ok {
		// Row has no id; it cannot be deleted from the source, so the copy
		// stands and the duplicate is reported.
		return errors.NewInternalError("moved row has no id", nil)
	}

	deleteCtx, cancel := context.WithTimeout(ctx, rb.opTimeout)
	_, err = source.Delete(deleteCtx, table, id)
	cancel()
	return err
}

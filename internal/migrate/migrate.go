// Package migrate moves all data off a shard being removed to the shards
// that own it on the shard-excluded ring.
//
// Migration must finish (or explicitly report partial completion) before
// the leaving shard's connection is closed: the coordinator only
// disconnects after MigrateShardData returns, and a partial migration
// leaves the shard registered so the operator can retry.
package migrate

import (
	"context"
	"log"
	"time"

	"go.uber.org/multierr"

	"github.com/shardkeeper/shardkeeper/internal/adapter"
	"github.com/shardkeeper/shardkeeper/internal/errors"
	"github.com/shardkeeper/shardkeeper/internal/observability"
	"github.com/shardkeeper/shardkeeper/internal/registry"
	"github.com/shardkeeper/shardkeeper/internal/ring"
	"github.com/shardkeeper/shardkeeper/pkg/types"
)

// RingProvider returns the current hash ring. For migration the provider
// must already exclude the leaving shard, so every lookup lands on a
// surviving owner.
type RingProvider func() *ring.Ring

// Report summarizes one shard migration.
type Report struct {
	ShardID       string
	TablesVisited int
	RowsMoved     int64
	RowsFailed    int64
	Elapsed       time.Duration
}

// Migrator drains shards on removal.
type Migrator struct {
	registry  *registry.Registry
	ring      RingProvider
	stats     *observability.ShardStats
	opTimeout time.Duration
}

// New creates a migrator.
func New(reg *registry.Registry, ringFn RingProvider, stats *observability.ShardStats, opTimeout time.Duration) *Migrator {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &Migrator{
		registry:  reg,
		ring:      ringFn,
		stats:     stats,
		opTimeout: opTimeout,
	}
}

// MigrateShardData moves every row of every sharded table off the given
// shard to its ring-correct destination. Rows are copied before being
// deleted from the source, so a mid-migration failure can duplicate rows
// but never lose them. Returns MIGRATION_INCOMPLETE when any row could
// not be moved; the report carries exact counts either way.
func (m *Migrator) MigrateShardData(ctx context.Context, shardID string) (*Report, error) {
	sourceAd, ok := m.registry.Get(shardID)
	if !ok {
		return nil, errors.NewShardNotFound(shardID)
	}

	start := time.Now()
	report := &Report{ShardID: shardID}
	r := m.ring()
	var errs error

	for _, table := range m.registry.Tables() {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		report.TablesVisited++

		scanCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
		rows, err := sourceAd.Scan(scanCtx, table, 0)
		cancel()
		if err != nil {
			log.Printf("migrate: scan of %s on shard %s failed: %v", table, shardID, err)
			errs = multierr.Append(errs, err)
			// The whole table stays unmoved; count it so the caller sees
			// the shortfall.
			countCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
			if n, countErr := sourceAd.Count(countCtx, table); countErr == nil {
				report.RowsFailed += n
			}
			cancel()
			continue
		}

		key, _ := m.registry.ShardKeyFor(table)
		for _, row := range rows {
			destID, err := m.destinationFor(r, shardID, key, row)
			if err != nil {
				errs = multierr.Append(errs, err)
				report.RowsFailed++
				continue
			}
			if destID == shardID {
				// Lookup landed on the leaving shard: the provided ring
				// still contains it, which is a coordination bug.
				errs = multierr.Append(errs,
					errors.NewInternalError("migration ring still contains leaving shard", nil))
				report.RowsFailed++
				continue
			}
			if err := m.moveRow(ctx, sourceAd, destID, table, row); err != nil {
				log.Printf("migrate: failed to move row from shard %s to %s (table %s): %v",
					shardID, destID, table, err)
				errs = multierr.Append(errs, err)
				report.RowsFailed++
				continue
			}
			report.RowsMoved++
		}
	}

	report.Elapsed = time.Since(start)
	m.stats.RecordMigration(report.RowsMoved, report.RowsFailed)
	log.Printf("migrate: shard %s drained: %d tables, %d rows moved, %d failed in %s",
		shardID, report.TablesVisited, report.RowsMoved, report.RowsFailed, report.Elapsed)

	if report.RowsFailed > 0 {
		return report, errors.NewMigrationIncomplete(shardID, report.RowsMoved, report.RowsFailed, errs)
	}
	return report, nil
}

// destinationFor resolves the ring-correct owner of a row. Rows without a
// shard-key value are hashed by their id so they still land somewhere
// deterministic instead of being stranded.
func (m *Migrator) destinationFor(r *ring.Ring, shardID string, key types.ShardKey, row types.Row) (string, error) {
	var routingKey string
	if value, present := row[key.Column]; present && value != nil {
		routingKey = types.KeyString(value)
	} else if id, ok := types.RowID(row); ok {
		routingKey = id
	} else {
		return "", errors.NewMissingShardKeyValue(key.Table, key.Column)
	}
	return r.Lookup(routingKey)
}

// moveRow copies one row to the destination shard and deletes it from the
// source.
func (m *Migrator) moveRow(ctx context.Context, source adapter.Adapter, destID, table string, row types.Row) error {
	destAd, ok := m.registry.Get(destID)
	if !ok {
		return errors.NewShardNotFound(destID)
	}

	insertCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	_, err := destAd.Insert(insertCtx, table, row)
	cancel()
	if err != nil {
		return err
	}

	id, ok := types.RowID(row)
	if !ok {
		return errors.NewInternalError("migrated row has no id", nil)
	}

	deleteCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	_, err = source.Delete(deleteCtx, table, id)
	cancel()
	return err
}

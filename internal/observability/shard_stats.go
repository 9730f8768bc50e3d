// Package observability provides operation counters for drift detection and
// performance monitoring.
//
// Replica writes, rebalance passes, and migrations are best-effort by
// design: their partial failures are not errors surfaced to callers, so
// these counters (together with logs) are how an operator detects
// primary/replica divergence and unconverged rebalances.
package observability

import (
	"sync"
	"time"
)

// ShardStats tracks cluster-wide operation counts.
type ShardStats struct {
	mu sync.Mutex

	routedWrites    int64
	replicaWrites   int64
	replicaFailures int64

	scatterQueries    int64
	scatterShardFails int64

	rebalanceRowsMoved  int64
	rebalanceRowsFailed int64
	migrationRowsMoved  int64
	migrationRowsFailed int64

	lastRebalance time.Time
	lastMigration time.Time
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	RoutedWrites    int64 `json:"routed_writes"`
	ReplicaWrites   int64 `json:"replica_writes"`
	ReplicaFailures int64 `json:"replica_failures"`

	ScatterQueries    int64 `json:"scatter_queries"`
	ScatterShardFails int64 `json:"scatter_shard_fails"`

	RebalanceRowsMoved  int64 `json:"rebalance_rows_moved"`
	RebalanceRowsFailed int64 `json:"rebalance_rows_failed"`
	MigrationRowsMoved  int64 `json:"migration_rows_moved"`
	MigrationRowsFailed int64 `json:"migration_rows_failed"`

	LastRebalance time.Time `json:"last_rebalance,omitempty"`
	LastMigration time.Time `json:"last_migration,omitempty"`
}

// NewShardStats creates a zeroed stats tracker.
func NewShardStats() *ShardStats {
	return &ShardStats{}
}

// RecordRoutedWrite counts one successful primary write.
func (s *ShardStats) RecordRoutedWrite() {
	s.mu.Lock()
	s.routedWrites++
	s.mu.Unlock()
}

// RecordReplicaWrite counts one replica write attempt outcome.
func (s *ShardStats) RecordReplicaWrite(ok bool) {
	s.mu.Lock()
	if ok {
		s.replicaWrites++
	} else {
		s.replicaFailures++
	}
	s.mu.Unlock()
}

// RecordScatter counts one scatter-gather call and its failed legs.
func (s *ShardStats) RecordScatter(failedShards int) {
	s.mu.Lock()
	s.scatterQueries++
	s.scatterShardFails += int64(failedShards)
	s.mu.Unlock()
}

// RecordRebalance folds one rebalance pass into the counters.
func (s *ShardStats) RecordRebalance(moved, failed int64) {
	s.mu.Lock()
	s.rebalanceRowsMoved += moved
	s.rebalanceRowsFailed += failed
	s.lastRebalance = time.Now()
	s.mu.Unlock()
}

// RecordMigration folds one shard migration into the counters.
func (s *ShardStats) RecordMigration(moved, failed int64) {
	s.mu.Lock()
	s.migrationRowsMoved += moved
	s.migrationRowsFailed += failed
	s.lastMigration = time.Now()
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *ShardStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		RoutedWrites:        s.routedWrites,
		ReplicaWrites:       s.replicaWrites,
		ReplicaFailures:     s.replicaFailures,
		ScatterQueries:      s.scatterQueries,
		ScatterShardFails:   s.scatterShardFails,
		RebalanceRowsMoved:  s.rebalanceRowsMoved,
		RebalanceRowsFailed: s.rebalanceRowsFailed,
		MigrationRowsMoved:  s.migrationRowsMoved,
		MigrationRowsFailed: s.migrationRowsFailed,
		LastRebalance:       s.lastRebalance,
		LastMigration:       s.lastMigration,
	}
}

package migrate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shardkeeper/shardkeeper/internal/adapter"
	"github.com/shardkeeper/shardkeeper/internal/config"
	"github.com/shardkeeper/shardkeeper/internal/errors"
	"github.com/shardkeeper/shardkeeper/internal/observability"
	"github.com/shardkeeper/shardkeeper/internal/registry"
	"github.com/shardkeeper/shardkeeper/internal/ring"
	"github.com/shardkeeper/shardkeeper/pkg/types"
)

type fixture struct {
	registry *registry.Registry
	adapters map[string]*adapter.MemoryAdapter
}

// newFixture registers the given shards with the alerts table keyed on
// server_id. The migration ring is built separately per test because it
// must exclude the leaving shard.
func newFixture(t *testing.T, shardIDs ...string) *fixture {
	t.Helper()

	reg := registry.New()
	adapters := make(map[string]*adapter.MemoryAdapter, len(shardIDs))
	for _, id := range shardIDs {
		ad := adapter.NewMemoryAdapter()
		if err := ad.Connect(context.Background()); err != nil {
			t.Fatalf("connect %s: %v", id, err)
		}
		if err := reg.Add(id, ad, config.ShardConfig{ID: id, Kind: config.KindMemory}, 1); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
		adapters[id] = ad
	}
	reg.SetShardKey("alerts", "server_id", "")
	return &fixture{registry: reg, adapters: adapters}
}

// ringWithout builds the post-removal ring: every registered shard except
// the leaving one.
func (f *fixture) ringWithout(leaving string) *ring.Ring {
	var members []ring.Member
	for id := range f.adapters {
		if id != leaving {
			members = append(members, ring.Member{ID: id, Weight: 1})
		}
	}
	return ring.Build(members, ring.DefaultVirtualNodes)
}

func (f *fixture) migrator(r *ring.Ring) *Migrator {
	return New(f.registry, func() *ring.Ring { return r }, observability.NewShardStats(), 5*time.Second)
}

func TestMigrateShardData_DrainsEveryRow(t *testing.T) {
	f := newFixture(t, "shard-a", "shard-b", "shard-c")
	ctx := context.Background()

	const total = 60
	for i := 0; i < total; i++ {
		row := types.Row{"id": fmt.Sprintf("alert-%d", i), "server_id": fmt.Sprintf("srv-%d", i)}
		if _, err := f.adapters["shard-b"].Insert(ctx, "alerts", row); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	r := f.ringWithout("shard-b")
	report, err := f.migrator(r).MigrateShardData(ctx, "shard-b")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if report.RowsMoved != total || report.RowsFailed != 0 {
		t.Errorf("report = %d moved / %d failed, want %d / 0", report.RowsMoved, report.RowsFailed, total)
	}
	if report.TablesVisited != 1 {
		t.Errorf("tables visited = %d, want 1", report.TablesVisited)
	}

	n, _ := f.adapters["shard-b"].Count(ctx, "alerts")
	if n != 0 {
		t.Errorf("leaving shard still holds %d rows", n)
	}

	// Every row survives on its ring-correct destination.
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("alert-%d", i)
		owner, err := r.Lookup(fmt.Sprintf("srv-%d", i))
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if _, err := f.adapters[owner].FindByID(ctx, "alerts", id); err != nil {
			t.Errorf("row %s missing from destination %s: %v", id, owner, err)
		}
	}
}

func TestMigrateShardData_RowWithoutKeyUsesID(t *testing.T) {
	f := newFixture(t, "shard-a", "shard-b")
	ctx := context.Background()

	f.adapters["shard-b"].Insert(ctx, "alerts", types.Row{"id": "keyless-1"})

	r := f.ringWithout("shard-b")
	report, err := f.migrator(r).MigrateShardData(ctx, "shard-b")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if report.RowsMoved != 1 {
		t.Errorf("rows moved = %d, want 1", report.RowsMoved)
	}
	if _, err := f.adapters["shard-a"].FindByID(ctx, "alerts", "keyless-1"); err != nil {
		t.Errorf("keyless row not rehomed by id: %v", err)
	}
}

func TestMigrateShardData_PartialFailure(t *testing.T) {
	f := newFixture(t, "shard-a", "shard-b")
	ctx := context.Background()

	const total = 25
	for i := 0; i < total; i++ {
		f.adapters["shard-b"].Insert(ctx, "alerts",
			types.Row{"id": fmt.Sprintf("alert-%d", i), "server_id": fmt.Sprintf("srv-%d", i)})
	}
	// The only destination refuses writes.
	f.adapters["shard-a"].FailOps = true

	r := f.ringWithout("shard-b")
	report, err := f.migrator(r).MigrateShardData(ctx, "shard-b")
	if !errors.HasCode(err, errors.CodeMigrationIncomplete) {
		t.Fatalf("expected MIGRATION_INCOMPLETE, got %v", err)
	}
	if report == nil || report.RowsFailed != total || report.RowsMoved != 0 {
		t.Errorf("report = %+v, want all %d rows failed", report, total)
	}

	// Failed moves leave the source rows in place.
	n, _ := f.adapters["shard-b"].Count(ctx, "alerts")
	if n != total {
		t.Errorf("source count = %d, want %d", n, total)
	}
}

func TestMigrateShardData_RingStillContainsShard(t *testing.T) {
	// Handing the migrator a ring that still contains the leaving shard is
	// a coordination bug; rows routed back to it must fail, not loop.
	f := newFixture(t, "shard-a", "shard-b")
	ctx := context.Background()

	const total = 30
	for i := 0; i < total; i++ {
		f.adapters["shard-b"].Insert(ctx, "alerts",
			types.Row{"id": fmt.Sprintf("alert-%d", i), "server_id": fmt.Sprintf("srv-%d", i)})
	}

	full := ring.Build([]ring.Member{
		{ID: "shard-a", Weight: 1},
		{ID: "shard-b", Weight: 1},
	}, ring.DefaultVirtualNodes)

	report, err := f.migrator(full).MigrateShardData(ctx, "shard-b")
	if !errors.HasCode(err, errors.CodeMigrationIncomplete) {
		t.Fatalf("expected MIGRATION_INCOMPLETE, got %v", err)
	}
	if report.RowsFailed == 0 {
		t.Error("rows owned by the leaving shard on the stale ring must count as failed")
	}
	if report.RowsMoved+report.RowsFailed != total {
		t.Errorf("moved %d + failed %d != %d", report.RowsMoved, report.RowsFailed, total)
	}
}

func TestMigrateShardData_UnknownShard(t *testing.T) {
	f := newFixture(t, "shard-a")

	_, err := f.migrator(f.ringWithout("ghost")).MigrateShardData(context.Background(), "ghost")
	if !errors.HasCode(err, errors.CodeShardNotFound) {
		t.Errorf("expected SHARD_NOT_FOUND, got %v", err)
	}
}

func TestMigrateShardData_EmptyShard(t *testing.T) {
	f := newFixture(t, "shard-a", "shard-b")

	report, err := f.migrator(f.ringWithout("shard-b")).MigrateShardData(context.Background(), "shard-b")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if report.RowsMoved != 0 || report.RowsFailed != 0 {
		t.Errorf("empty shard reported movement: %+v", report)
	}
}

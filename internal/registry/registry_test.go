package registry

import (
	"context"
	"testing"

	"github.com/shardkeeper/shardkeeper/internal/adapter"
	"github.com/shardkeeper/shardkeeper/internal/config"
	"github.com/shardkeeper/shardkeeper/internal/errors"
	"github.com/shardkeeper/shardkeeper/pkg/types"
)

func addMemoryShard(t *testing.T, r *Registry, id string, weight int) *adapter.MemoryAdapter {
	t.Helper()
	ad := adapter.NewMemoryAdapter()
	if err := ad.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	if err := r.Add(id, ad, config.ShardConfig{ID: id, Kind: config.KindMemory}, weight); err != nil {
		t.Fatalf("add %s: %v", id, err)
	}
	return ad
}

func TestRegistry_AddAndGet(t *testing.T) {
	r := New()
	ad := addMemoryShard(t, r, "shard-a", 1)

	got, ok := r.Get("shard-a")
	if !ok || got != adapter.Adapter(ad) {
		t.Error("expected to get back the registered adapter")
	}
	if !r.Has("shard-a") || r.Has("shard-b") {
		t.Error("Has reports wrong membership")
	}
	if !r.IsActive("shard-a") {
		t.Error("new shards must start active")
	}
}

func TestRegistry_AddDuplicate(t *testing.T) {
	r := New()
	addMemoryShard(t, r, "shard-a", 1)

	ad := adapter.NewMemoryAdapter()
	err := r.Add("shard-a", ad, config.ShardConfig{}, 1)
	if !errors.HasCode(err, errors.CodeDuplicateShard) {
		t.Errorf("expected DUPLICATE_SHARD, got %v", err)
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := New()
	ad := addMemoryShard(t, r, "shard-a", 1)

	got, err := r.Remove("shard-a")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got != adapter.Adapter(ad) {
		t.Error("remove must hand back the adapter for closing")
	}
	if r.Has("shard-a") {
		t.Error("shard still registered after remove")
	}

	if _, err := r.Remove("shard-a"); !errors.HasCode(err, errors.CodeShardNotFound) {
		t.Errorf("expected SHARD_NOT_FOUND, got %v", err)
	}
}

func TestRegistry_SetActive(t *testing.T) {
	r := New()
	addMemoryShard(t, r, "shard-a", 1)

	if changed := r.SetActive("shard-a", false); !changed {
		t.Error("deactivating an active shard must report a change")
	}
	if r.IsActive("shard-a") {
		t.Error("shard still active")
	}
	if changed := r.SetActive("shard-a", false); changed {
		t.Error("repeated deactivation must not report a change")
	}
	if changed := r.SetActive("shard-a", true); !changed {
		t.Error("reactivation must report a change")
	}

	// Unknown ids are ignored: the shard may have been removed between
	// probe and report.
	if changed := r.SetActive("ghost", true); changed {
		t.Error("unknown shard must not report a change")
	}
}

func TestRegistry_ActiveMembers(t *testing.T) {
	r := New()
	addMemoryShard(t, r, "shard-b", 2)
	addMemoryShard(t, r, "shard-a", 1)
	addMemoryShard(t, r, "shard-c", 1)
	r.SetActive("shard-c", false)

	members := r.ActiveMembers()
	if len(members) != 2 {
		t.Fatalf("expected 2 active members, got %d", len(members))
	}
	if members[0].ID != "shard-a" || members[1].ID != "shard-b" {
		t.Errorf("members not sorted by id: %v", members)
	}
	if members[1].Weight != 2 {
		t.Errorf("weight not carried: %v", members[1])
	}
}

func TestRegistry_AdapterMaps(t *testing.T) {
	r := New()
	addMemoryShard(t, r, "shard-a", 1)
	addMemoryShard(t, r, "shard-b", 1)
	r.SetActive("shard-b", false)

	active := r.AdaptersByID()
	if len(active) != 1 {
		t.Errorf("expected 1 active adapter, got %d", len(active))
	}
	if _, ok := active["shard-b"]; ok {
		t.Error("inactive shard leaked into the active set")
	}

	all := r.AllAdapters()
	if len(all) != 2 {
		t.Errorf("expected 2 adapters total, got %d", len(all))
	}
}

func TestRegistry_ShardKeys(t *testing.T) {
	r := New()

	r.SetShardKey("alerts", "server_id", "")
	key, ok := r.ShardKeyFor("alerts")
	if !ok {
		t.Fatal("shard key not registered")
	}
	if key.Column != "server_id" || key.Algorithm != types.AlgorithmConsistentHash {
		t.Errorf("unexpected key: %+v", key)
	}

	if _, ok := r.ShardKeyFor("metrics"); ok {
		t.Error("unregistered table must have no shard key")
	}

	r.SetShardKey("metrics", "server_id", types.AlgorithmConsistentHash)
	tables := r.Tables()
	if len(tables) != 2 || tables[0] != "alerts" || tables[1] != "metrics" {
		t.Errorf("tables = %v", tables)
	}

	// Overwriting is allowed; the latest rule wins.
	r.SetShardKey("alerts", "region", "")
	key, _ = r.ShardKeyFor("alerts")
	if key.Column != "region" {
		t.Errorf("overwrite did not take: %+v", key)
	}
}

func TestRegistry_ReplicationFactor(t *testing.T) {
	r := New()

	if got := r.ReplicationFactor(); got != 1 {
		t.Errorf("default replication factor = %d, want 1", got)
	}
	if err := r.SetReplicationFactor(3); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := r.ReplicationFactor(); got != 3 {
		t.Errorf("replication factor = %d, want 3", got)
	}
	if err := r.SetReplicationFactor(0); !errors.HasCode(err, errors.CodeInvalidArgument) {
		t.Errorf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestRegistry_SnapshotAndCounts(t *testing.T) {
	r := New()
	addMemoryShard(t, r, "shard-b", 1)
	addMemoryShard(t, r, "shard-a", 2)
	r.SetActive("shard-b", false)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d", len(snap))
	}
	if snap[0].ID != "shard-a" || snap[1].ID != "shard-b" {
		t.Errorf("snapshot not sorted: %v", snap)
	}
	if !snap[0].Active || snap[1].Active {
		t.Errorf("active flags wrong: %v", snap)
	}
	if snap[0].Weight != 2 || snap[0].Kind != "memory" {
		t.Errorf("shard info wrong: %+v", snap[0])
	}

	total, active := r.Counts()
	if total != 2 || active != 1 {
		t.Errorf("counts = (%d, %d), want (2, 1)", total, active)
	}
}

func TestRegistry_DrainingBlocksReactivation(t *testing.T) {
	r := New()
	addMemoryShard(t, r, "shard-a", 1)
	addMemoryShard(t, r, "shard-b", 1)

	if !r.SetDraining("shard-a") {
		t.Fatal("SetDraining returned false for a registered shard")
	}
	if r.IsActive("shard-a") {
		t.Error("draining shard still active")
	}
	if !r.IsDraining("shard-a") {
		t.Error("IsDraining = false after SetDraining")
	}

	// A healthy probe reporting in mid-drain must not bring the shard
	// back into routing.
	if changed := r.SetActive("shard-a", true); changed {
		t.Error("SetActive(true) reactivated a draining shard")
	}
	if r.IsActive("shard-a") {
		t.Error("draining shard active after healthy probe")
	}

	members := r.ActiveMembers()
	if len(members) != 1 || members[0].ID != "shard-b" {
		t.Errorf("ActiveMembers = %v, want only shard-b", members)
	}
	if _, ok := r.AdaptersByID()["shard-a"]; ok {
		t.Error("draining shard present in AdaptersByID")
	}

	info := r.Snapshot()
	if !info[0].Draining || info[0].Active {
		t.Errorf("snapshot of draining shard = %+v", info[0])
	}
}

func TestRegistry_SetDrainingUnknownShard(t *testing.T) {
	r := New()
	if r.SetDraining("ghost") {
		t.Error("SetDraining returned true for unknown shard")
	}
	if r.IsDraining("ghost") {
		t.Error("IsDraining returned true for unknown shard")
	}
}

package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shardkeeper/shardkeeper/internal/adapter"
	"github.com/shardkeeper/shardkeeper/internal/config"
	"github.com/shardkeeper/shardkeeper/internal/registry"
)

func addMemoryShard(t *testing.T, reg *registry.Registry, id string) *adapter.MemoryAdapter {
	t.Helper()
	ad := adapter.NewMemoryAdapter()
	if err := ad.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	if err := reg.Add(id, ad, config.ShardConfig{ID: id, Kind: config.KindMemory}, 1); err != nil {
		t.Fatalf("add %s: %v", id, err)
	}
	return ad
}

func TestMonitor_CheckNowHealthy(t *testing.T) {
	reg := registry.New()
	addMemoryShard(t, reg, "shard-a")
	addMemoryShard(t, reg, "shard-b")

	m := NewMonitor(DefaultConfig(), reg, nil)
	if changed := m.CheckNow(context.Background()); changed {
		t.Error("all-healthy pass over active shards must report no change")
	}
	if !reg.IsActive("shard-a") || !reg.IsActive("shard-b") {
		t.Error("healthy shards must stay active")
	}
}

func TestMonitor_CheckNowDeactivatesAndRecovers(t *testing.T) {
	reg := registry.New()
	addMemoryShard(t, reg, "shard-a")
	bad := addMemoryShard(t, reg, "shard-b")

	var ringRebuilds int32
	m := NewMonitor(DefaultConfig(), reg, func() {
		atomic.AddInt32(&ringRebuilds, 1)
	})

	bad.FailHealth = true
	if changed := m.CheckNow(context.Background()); !changed {
		t.Fatal("failing probe must report a change")
	}
	if reg.IsActive("shard-b") {
		t.Error("unhealthy shard still active")
	}
	if !reg.IsActive("shard-a") {
		t.Error("healthy shard was deactivated")
	}
	if atomic.LoadInt32(&ringRebuilds) != 1 {
		t.Errorf("onChange calls = %d, want 1", ringRebuilds)
	}

	// A second identical pass changes nothing and must not fire onChange.
	if changed := m.CheckNow(context.Background()); changed {
		t.Error("steady state must not report a change")
	}
	if atomic.LoadInt32(&ringRebuilds) != 1 {
		t.Errorf("onChange calls = %d, want still 1", ringRebuilds)
	}

	// Recovery flips the shard back.
	bad.FailHealth = false
	if changed := m.CheckNow(context.Background()); !changed {
		t.Fatal("recovering probe must report a change")
	}
	if !reg.IsActive("shard-b") {
		t.Error("recovered shard still inactive")
	}
	if atomic.LoadInt32(&ringRebuilds) != 2 {
		t.Errorf("onChange calls = %d, want 2", ringRebuilds)
	}
}

func TestMonitor_ProbesInactiveShards(t *testing.T) {
	// Inactive shards keep being probed so they can recover.
	reg := registry.New()
	ad := addMemoryShard(t, reg, "shard-a")
	reg.SetActive("shard-a", false)

	m := NewMonitor(DefaultConfig(), reg, nil)

	_ = ad // healthy adapter; probe should reactivate it
	if changed := m.CheckNow(context.Background()); !changed {
		t.Fatal("probe of a healthy inactive shard must reactivate it")
	}
	if !reg.IsActive("shard-a") {
		t.Error("shard not reactivated")
	}
}

func TestMonitor_EmptyRegistry(t *testing.T) {
	m := NewMonitor(DefaultConfig(), registry.New(), nil)
	if changed := m.CheckNow(context.Background()); changed {
		t.Error("empty registry must report no change")
	}
}

func TestMonitor_StartStop(t *testing.T) {
	reg := registry.New()
	bad := addMemoryShard(t, reg, "shard-a")
	bad.FailHealth = true

	m := NewMonitor(Config{
		Interval:     10 * time.Millisecond,
		ProbeTimeout: time.Second,
	}, reg, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Start probes immediately; give the pass a moment to land.
	deadline := time.Now().Add(2 * time.Second)
	for reg.IsActive("shard-a") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.IsActive("shard-a") {
		t.Error("monitor never deactivated the failing shard")
	}

	m.Stop()
	// Stop must be idempotent.
	m.Stop()
}

func TestMonitor_StartTwice(t *testing.T) {
	reg := registry.New()
	addMemoryShard(t, reg, "shard-a")

	m := NewMonitor(Config{Interval: time.Hour, ProbeTimeout: time.Second}, reg, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second start must be a no-op, got %v", err)
	}
}

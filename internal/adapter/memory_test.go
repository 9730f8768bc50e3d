package adapter

import (
	"context"
	"fmt"
	"testing"

	"github.com/shardkeeper/shardkeeper/pkg/types"
)

func newConnectedMemory(t *testing.T) *MemoryAdapter {
	t.Helper()
	a := NewMemoryAdapter()
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestMemoryAdapter_InsertAndFind(t *testing.T) {
	a := newConnectedMemory(t)
	ctx := context.Background()

	stored, err := a.Insert(ctx, "alerts", types.Row{"id": "a-1", "server_id": "srv-1"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if stored["id"] != "a-1" {
		t.Errorf("stored id = %v", stored["id"])
	}

	row, err := a.FindByID(ctx, "alerts", "a-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row["server_id"] != "srv-1" {
		t.Errorf("server_id = %v", row["server_id"])
	}
}

func TestMemoryAdapter_InsertAssignsID(t *testing.T) {
	a := newConnectedMemory(t)

	stored, err := a.Insert(context.Background(), "alerts", types.Row{"server_id": "srv-1"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id, ok := types.RowID(stored); !ok || id == "" {
		t.Error("expected an id to be assigned")
	}
}

func TestMemoryAdapter_InsertUpserts(t *testing.T) {
	a := newConnectedMemory(t)
	ctx := context.Background()

	if _, err := a.Insert(ctx, "alerts", types.Row{"id": "a-1", "v": int64(1)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Re-inserting the same id overwrites; replication and rebalance
	// depend on this.
	if _, err := a.Insert(ctx, "alerts", types.Row{"id": "a-1", "v": int64(2)}); err != nil {
		t.Fatalf("re-insert: %v", err)
	}

	n, err := a.Count(ctx, "alerts")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
	row, _ := a.FindByID(ctx, "alerts", "a-1")
	if row["v"] != int64(2) {
		t.Errorf("v = %v, want 2", row["v"])
	}
}

func TestMemoryAdapter_FindMissing(t *testing.T) {
	a := newConnectedMemory(t)

	_, err := a.FindByID(context.Background(), "alerts", "nope")
	if err != ErrRowNotFound {
		t.Errorf("expected ErrRowNotFound, got %v", err)
	}
}

func TestMemoryAdapter_UpdateAndDelete(t *testing.T) {
	a := newConnectedMemory(t)
	ctx := context.Background()

	a.Insert(ctx, "alerts", types.Row{"id": "a-1", "state": "open"})

	found, err := a.Update(ctx, "alerts", "a-1", types.Row{"state": "closed"})
	if err != nil || !found {
		t.Fatalf("update = (%v, %v)", found, err)
	}
	row, _ := a.FindByID(ctx, "alerts", "a-1")
	if row["state"] != "closed" {
		t.Errorf("state = %v", row["state"])
	}

	found, err = a.Delete(ctx, "alerts", "a-1")
	if err != nil || !found {
		t.Fatalf("delete = (%v, %v)", found, err)
	}
	if _, err := a.FindByID(ctx, "alerts", "a-1"); err != ErrRowNotFound {
		t.Errorf("expected ErrRowNotFound after delete, got %v", err)
	}

	found, _ = a.Delete(ctx, "alerts", "a-1")
	if found {
		t.Error("deleting a missing row must report false")
	}
}

func TestMemoryAdapter_BulkInsert(t *testing.T) {
	a := newConnectedMemory(t)
	ctx := context.Background()

	rows := make([]types.Row, 10)
	for i := range rows {
		rows[i] = types.Row{"id": fmt.Sprintf("a-%d", i)}
	}
	n, err := a.BulkInsert(ctx, "alerts", rows)
	if err != nil {
		t.Fatalf("bulk insert: %v", err)
	}
	if n != 10 {
		t.Errorf("inserted = %d, want 10", n)
	}

	count, _ := a.Count(ctx, "alerts")
	if count != 10 {
		t.Errorf("count = %d, want 10", count)
	}
}

func TestMemoryAdapter_ScanPreservesOrderAndLimit(t *testing.T) {
	a := newConnectedMemory(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a.Insert(ctx, "alerts", types.Row{"id": fmt.Sprintf("a-%d", i)})
	}

	all, err := a.Scan(ctx, "alerts", 0)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("scan returned %d rows, want 5", len(all))
	}
	for i, row := range all {
		if row["id"] != fmt.Sprintf("a-%d", i) {
			t.Errorf("row %d out of insertion order: %v", i, row["id"])
		}
	}

	limited, _ := a.Scan(ctx, "alerts", 2)
	if len(limited) != 2 {
		t.Errorf("limited scan returned %d rows, want 2", len(limited))
	}
}

func TestMemoryAdapter_QuerySelectAll(t *testing.T) {
	a := newConnectedMemory(t)
	ctx := context.Background()

	a.Insert(ctx, "alerts", types.Row{"id": "a-1"})
	a.Insert(ctx, "alerts", types.Row{"id": "a-2"})

	res, err := a.Query(ctx, "SELECT * FROM alerts", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.RowCount != 2 || len(res.Rows) != 2 {
		t.Errorf("rows = %d (count %d), want 2", len(res.Rows), res.RowCount)
	}

	if _, err := a.Query(ctx, "SELECT id FROM alerts WHERE x = ?", nil); err == nil {
		t.Error("expected error for unsupported query form")
	}
}

func TestMemoryAdapter_CountEmptyTable(t *testing.T) {
	a := newConnectedMemory(t)

	n, err := a.Count(context.Background(), "never_written")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestMemoryAdapter_NotConnected(t *testing.T) {
	a := NewMemoryAdapter()

	if _, err := a.Insert(context.Background(), "alerts", types.Row{"id": "x"}); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if healthy, _ := a.HealthCheck(context.Background()); healthy {
		t.Error("disconnected adapter must not report healthy")
	}
}

func TestMemoryAdapter_FailureInjection(t *testing.T) {
	a := newConnectedMemory(t)
	ctx := context.Background()

	a.FailHealth = true
	healthy, err := a.HealthCheck(ctx)
	if healthy || err == nil {
		t.Errorf("expected injected health failure, got (%v, %v)", healthy, err)
	}
	a.FailHealth = false
	if healthy, err := a.HealthCheck(ctx); !healthy || err != nil {
		t.Errorf("expected recovery, got (%v, %v)", healthy, err)
	}

	a.FailOps = true
	if _, err := a.Insert(ctx, "alerts", types.Row{"id": "x"}); err == nil {
		t.Error("expected injected operation failure")
	}
}

func TestMemoryAdapter_CloneIsolation(t *testing.T) {
	a := newConnectedMemory(t)
	ctx := context.Background()

	original := types.Row{"id": "a-1", "v": int64(1)}
	a.Insert(ctx, "alerts", original)

	// Mutating the caller's row after insert must not affect stored data.
	original["v"] = int64(99)
	row, _ := a.FindByID(ctx, "alerts", "a-1")
	if row["v"] != int64(1) {
		t.Errorf("stored row mutated through caller reference: %v", row["v"])
	}

	// Mutating a returned row must not affect stored data either.
	row["v"] = int64(50)
	again, _ := a.FindByID(ctx, "alerts", "a-1")
	if again["v"] != int64(1) {
		t.Errorf("stored row mutated through returned reference: %v", again["v"])
	}
}

func TestMemoryAdapter_Metrics(t *testing.T) {
	a := newConnectedMemory(t)
	ctx := context.Background()

	a.Insert(ctx, "alerts", types.Row{"id": "a-1"})
	a.FailOps = true
	a.Insert(ctx, "alerts", types.Row{"id": "a-2"})
	a.FailOps = false

	m := a.Metrics()
	if m.ActiveConnections != 1 {
		t.Errorf("active connections = %d, want 1", m.ActiveConnections)
	}
	if m.QueryCount < 2 {
		t.Errorf("query count = %d, want >= 2", m.QueryCount)
	}
	if m.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", m.ErrorCount)
	}
	if m.LastError == "" {
		t.Error("expected last error to be recorded")
	}
}

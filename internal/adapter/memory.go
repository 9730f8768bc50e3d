package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shardkeeper/shardkeeper/pkg/types"
)

// MemoryAdapter is an in-process shard backend. It backs unit tests and
// embedded single-process deployments where a real database is overkill.
//
// The failure-injection fields let tests exercise the degraded paths the
// shard manager must tolerate: set FailHealth to make probes fail, or
// FailOps to make every data operation fail.
type MemoryAdapter struct {
	metricsRecorder

	mu     sync.RWMutex
	open   bool
	tables map[string]map[string]types.Row // table → id → row
	order  map[string][]string             // table → insertion-ordered ids

	// FailHealth makes HealthCheck report unhealthy while set.
	FailHealth bool

	// FailOps makes every data operation return an error while set.
	FailOps bool
}

// NewMemoryAdapter creates an in-memory shard backend.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		tables: make(map[string]map[string]types.Row),
		order:  make(map[string][]string),
	}
}

func (a *MemoryAdapter) Kind() string { return "memory" }

func (a *MemoryAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open {
		return fmt.Errorf("memory: already connected")
	}
	a.open = true
	a.setConnected(true)
	return nil
}

func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = false
	a.setConnected(false)
	return nil
}

func (a *MemoryAdapter) HealthCheck(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.open {
		return false, ErrNotConnected
	}
	if a.FailHealth {
		return false, fmt.Errorf("memory: injected health failure")
	}
	return true, nil
}

func (a *MemoryAdapter) checkOp(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.open {
		return ErrNotConnected
	}
	if a.FailOps {
		return fmt.Errorf("memory: injected operation failure")
	}
	return nil
}

func (a *MemoryAdapter) Insert(ctx context.Context, table string, row types.Row) (types.Row, error) {
	var stored types.Row
	err := a.record(func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		if err := a.checkOp(ctx); err != nil {
			return err
		}
		stored = a.insertLocked(table, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// insertLocked stores a copy of the row, assigning an id when missing.
// An insert with an existing id overwrites (upsert), matching the SQLite
// backend's INSERT OR REPLACE behavior relied on by replication.
func (a *MemoryAdapter) insertLocked(table string, row types.Row) types.Row {
	stored := row.Clone()
	id, ok := types.RowID(stored)
	if !ok {
		id = uuid.NewString()
		stored["id"] = id
	}
	if a.tables[table] == nil {
		a.tables[table] = make(map[string]types.Row)
	}
	if _, exists := a.tables[table][id]; !exists {
		a.order[table] = append(a.order[table], id)
	}
	a.tables[table][id] = stored
	return stored.Clone()
}

func (a *MemoryAdapter) BulkInsert(ctx context.Context, table string, rows []types.Row) (int64, error) {
	var n int64
	err := a.record(func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		if err := a.checkOp(ctx); err != nil {
			return err
		}
		for _, row := range rows {
			a.insertLocked(table, row)
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (a *MemoryAdapter) Update(ctx context.Context, table, id string, row types.Row) (bool, error) {
	var found bool
	err := a.record(func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		if err := a.checkOp(ctx); err != nil {
			return err
		}
		if _, ok := a.tables[table][id]; !ok {
			return nil
		}
		stored := row.Clone()
		stored["id"] = id
		a.tables[table][id] = stored
		found = true
		return nil
	})
	return found, err
}

func (a *MemoryAdapter) Delete(ctx context.Context, table, id string) (bool, error) {
	var found bool
	err := a.record(func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		if err := a.checkOp(ctx); err != nil {
			return err
		}
		if _, ok := a.tables[table][id]; !ok {
			return nil
		}
		delete(a.tables[table], id)
		ids := a.order[table]
		for i, existing := range ids {
			if existing == id {
				a.order[table] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		found = true
		return nil
	})
	return found, err
}

func (a *MemoryAdapter) FindByID(ctx context.Context, table, id string) (types.Row, error) {
	var row types.Row
	err := a.record(func() error {
		a.mu.RLock()
		defer a.mu.RUnlock()
		if err := a.checkOp(ctx); err != nil {
			return err
		}
		stored, ok := a.tables[table][id]
		if !ok {
			return ErrRowNotFound
		}
		row = stored.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Query supports the "SELECT * FROM <table>" form used by routed and
// scatter-gather reads. Anything else is rejected.
func (a *MemoryAdapter) Query(ctx context.Context, query string, params []interface{}) (*types.QueryResult, error) {
	table, err := tableFromSelectAll(query)
	if err != nil {
		return nil, err
	}
	rows, err := a.Scan(ctx, table, 0)
	if err != nil {
		return nil, err
	}
	return &types.QueryResult{Rows: rows, RowCount: int64(len(rows))}, nil
}

func (a *MemoryAdapter) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := a.record(func() error {
		a.mu.RLock()
		defer a.mu.RUnlock()
		if err := a.checkOp(ctx); err != nil {
			return err
		}
		n = int64(len(a.tables[table]))
		return nil
	})
	return n, err
}

func (a *MemoryAdapter) Scan(ctx context.Context, table string, limit int) ([]types.Row, error) {
	var out []types.Row
	err := a.record(func() error {
		a.mu.RLock()
		defer a.mu.RUnlock()
		if err := a.checkOp(ctx); err != nil {
			return err
		}
		ids := a.order[table]
		if limit > 0 && limit < len(ids) {
			ids = ids[:limit]
		}
		out = make([]types.Row, 0, len(ids))
		for _, id := range ids {
			out = append(out, a.tables[table][id].Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *MemoryAdapter) Metrics() types.Metrics {
	return a.snapshot()
}

// tableFromSelectAll extracts the table name from a "SELECT * FROM <table>"
// query, tolerating a trailing semicolon and arbitrary case.
func tableFromSelectAll(query string) (string, error) {
	fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if len(fields) == 4 &&
		strings.EqualFold(fields[0], "SELECT") && fields[1] == "*" &&
		strings.EqualFold(fields[2], "FROM") {
		return fields[3], nil
	}
	return "", fmt.Errorf("unsupported query %q: document backends accept SELECT * FROM <table> only", query)
}

package adapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shardkeeper/shardkeeper/pkg/types"
)

// validTableName guards against table names reaching SQL identifiers.
var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteAdapter is a file-backed shard backend.
//
// Rows are stored one table per logical table as (id, doc, updated_at),
// with doc holding the snappy-compressed JSON encoding of the row. The
// connection layout follows the single-writer/read-pool discipline: one
// write connection in WAL mode plus a small pool of readers, so scans and
// counts do not block inserts.
type SQLiteAdapter struct {
	metricsRecorder

	path string

	mu     sync.Mutex // guards db handles and the known-tables set
	db     *sql.DB    // write connection (single writer)
	readDB *sql.DB    // read connection pool
	tables map[string]bool
}

// NewSQLiteAdapter creates a SQLite shard backend storing data at path.
func NewSQLiteAdapter(path string) *SQLiteAdapter {
	return &SQLiteAdapter{
		path:   path,
		tables: make(map[string]bool),
	}
}

func (a *SQLiteAdapter) Kind() string { return "sqlite" }

func (a *SQLiteAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.db != nil {
		return fmt.Errorf("sqlite: already connected")
	}

	db, err := sql.Open("sqlite3", a.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("sqlite: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("sqlite: failed to reach database: %w", err)
	}

	readDB, err := sql.Open("sqlite3", a.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return fmt.Errorf("sqlite: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	a.db = db
	a.readDB = readDB
	a.setConnected(true)
	return nil
}

func (a *SQLiteAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	if a.readDB != nil {
		if err := a.readDB.Close(); err != nil {
			firstErr = err
		}
		a.readDB = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.db = nil
	}
	a.setConnected(false)
	return firstErr
}

func (a *SQLiteAdapter) HealthCheck(ctx context.Context) (bool, error) {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return false, ErrNotConnected
	}
	if err := db.PingContext(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ensureTable creates the backing table on first use and returns the
// write handle, snapshotted under the same lock so a concurrent Close
// cannot nil it out from under the caller. Queries on a snapshotted
// handle after Close fail with the driver's closed-database error
// instead of panicking.
func (a *SQLiteAdapter) ensureTable(ctx context.Context, table string) (*sql.DB, error) {
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("sqlite: invalid table name %q", table)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil, ErrNotConnected
	}
	if a.tables[table] {
		return a.db, nil
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id TEXT PRIMARY KEY,
		doc BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`, table)
	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("sqlite: failed to create table %q: %w", table, err)
	}
	a.tables[table] = true
	return a.db, nil
}

// readHandle snapshots the read pool under the lock.
func (a *SQLiteAdapter) readHandle() (*sql.DB, error) {
	a.mu.Lock()
	db := a.readDB
	a.mu.Unlock()
	if db == nil {
		return nil, ErrNotConnected
	}
	return db, nil
}

// encodeRow produces the snappy-compressed JSON document for a row.
func encodeRow(row types.Row) ([]byte, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to encode row: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// decodeRow reverses encodeRow.
func decodeRow(doc []byte) (types.Row, error) {
	raw, err := snappy.Decode(nil, doc)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to decompress row: %w", err)
	}
	var row types.Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("sqlite: failed to decode row: %w", err)
	}
	return row, nil
}

func (a *SQLiteAdapter) Insert(ctx context.Context, table string, row types.Row) (types.Row, error) {
	var stored types.Row
	err := a.record(func() error {
		db, err := a.ensureTable(ctx, table)
		if err != nil {
			return err
		}

		stored = row.Clone()
		id, ok := types.RowID(stored)
		if !ok {
			id = uuid.NewString()
			stored["id"] = id
		}

		doc, err := encodeRow(stored)
		if err != nil {
			return err
		}

		// INSERT OR REPLACE: replica writes and rebalance moves re-insert
		// rows that may already exist on the target.
		_, err = db.ExecContext(ctx,
			fmt.Sprintf(`INSERT OR REPLACE INTO %q (id, doc, updated_at) VALUES (?, ?, ?)`, table),
			id, doc, time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("sqlite: insert into %q failed: %w", table, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// BulkInsert applies the whole batch inside one transaction.
func (a *SQLiteAdapter) BulkInsert(ctx context.Context, table string, rows []types.Row) (int64, error) {
	var n int64
	err := a.record(func() error {
		db, err := a.ensureTable(ctx, table)
		if err != nil {
			return err
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin failed: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx,
			fmt.Sprintf(`INSERT OR REPLACE INTO %q (id, doc, updated_at) VALUES (?, ?, ?)`, table))
		if err != nil {
			return fmt.Errorf("sqlite: prepare failed: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UnixNano()
		for _, row := range rows {
			stored := row.Clone()
			id, ok := types.RowID(stored)
			if !ok {
				id = uuid.NewString()
				stored["id"] = id
			}
			doc, err := encodeRow(stored)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, id, doc, now); err != nil {
				return fmt.Errorf("sqlite: bulk insert into %q failed: %w", table, err)
			}
			n++
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (a *SQLiteAdapter) Update(ctx context.Context, table, id string, row types.Row) (bool, error) {
	var found bool
	err := a.record(func() error {
		db, err := a.ensureTable(ctx, table)
		if err != nil {
			return err
		}
		stored := row.Clone()
		stored["id"] = id
		doc, err := encodeRow(stored)
		if err != nil {
			return err
		}
		res, err := db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %q SET doc = ?, updated_at = ? WHERE id = ?`, table),
			doc, time.Now().UnixNano(), id)
		if err != nil {
			return fmt.Errorf("sqlite: update in %q failed: %w", table, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		found = affected > 0
		return nil
	})
	return found, err
}

func (a *SQLiteAdapter) Delete(ctx context.Context, table, id string) (bool, error) {
	var found bool
	err := a.record(func() error {
		db, err := a.ensureTable(ctx, table)
		if err != nil {
			return err
		}
		res, err := db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, table), id)
		if err != nil {
			return fmt.Errorf("sqlite: delete from %q failed: %w", table, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		found = affected > 0
		return nil
	})
	return found, err
}

func (a *SQLiteAdapter) FindByID(ctx context.Context, table, id string) (types.Row, error) {
	var row types.Row
	err := a.record(func() error {
		if _, err := a.ensureTable(ctx, table); err != nil {
			return err
		}
		readDB, err := a.readHandle()
		if err != nil {
			return err
		}
		var doc []byte
		err = readDB.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT doc FROM %q WHERE id = ?`, table), id).Scan(&doc)
		if err == sql.ErrNoRows {
			return ErrRowNotFound
		}
		if err != nil {
			return fmt.Errorf("sqlite: lookup in %q failed: %w", table, err)
		}
		row, err = decodeRow(doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Query executes SQL against the shard. The routed-read form
// "SELECT * FROM <table>" is answered from the document layout; any other
// SQL runs verbatim against the read pool and the caller owns schema
// compatibility.
func (a *SQLiteAdapter) Query(ctx context.Context, query string, params []interface{}) (*types.QueryResult, error) {
	if table, err := tableFromSelectAll(query); err == nil {
		rows, err := a.Scan(ctx, table, 0)
		if err != nil {
			return nil, err
		}
		return &types.QueryResult{Rows: rows, RowCount: int64(len(rows))}, nil
	}

	var result *types.QueryResult
	err := a.record(func() error {
		readDB, err := a.readHandle()
		if err != nil {
			return err
		}

		start := time.Now()
		rows, err := readDB.QueryContext(ctx, query, params...)
		if err != nil {
			return fmt.Errorf("sqlite: query failed: %w", err)
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}

		var out []types.Row
		for rows.Next() {
			values := make([]interface{}, len(cols))
			ptrs := make([]interface{}, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			row := make(types.Row, len(cols))
			for i, col := range cols {
				row[col] = values[i]
			}
			out = append(out, row)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		result = &types.QueryResult{
			Columns:  cols,
			Rows:     out,
			RowCount: int64(len(out)),
			Latency:  time.Since(start),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *SQLiteAdapter) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := a.record(func() error {
		if _, err := a.ensureTable(ctx, table); err != nil {
			return err
		}
		readDB, err := a.readHandle()
		if err != nil {
			return err
		}
		return readDB.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table)).Scan(&n)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (a *SQLiteAdapter) Scan(ctx context.Context, table string, limit int) ([]types.Row, error) {
	var out []types.Row
	err := a.record(func() error {
		if _, err := a.ensureTable(ctx, table); err != nil {
			return err
		}
		readDB, err := a.readHandle()
		if err != nil {
			return err
		}

		q := fmt.Sprintf(`SELECT doc FROM %q ORDER BY updated_at`, table)
		var args []interface{}
		if limit > 0 {
			q += ` LIMIT ?`
			args = append(args, limit)
		}

		rows, err := readDB.QueryContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("sqlite: scan of %q failed: %w", table, err)
		}
		defer rows.Close()

		for rows.Next() {
			var doc []byte
			if err := rows.Scan(&doc); err != nil {
				return err
			}
			row, err := decodeRow(doc)
			if err != nil {
				return err
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *SQLiteAdapter) Metrics() types.Metrics {
	return a.snapshot()
}

// Package adapter provides a uniform interface to one physical shard
// backend. The shard manager treats every shard as one Adapter instance
// and never looks past this boundary.
//
// Implementations include SQLite (file-backed relational store), an
// in-memory store for tests and embedded use, and an S3-compatible
// document store.
package adapter

import (
	"context"
	"errors"

	"github.com/shardkeeper/shardkeeper/pkg/types"
)

// Common errors reported by adapters.
var (
	ErrNotConnected = errors.New("adapter not connected")
	ErrRowNotFound  = errors.New("row not found")
)

// Adapter is the uniform interface to one shard backend.
//
// Every call that touches the backend takes a context; callers bound each
// call with a timeout, and a timed-out call is treated identically to a
// failed one. Transactions are an implementation concern: backends that
// support them run BulkInsert atomically.
type Adapter interface {
	// Connect opens the backend connection. Calling Connect on an already
	// connected adapter is an error.
	Connect(ctx context.Context) error

	// Close releases the backend connection. Safe to call more than once.
	Close() error

	// HealthCheck probes the backend. A false return or an error both mean
	// the shard is unhealthy.
	HealthCheck(ctx context.Context) (bool, error)

	// Insert writes a row into the table, creating the table on first use.
	// A row without an "id" column is assigned one. Returns the stored row.
	Insert(ctx context.Context, table string, row types.Row) (types.Row, error)

	// BulkInsert writes many rows at once and returns the number inserted.
	// Backends with transaction support apply the batch atomically.
	BulkInsert(ctx context.Context, table string, rows []types.Row) (int64, error)

	// Update replaces the row with the given id. Returns false when no such
	// row exists.
	Update(ctx context.Context, table, id string, row types.Row) (bool, error)

	// Delete removes the row with the given id. Returns false when no such
	// row exists.
	Delete(ctx context.Context, table, id string) (bool, error)

	// FindByID fetches one row by id. Reports ErrRowNotFound when absent.
	FindByID(ctx context.Context, table, id string) (types.Row, error)

	// Query runs a backend query. SQL backends execute it directly;
	// document backends support the "SELECT * FROM <table>" form only.
	Query(ctx context.Context, query string, params []interface{}) (*types.QueryResult, error)

	// Count returns the number of rows in a table. A table that was never
	// written counts as zero.
	Count(ctx context.Context, table string) (int64, error)

	// Scan returns up to limit rows from a table in unspecified order.
	// A limit of zero or less returns every row.
	Scan(ctx context.Context, table string, limit int) ([]types.Row, error)

	// Metrics reports connection statistics since Connect.
	Metrics() types.Metrics

	// Kind identifies the backend type ("sqlite", "memory", "s3").
	Kind() string
}

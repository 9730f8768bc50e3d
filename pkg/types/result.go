package types

import "time"

// QueryResult holds the outcome of a query against one or more shards.
type QueryResult struct {
	// Columns lists the result columns when the backend reports them.
	// Document-style backends leave this empty.
	Columns []string

	// Rows holds the result rows. For scatter-gather results rows from a
	// single shard keep that shard's order; order across shards is
	// unspecified.
	Rows []Row

	// RowCount is the total number of rows.
	RowCount int64

	// Latency is the time the query took. For scatter-gather results this
	// is the maximum per-shard latency, since shards are queried
	// concurrently.
	Latency time.Duration
}

// Metrics reports per-adapter connection statistics.
type Metrics struct {
	ActiveConnections int64         `json:"active_connections"`
	QueryCount        int64         `json:"query_count"`
	ErrorCount        int64         `json:"error_count"`
	AvgQueryTime      time.Duration `json:"avg_query_time"`
	LastError         string        `json:"last_error,omitempty"`
}

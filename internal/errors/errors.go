// Package errors provides structured error types for the Shardkeeper system.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by failure mode.
type ErrorCategory string

const (
	// ErrCategoryConfig covers caller mistakes: bad arguments, missing
	// routing rules. Never retryable.
	ErrCategoryConfig ErrorCategory = "CONFIG"

	// ErrCategoryTopology covers shard membership problems (duplicate or
	// unknown shard ids).
	ErrCategoryTopology ErrorCategory = "TOPOLOGY"

	// ErrCategoryConnectivity covers adapter connection, probe, and query
	// failures, including timeouts.
	ErrCategoryConnectivity ErrorCategory = "CONNECTIVITY"

	// ErrCategoryExhaustion covers the cluster having no shard able to
	// serve a request. Retrying without operator action will not help.
	ErrCategoryExhaustion ErrorCategory = "EXHAUSTION"

	// ErrCategoryData covers data-movement problems (partial migration).
	ErrCategoryData ErrorCategory = "DATA"

	// ErrCategoryInternal covers bugs and unexpected states.
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Config codes
	CodeNoShardKey           = "NO_SHARD_KEY"
	CodeMissingShardKeyValue = "MISSING_SHARD_KEY_VALUE"
	CodeInvalidArgument      = "INVALID_ARGUMENT"

	// Topology codes
	CodeDuplicateShard = "DUPLICATE_SHARD"
	CodeShardNotFound  = "SHARD_NOT_FOUND"

	// Connectivity codes
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeProbeFailed      = "PROBE_FAILED"
	CodeQueryFailed      = "QUERY_FAILED"

	// Exhaustion codes
	CodeNoShardsAvailable = "NO_SHARDS_AVAILABLE"
	CodeNoActiveShards    = "NO_ACTIVE_SHARDS"

	// Data codes
	CodeMigrationIncomplete = "MIGRATION_INCOMPLETE"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// ShardError is the structured error type used throughout the system.
type ShardError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *ShardError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *ShardError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *ShardError) Is(target error) bool {
	var t *ShardError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new ShardError.
func New(category ErrorCategory, code, message string) *ShardError {
	return &ShardError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category),
	}
}

// Wrap creates a new ShardError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *ShardError {
	return &ShardError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *ShardError) WithDetails(details map[string]interface{}) *ShardError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *ShardError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a ShardError.
func GetCategory(err error) ErrorCategory {
	var se *ShardError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a ShardError.
func GetCode(err error) string {
	var se *ShardError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code string) bool {
	return GetCode(err) == code
}

// isRetryable determines whether errors of a category are worth retrying.
// Only transient connectivity failures qualify: config and topology errors
// are caller mistakes, and exhaustion means the cluster itself needs fixing.
func isRetryable(category ErrorCategory) bool {
	return category == ErrCategoryConnectivity
}

// Convenience constructors for common errors.

func NewDuplicateShard(shardID string) *ShardError {
	return New(ErrCategoryTopology, CodeDuplicateShard,
		fmt.Sprintf("shard %q already exists", shardID))
}

func NewShardNotFound(shardID string) *ShardError {
	return New(ErrCategoryTopology, CodeShardNotFound,
		fmt.Sprintf("shard %q not found", shardID))
}

func NewNoShardKey(table string) *ShardError {
	return New(ErrCategoryConfig, CodeNoShardKey,
		fmt.Sprintf("no shard key configured for table %q", table))
}

func NewMissingShardKeyValue(table, column string) *ShardError {
	return New(ErrCategoryConfig, CodeMissingShardKeyValue,
		fmt.Sprintf("row for table %q has no value for shard key column %q", table, column))
}

func NewInvalidArgument(message string) *ShardError {
	return New(ErrCategoryConfig, CodeInvalidArgument, message)
}

func NewConnectionError(shardID string, cause error) *ShardError {
	return Wrap(ErrCategoryConnectivity, CodeConnectionFailed,
		fmt.Sprintf("failed to connect shard %q", shardID), cause)
}

func NewQueryError(shardID string, cause error) *ShardError {
	return Wrap(ErrCategoryConnectivity, CodeQueryFailed,
		fmt.Sprintf("query failed on shard %q", shardID), cause)
}

func NewNoShardsAvailable() *ShardError {
	return New(ErrCategoryExhaustion, CodeNoShardsAvailable, "no shards available in the ring")
}

func NewNoActiveShards() *ShardError {
	return New(ErrCategoryExhaustion, CodeNoActiveShards, "no active shards in the cluster")
}

func NewMigrationIncomplete(shardID string, moved, failed int64, cause error) *ShardError {
	e := Wrap(ErrCategoryData, CodeMigrationIncomplete,
		fmt.Sprintf("migration off shard %q left rows behind", shardID), cause)
	e.Details = map[string]interface{}{
		"shard_id":    shardID,
		"rows_moved":  moved,
		"rows_failed": failed,
	}
	return e
}

func NewInternalError(message string, cause error) *ShardError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

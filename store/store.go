// Package store defines the repository interface the ingestion engine uses
// to persist task state beyond process memory. Implementations may be
// in-memory only or backed by durable storage; engine correctness must not
// depend on which.
package store

import (
	"context"
	"errors"

	"github.com/iansokolskyi/celery-flow/graph"
	"github.com/iansokolskyi/celery-flow/query"
)

// ErrNotFound indicates the requested task is not in the repository.
var ErrNotFound = errors.New("task not found")

// Repository provides durable storage and lookup of task snapshots,
// mirroring the graph's query shapes. Implementations must be safe for
// concurrent use.
type Repository interface {
	// Get returns the stored snapshot for a task.
	// Returns ErrNotFound if the task is unknown.
	Get(ctx context.Context, taskID string) (graph.Snapshot, error)

	// Upsert stores a snapshot, replacing any previous state for the same
	// task id. Implementations must ignore stale writes: a snapshot that
	// is older than the stored one (by applied sequence) is a no-op.
	Upsert(ctx context.Context, snap graph.Snapshot) error

	// List returns a page of snapshots matching the filter plus the total
	// match count. Results are ordered by creation time.
	List(ctx context.Context, filter query.Filter) ([]graph.Snapshot, int64, error)

	// Children returns snapshots of the tasks spawned by parentID, oldest
	// first. Unknown ids yield an empty slice, never an error.
	Children(ctx context.Context, parentID string) ([]graph.Snapshot, error)
}

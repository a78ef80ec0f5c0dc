// Package query defines the task filter shared by graph and repository
// queries, plus optional interfaces for extending Transport and Repository
// implementations with capabilities the core does not require.
//
// Following Rob Pike's principle: "The bigger the interface, the weaker the
// abstraction." Each optional interface has a single method, and callers
// discover support by type assertion:
//
//	if bf, ok := transport.(query.Backfiller); ok {
//	    events, err := bf.Backfill(ctx, token)
//	    // delta resync instead of a full reload
//	}
package query

import (
	"context"

	"github.com/iansokolskyi/celery-flow/event"
)

// Filter specifies criteria for listing tasks. All fields are optional;
// zero values mean "no filter".
type Filter struct {
	// State filters by current task state (e.g., event.StateFailure).
	State event.TaskState

	// Name filters by exact task name (e.g., "myapp.tasks.send_email").
	Name string

	// Limit caps the number of results (0 means no limit).
	Limit int

	// Offset skips the first N results (for pagination).
	Offset int
}

// Matches reports whether a task with the given state and name passes the
// filter's criteria. Limit and Offset are ignored.
func (f Filter) Matches(state event.TaskState, name string) bool {
	if f.State != "" && state != f.State {
		return false
	}
	if f.Name != "" && name != f.Name {
		return false
	}
	return true
}

// Page applies Limit and Offset to a total of n matches, returning the
// half-open index range [lo, hi) to keep.
func (f Filter) Page(n int) (lo, hi int) {
	lo = f.Offset
	if lo > n {
		lo = n
	}
	hi = n
	if f.Limit > 0 && lo+f.Limit < hi {
		hi = lo + f.Limit
	}
	return lo, hi
}

// TaskCounter enables efficient counting of tasks matching a filter.
// Repositories implement this to support pagination totals without loading
// every row.
type TaskCounter interface {
	// CountTasks returns the total number of tasks matching the filter.
	// The Limit and Offset fields are ignored for counting.
	CountTasks(ctx context.Context, filter Filter) (int64, error)
}

// Backfiller enables delta resynchronization after a transport gap.
// Transports that retain a window of delivered events implement this so the
// engine can request just the missed span instead of a full reload.
type Backfiller interface {
	// Backfill returns retained events after the token, oldest first.
	// Returns event.ErrTokenExpired if the span is no longer retained.
	Backfill(ctx context.Context, since event.Token) ([]event.TaskEvent, error)
}

// TraceQuerier enables finding tasks correlated to a distributed trace.
type TraceQuerier interface {
	// QueryByTrace returns task ids carrying the given trace id.
	// Returns an empty slice if no tasks match.
	QueryByTrace(ctx context.Context, traceID string) ([]string, error)
}

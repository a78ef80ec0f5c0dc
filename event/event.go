// Package event provides the task lifecycle event model and the transport
// interfaces celery-flow consumes events through.
package event

import (
	"encoding/json"
	"time"
)

// TaskEvent is an immutable record of a task state transition, captured at
// the worker side and delivered through a Transport. Events are facts: they
// are never mutated after creation, and duplicates are detected and
// discarded downstream by the merge logic.
type TaskEvent struct {
	// TaskID is the unique identifier of the task instance (UUID).
	TaskID string `json:"task_id"`

	// Name is the fully qualified task name (e.g., "myapp.tasks.send_email").
	Name string `json:"name"`

	// State is the lifecycle state this event reports.
	State TaskState `json:"state"`

	// Timestamp records when the event occurred at its source. Timestamps
	// are monotonic per source but not comparable across sources.
	Timestamp time.Time `json:"timestamp"`

	// Source identifies the event source (worker or broker connection).
	// Empty is a valid source; sequence numbers are scoped to it.
	Source string `json:"source,omitempty"`

	// Sequence is a source-local strictly increasing counter. It orders
	// events from the same source deterministically even when timestamps
	// collide, and drives duplicate detection.
	Sequence int64 `json:"sequence"`

	// ParentID references the task that spawned this one, if any.
	// The reference never implies ownership of the parent.
	ParentID string `json:"parent_id,omitempty"`

	// RootID references the root task of the chain/group this task belongs to.
	RootID string `json:"root_id,omitempty"`

	// GroupID references the sibling group this task belongs to, if any.
	GroupID string `json:"group_id,omitempty"`

	// ChordID references the chord this task belongs to, if any.
	ChordID string `json:"chord_id,omitempty"`

	// TraceID is an optional correlation ID for distributed tracing.
	TraceID string `json:"trace_id,omitempty"`

	// Retries is the retry attempt number reported by the source
	// (0 = first attempt).
	Retries int `json:"retries,omitempty"`

	// Payload holds opaque task attributes (args summary, result,
	// exception info). The graph logic never interprets it.
	Payload json.RawMessage `json:"payload,omitempty"`
}

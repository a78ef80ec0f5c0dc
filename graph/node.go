package graph

import (
	"encoding/json"
	"time"

	"github.com/iansokolskyi/celery-flow/event"
)

// Outcome reports what applying an event to the graph did.
type Outcome int

const (
	// OutcomeApplied means the event was accepted and state was mutated.
	OutcomeApplied Outcome = iota

	// OutcomeDuplicate means the event was already applied (sequence at or
	// below the last applied for its source). Expected under at-least-once
	// delivery; not an error.
	OutcomeDuplicate

	// OutcomeInvalidTransition means the event's state is not reachable
	// from the node's current state. The event is discarded and the node
	// keeps its last valid state.
	OutcomeInvalidTransition

	// OutcomeStructuralAnomaly means the event would violate a graph
	// invariant (parent reassignment or a cycle). The event is discarded.
	OutcomeStructuralAnomaly
)

// String returns a short name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeInvalidTransition:
		return "invalid_transition"
	case OutcomeStructuralAnomaly:
		return "structural_anomaly"
	default:
		return "unknown"
	}
}

// node is the mutable aggregate tracking one task's current knowledge.
// Nodes are owned exclusively by their Graph; queries only ever see
// Snapshot copies.
type node struct {
	taskID    string
	name      string
	state     event.TaskState
	retries   int
	createdAt time.Time
	updatedAt time.Time
	result    json.RawMessage
	parentID  string
	rootID    string
	groupID   string
	chordID   string
	traceID   string

	// lastSeq records the highest applied sequence per source, for
	// idempotent merging.
	lastSeq map[string]int64

	// placeholder is true while the node exists only because another
	// task's event referenced it. The first event targeting the node
	// directly clears it.
	placeholder bool

	// ord is the graph-local creation order, used for deterministic
	// listing and oldest-first eviction.
	ord int64
}

// newPlaceholder creates a node for a task id that has only been referenced,
// never directly observed.
func newPlaceholder(taskID string, seen time.Time, ord int64) *node {
	return &node{
		taskID:      taskID,
		state:       event.StatePending,
		createdAt:   seen,
		updatedAt:   seen,
		lastSeq:     make(map[string]int64),
		placeholder: true,
		ord:         ord,
	}
}

// check validates an event against the node without mutating it.
// It reports OutcomeDuplicate for replayed sequences and
// OutcomeInvalidTransition for unreachable states.
func (n *node) check(e event.TaskEvent, table event.Transitions) Outcome {
	if e.Sequence <= n.lastSeq[e.Source] {
		return OutcomeDuplicate
	}
	if !e.State.IsValid() {
		return OutcomeInvalidTransition
	}
	if !table.Allows(n.state, e.State) {
		return OutcomeInvalidTransition
	}
	return OutcomeApplied
}

// commit applies a checked event. Callers must have passed check first.
func (n *node) commit(e event.TaskEvent) {
	if e.State == event.StateRetry {
		// A retry returns the task to the queue; count the attempt.
		n.state = event.StatePending
		if e.Retries > n.retries {
			n.retries = e.Retries
		} else {
			n.retries++
		}
	} else {
		n.state = e.State
		if e.Retries > n.retries {
			n.retries = e.Retries
		}
		if e.State.IsTerminal() && len(e.Payload) > 0 {
			n.result = e.Payload
		}
	}

	if n.name == "" {
		n.name = e.Name
	}
	if n.rootID == "" {
		n.rootID = e.RootID
	}
	if n.traceID == "" {
		n.traceID = e.TraceID
	}
	if n.placeholder {
		n.placeholder = false
		n.createdAt = e.Timestamp
	}
	n.updatedAt = e.Timestamp
	n.lastSeq[e.Source] = e.Sequence
}

// Snapshot is an immutable point-in-time copy of a node, safe to hold
// across graph mutations.
type Snapshot struct {
	TaskID      string           `json:"task_id"`
	Name        string           `json:"name"`
	State       event.TaskState  `json:"state"`
	Retries     int              `json:"retries"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Result      json.RawMessage  `json:"result,omitempty"`
	ParentID    string           `json:"parent_id,omitempty"`
	RootID      string           `json:"root_id,omitempty"`
	GroupID     string           `json:"group_id,omitempty"`
	ChordID     string           `json:"chord_id,omitempty"`
	TraceID     string           `json:"trace_id,omitempty"`
	LastSeq     map[string]int64 `json:"last_seq,omitempty"`
	Placeholder bool             `json:"placeholder,omitempty"`

	// Children holds the ids of directly spawned tasks, in first-observed
	// order.
	Children []string `json:"children,omitempty"`
}

// snapshot copies the node's current state. children is the adjacency slice
// owned by the graph; it is copied, not aliased.
func (n *node) snapshot(children []string) Snapshot {
	s := Snapshot{
		TaskID:      n.taskID,
		Name:        n.name,
		State:       n.state,
		Retries:     n.retries,
		CreatedAt:   n.createdAt,
		UpdatedAt:   n.updatedAt,
		ParentID:    n.parentID,
		RootID:      n.rootID,
		GroupID:     n.groupID,
		ChordID:     n.chordID,
		TraceID:     n.traceID,
		Placeholder: n.placeholder,
	}
	if len(n.result) > 0 {
		s.Result = append(json.RawMessage(nil), n.result...)
	}
	if len(n.lastSeq) > 0 {
		s.LastSeq = make(map[string]int64, len(n.lastSeq))
		for src, seq := range n.lastSeq {
			s.LastSeq[src] = seq
		}
	}
	if len(children) > 0 {
		s.Children = append([]string(nil), children...)
	}
	return s
}

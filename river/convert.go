// Package river makes a River job queue observable by celery-flow: it
// converts River job lifecycle changes into task events, either by
// subscribing to an in-process River client or by polling the job table of
// a running pipeline.
package river

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/riverqueue/river/rivertype"

	"github.com/iansokolskyi/celery-flow/event"
)

// DefaultSource is the event source name used when none is configured.
const DefaultSource = "river"

// stateRanks orders the lifecycle states a single attempt can pass
// through; combined with the attempt number it yields a per-job sequence
// that is stable across observer restarts.
var stateRanks = map[event.TaskState]int64{
	event.StateReceived: 1,
	event.StateStarted:  2,
	event.StateRetry:    3,
	event.StateSuccess:  4,
	event.StateFailure:  5,
	event.StateRevoked:  6,
}

// taskState maps a River job state to the lifecycle state it implies.
// ok=false means the state carries no new lifecycle information (e.g. a
// scheduled job that has not been picked up).
func taskState(s rivertype.JobState) (event.TaskState, bool) {
	switch s {
	case rivertype.JobStateAvailable, rivertype.JobStatePending, rivertype.JobStateScheduled:
		return event.StateReceived, true
	case rivertype.JobStateRunning:
		return event.StateStarted, true
	case rivertype.JobStateRetryable:
		return event.StateRetry, true
	case rivertype.JobStateCompleted:
		return event.StateSuccess, true
	case rivertype.JobStateDiscarded:
		return event.StateFailure, true
	case rivertype.JobStateCancelled:
		return event.StateRevoked, true
	default:
		return "", false
	}
}

// lineage carries the optional task-graph keys a pipeline can attach to a
// job's metadata to surface parent/group structure to the monitor.
type lineage struct {
	ParentID string `json:"parent_id"`
	RootID   string `json:"root_id"`
	GroupID  string `json:"group_id"`
	ChordID  string `json:"chord_id"`
	TraceID  string `json:"trace_id"`
}

// convertJob builds the task event implied by a job row's current state.
// ok=false means the row implies no event.
func convertJob(job *rivertype.JobRow, source string) (event.TaskEvent, bool) {
	state, ok := taskState(job.State)
	if !ok {
		return event.TaskEvent{}, false
	}

	var lin lineage
	if len(job.Metadata) > 0 {
		// Lineage keys are optional; malformed metadata just means a flat
		// graph, not a failed conversion.
		_ = json.Unmarshal(job.Metadata, &lin)
	}

	retries := job.Attempt - 1
	if retries < 0 {
		retries = 0
	}

	evt := event.TaskEvent{
		TaskID:    strconv.FormatInt(job.ID, 10),
		Name:      job.Kind,
		State:     state,
		Timestamp: jobTimestamp(job),
		Source:    source,
		Sequence:  jobSequence(job.Attempt, state),
		ParentID:  lin.ParentID,
		RootID:    lin.RootID,
		GroupID:   lin.GroupID,
		ChordID:   lin.ChordID,
		TraceID:   lin.TraceID,
		Retries:   retries,
	}

	if state.IsTerminal() && len(job.EncodedArgs) > 0 {
		evt.Payload = json.RawMessage(job.EncodedArgs)
	}
	return evt, true
}

// convertJobEvents returns the events implied by a job row's current state.
// A state observed mid-lifecycle is preceded by the RECEIVED event of the
// same attempt, so a fast job whose enqueue was never observed still merges
// as a valid lifecycle; redundant RECEIVED events dedupe on their sequence.
func convertJobEvents(job *rivertype.JobRow, source string) []event.TaskEvent {
	evt, ok := convertJob(job, source)
	if !ok {
		return nil
	}
	if evt.State == event.StateReceived {
		return []event.TaskEvent{evt}
	}
	rec := evt
	rec.State = event.StateReceived
	rec.Sequence = jobSequence(job.Attempt, event.StateReceived)
	rec.Payload = nil
	return []event.TaskEvent{rec, evt}
}

// jobSequence derives a per-job monotonic sequence from the attempt number
// and the state's rank within an attempt. Being derived rather than
// counted, it survives observer restarts, so replays dedupe instead of
// reapplying.
func jobSequence(attempt int, state event.TaskState) int64 {
	a := int64(attempt)
	if a < 1 {
		a = 1
	}
	return (a-1)*int64(len(stateRanks)+1) + stateRanks[state]
}

// jobTimestamp picks the most recent lifecycle timestamp on the row.
func jobTimestamp(job *rivertype.JobRow) time.Time {
	ts := job.CreatedAt
	if job.AttemptedAt != nil && job.AttemptedAt.After(ts) {
		ts = *job.AttemptedAt
	}
	if job.FinalizedAt != nil && job.FinalizedAt.After(ts) {
		ts = *job.FinalizedAt
	}
	return ts
}

package graph

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/iansokolskyi/celery-flow/event"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// makeEvent is a test helper that creates an event with sensible defaults.
func makeEvent(taskID string, seq int64, state event.TaskState) event.TaskEvent {
	return event.TaskEvent{
		TaskID:    taskID,
		Name:      "app.tasks." + taskID,
		State:     state,
		Timestamp: t0.Add(time.Duration(seq) * time.Second),
		Source:    "worker-1",
		Sequence:  seq,
	}
}

func mustApply(t *testing.T, g *Graph, e event.TaskEvent) Diff {
	t.Helper()
	diff, outcome := g.Upsert(e)
	if outcome != OutcomeApplied {
		t.Fatalf("Upsert(%s seq=%d %s) outcome = %s, want applied", e.TaskID, e.Sequence, e.State, outcome)
	}
	return diff
}

func TestUpsert_MergeOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		before []event.TaskEvent
		event  event.TaskEvent
		want   Outcome
	}{
		{
			name:  "first event applied",
			event: makeEvent("t1", 1, event.StateReceived),
			want:  OutcomeApplied,
		},
		{
			name: "progressing event applied",
			before: []event.TaskEvent{
				makeEvent("t1", 1, event.StateReceived),
			},
			event: makeEvent("t1", 2, event.StateStarted),
			want:  OutcomeApplied,
		},
		{
			name: "same sequence is a duplicate",
			before: []event.TaskEvent{
				makeEvent("t1", 1, event.StateReceived),
			},
			event: makeEvent("t1", 1, event.StateStarted),
			want:  OutcomeDuplicate,
		},
		{
			name: "lower sequence is a duplicate",
			before: []event.TaskEvent{
				makeEvent("t1", 1, event.StateReceived),
				makeEvent("t1", 3, event.StateStarted),
			},
			event: makeEvent("t1", 2, event.StateReceived),
			want:  OutcomeDuplicate,
		},
		{
			name:  "terminal result directly after pending is invalid",
			event: makeEvent("t1", 1, event.StateSuccess),
			want:  OutcomeInvalidTransition,
		},
		{
			name: "success after failure is invalid",
			before: []event.TaskEvent{
				makeEvent("t1", 1, event.StateStarted),
				makeEvent("t1", 2, event.StateFailure),
			},
			event: makeEvent("t1", 3, event.StateSuccess),
			want:  OutcomeInvalidTransition,
		},
		{
			name: "unknown state is invalid",
			before: []event.TaskEvent{
				makeEvent("t1", 1, event.StateReceived),
			},
			event: makeEvent("t1", 2, event.TaskState("BOGUS")),
			want:  OutcomeInvalidTransition,
		},
		{
			name: "retry after failure applied",
			before: []event.TaskEvent{
				makeEvent("t1", 1, event.StateStarted),
				makeEvent("t1", 2, event.StateFailure),
			},
			event: makeEvent("t1", 3, event.StateRetry),
			want:  OutcomeApplied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(Options{})
			for _, e := range tt.before {
				mustApply(t, g, e)
			}

			_, outcome := g.Upsert(tt.event)
			if outcome != tt.want {
				t.Errorf("outcome = %s, want %s", outcome, tt.want)
			}
		})
	}
}

func TestUpsert_RejectionLeavesNodeUnchanged(t *testing.T) {
	g := New(Options{})
	mustApply(t, g, makeEvent("t1", 1, event.StateReceived))
	before, _ := g.Get("t1")

	if _, outcome := g.Upsert(makeEvent("t1", 2, event.TaskState("BOGUS"))); outcome != OutcomeInvalidTransition {
		t.Fatalf("outcome = %s, want invalid_transition", outcome)
	}

	after, _ := g.Get("t1")
	if after.State != before.State || after.UpdatedAt != before.UpdatedAt {
		t.Errorf("node mutated by rejected event: %+v -> %+v", before, after)
	}
	if after.LastSeq["worker-1"] != 1 {
		t.Errorf("LastSeq = %d, want 1 (rejected event must not advance it)", after.LastSeq["worker-1"])
	}
}

func TestUpsert_DuplicateReplayNoChange(t *testing.T) {
	g := New(Options{})
	e := makeEvent("t1", 1, event.StateReceived)
	mustApply(t, g, e)
	before, _ := g.Get("t1")

	_, outcome := g.Upsert(e)
	if outcome != OutcomeDuplicate {
		t.Fatalf("replay outcome = %s, want duplicate", outcome)
	}

	after, _ := g.Get("t1")
	if after.State != before.State || after.UpdatedAt != before.UpdatedAt || after.Retries != before.Retries {
		t.Errorf("node changed by duplicate replay: %+v -> %+v", before, after)
	}
}

func TestUpsert_RetrySemantics(t *testing.T) {
	g := New(Options{})
	mustApply(t, g, makeEvent("t1", 1, event.StateStarted))
	mustApply(t, g, makeEvent("t1", 2, event.StateRetry))

	snap, _ := g.Get("t1")
	if snap.State != event.StatePending {
		t.Errorf("state after retry = %s, want PENDING", snap.State)
	}
	if snap.Retries != 1 {
		t.Errorf("retries = %d, want 1", snap.Retries)
	}

	// The next attempt runs and succeeds.
	mustApply(t, g, makeEvent("t1", 3, event.StateStarted))
	mustApply(t, g, makeEvent("t1", 4, event.StateSuccess))

	snap, _ = g.Get("t1")
	if snap.State != event.StateSuccess {
		t.Errorf("final state = %s, want SUCCESS", snap.State)
	}
	if snap.Retries != 1 {
		t.Errorf("retries = %d, want 1", snap.Retries)
	}
}

func TestUpsert_ResultOnlyOnTerminal(t *testing.T) {
	g := New(Options{})

	e := makeEvent("t1", 1, event.StateStarted)
	e.Payload = json.RawMessage(`{"args":[1,2]}`)
	mustApply(t, g, e)

	snap, _ := g.Get("t1")
	if snap.Result != nil {
		t.Errorf("result set by non-terminal event: %s", snap.Result)
	}

	e = makeEvent("t1", 2, event.StateSuccess)
	e.Payload = json.RawMessage(`{"result":3}`)
	mustApply(t, g, e)

	snap, _ = g.Get("t1")
	if string(snap.Result) != `{"result":3}` {
		t.Errorf("result = %s, want {\"result\":3}", snap.Result)
	}
}

func TestUpsert_SequencesPerSource(t *testing.T) {
	g := New(Options{})

	a := makeEvent("t1", 5, event.StateReceived)
	a.Source = "worker-a"
	mustApply(t, g, a)

	// A different source starts its own sequence space.
	b := makeEvent("t1", 1, event.StateStarted)
	b.Source = "worker-b"
	if _, outcome := g.Upsert(b); outcome != OutcomeApplied {
		t.Errorf("outcome for new source = %s, want applied", outcome)
	}

	snap, _ := g.Get("t1")
	if snap.LastSeq["worker-a"] != 5 || snap.LastSeq["worker-b"] != 1 {
		t.Errorf("LastSeq = %v, want worker-a:5 worker-b:1", snap.LastSeq)
	}
}

func TestUpsert_OrderIndependentMerge(t *testing.T) {
	// Events with strictly increasing sequences must converge to the same
	// final state whatever the delivery order, thanks to the sequence
	// guard discarding late-arriving lower sequences.
	events := []event.TaskEvent{
		makeEvent("t1", 1, event.StateReceived),
		makeEvent("t1", 2, event.StateStarted),
		makeEvent("t1", 3, event.StateSuccess),
	}

	// Orders delivering SUCCESS first are deliberately absent: the default
	// table rejects PENDING->terminal, and a rejected event is discarded
	// rather than buffered, so those orders converge to STARTED instead.
	orders := [][]int{
		{0, 1, 2},
		{1, 0, 2}, // STARTED before RECEIVED
		{1, 2, 0},
	}

	for _, order := range orders {
		g := New(Options{})
		for _, i := range order {
			g.Upsert(events[i])
		}
		snap, ok := g.Get("t1")
		if !ok {
			t.Fatal("node missing after merge")
		}
		if snap.State != event.StateSuccess {
			t.Errorf("order %v: final state = %s, want SUCCESS", order, snap.State)
		}
		if snap.LastSeq["worker-1"] != 3 {
			t.Errorf("order %v: LastSeq = %d, want 3", order, snap.LastSeq["worker-1"])
		}
	}
}

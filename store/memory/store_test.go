package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iansokolskyi/celery-flow/event"
	"github.com/iansokolskyi/celery-flow/graph"
	"github.com/iansokolskyi/celery-flow/query"
	"github.com/iansokolskyi/celery-flow/store"
)

func makeSnapshot(taskID string, state event.TaskState, seq int64) graph.Snapshot {
	return graph.Snapshot{
		TaskID:    taskID,
		Name:      "app.tasks." + taskID,
		State:     state,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
		LastSeq:   map[string]int64{"worker-1": seq},
	}
}

func TestGetUpsert(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
	}

	snap := makeSnapshot("t1", event.StateStarted, 2)
	if err := s.Upsert(ctx, snap); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != event.StateStarted || got.LastSeq["worker-1"] != 2 {
		t.Errorf("Get = %+v, want stored snapshot", got)
	}
}

func TestUpsert_IgnoresStaleWrites(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.Upsert(ctx, makeSnapshot("t1", event.StateSuccess, 3)); err != nil {
		t.Fatal(err)
	}
	// A replayed persistence of an older snapshot must not roll state back.
	if err := s.Upsert(ctx, makeSnapshot("t1", event.StateStarted, 2)); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, "t1")
	if got.State != event.StateSuccess {
		t.Errorf("state = %s, want SUCCESS (stale write must be ignored)", got.State)
	}

	// A snapshot that progressed on a second source is not stale.
	moved := makeSnapshot("t1", event.StateSuccess, 3)
	moved.LastSeq["worker-2"] = 1
	moved.Retries = 1
	if err := s.Upsert(ctx, moved); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, "t1")
	if got.Retries != 1 {
		t.Error("write that progressed on a new source was dropped")
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i, id := range []string{"t1", "t2", "t3"} {
		state := event.StateStarted
		if i == 2 {
			state = event.StateSuccess
		}
		if err := s.Upsert(ctx, makeSnapshot(id, state, 1)); err != nil {
			t.Fatal(err)
		}
	}

	snaps, total, err := s.List(ctx, query.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(snaps) != 3 {
		t.Fatalf("List = %d/%d, want 3/3", len(snaps), total)
	}
	if snaps[0].TaskID != "t1" || snaps[2].TaskID != "t3" {
		t.Errorf("order = [%s .. %s], want first-upsert order", snaps[0].TaskID, snaps[2].TaskID)
	}

	snaps, total, err = s.List(ctx, query.Filter{State: event.StateStarted, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(snaps) != 1 || snaps[0].TaskID != "t2" {
		t.Errorf("filtered page = %+v total=%d, want [t2]/2", snaps, total)
	}
}

func TestCountTasks(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Upsert(ctx, makeSnapshot("t1", event.StateStarted, 1))
	s.Upsert(ctx, makeSnapshot("t2", event.StateSuccess, 1))

	n, err := s.CountTasks(ctx, query.Filter{State: event.StateSuccess})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountTasks = %d, want 1", n)
	}
}

func TestChildren(t *testing.T) {
	ctx := context.Background()
	s := New()

	parent := makeSnapshot("p", event.StateStarted, 1)
	s.Upsert(ctx, parent)
	for _, id := range []string{"c1", "c2"} {
		snap := makeSnapshot(id, event.StateStarted, 1)
		snap.ParentID = "p"
		s.Upsert(ctx, snap)
	}

	snaps, err := s.Children(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 || snaps[0].TaskID != "c1" || snaps[1].TaskID != "c2" {
		t.Errorf("Children = %+v, want [c1 c2]", snaps)
	}

	snaps, err = s.Children(ctx, "childless")
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 0 {
		t.Errorf("Children(childless) = %+v, want empty", snaps)
	}
}

func TestQueryByTrace(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i, id := range []string{"t1", "t2", "t3"} {
		snap := makeSnapshot(id, event.StateStarted, 1)
		if i != 1 {
			snap.TraceID = "trace-a"
		}
		s.Upsert(ctx, snap)
	}

	ids, err := s.QueryByTrace(ctx, "trace-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "t1" || ids[1] != "t3" {
		t.Errorf("QueryByTrace = %v, want [t1 t3]", ids)
	}
}

func TestZeroValueUsable(t *testing.T) {
	var s Store
	if err := s.Upsert(context.Background(), makeSnapshot("t1", event.StateStarted, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(context.Background(), "t1"); err != nil {
		t.Errorf("Get after zero-value Upsert: %v", err)
	}
}

//go:build integration

package pgstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/iansokolskyi/celery-flow/event"
	"github.com/iansokolskyi/celery-flow/graph"
	"github.com/iansokolskyi/celery-flow/query"
	"github.com/iansokolskyi/celery-flow/store"
	"github.com/iansokolskyi/celery-flow/store/pgstore"
)

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("celery_flow_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("failed to create pool: %v", err)
	}

	if err := pgstore.Migrate(ctx, pool); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("failed to migrate: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}

	return pool, cleanup
}

func makeSnapshot(taskID string, state event.TaskState, seq int64) graph.Snapshot {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return graph.Snapshot{
		TaskID:    taskID,
		Name:      "app.tasks." + taskID,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
		LastSeq:   map[string]int64{"worker-1": seq},
	}
}

func TestStore_GetUpsert(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	s := pgstore.New(pool)
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	snap := makeSnapshot("t1", event.StateSuccess, 3)
	snap.Result = json.RawMessage(`{"result":42}`)
	snap.TraceID = "trace-a"
	if err := s.Upsert(ctx, snap); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != event.StateSuccess {
		t.Errorf("state = %s, want SUCCESS", got.State)
	}
	if got.LastSeq["worker-1"] != 3 {
		t.Errorf("LastSeq = %v, want worker-1:3", got.LastSeq)
	}
	if string(got.Result) != `{"result":42}` {
		t.Errorf("result = %s, want {\"result\":42}", got.Result)
	}
	if !got.UpdatedAt.Equal(snap.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, snap.UpdatedAt)
	}
}

func TestStore_UpsertIgnoresStaleWrites(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	s := pgstore.New(pool)
	ctx := context.Background()

	if err := s.Upsert(ctx, makeSnapshot("t1", event.StateSuccess, 3)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := s.Upsert(ctx, makeSnapshot("t1", event.StateStarted, 2)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != event.StateSuccess {
		t.Errorf("state = %s, want SUCCESS (stale write must be ignored)", got.State)
	}

	// Progress on a second source is not stale.
	moved := makeSnapshot("t1", event.StateSuccess, 3)
	moved.LastSeq["worker-2"] = 1
	moved.Retries = 2
	if err := s.Upsert(ctx, moved); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, _ = s.Get(ctx, "t1")
	if got.Retries != 2 {
		t.Error("write that progressed on a new source was dropped")
	}
}

func TestStore_GetIncludesChildren(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	s := pgstore.New(pool)
	ctx := context.Background()

	if err := s.Upsert(ctx, makeSnapshot("p", event.StateStarted, 1)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	for _, id := range []string{"c1", "c2"} {
		snap := makeSnapshot(id, event.StateStarted, 1)
		snap.ParentID = "p"
		if err := s.Upsert(ctx, snap); err != nil {
			t.Fatalf("Upsert(%s) error = %v", id, err)
		}
	}

	got, err := s.Get(ctx, "p")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Children) != 2 || got.Children[0] != "c1" || got.Children[1] != "c2" {
		t.Errorf("Children = %v, want [c1 c2]", got.Children)
	}

	snaps, err := s.Children(ctx, "p")
	if err != nil {
		t.Fatalf("Children() error = %v", err)
	}
	if len(snaps) != 2 || snaps[0].TaskID != "c1" {
		t.Errorf("Children() = %+v, want c1 first", snaps)
	}
}

func TestStore_ListAndCount(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	s := pgstore.New(pool)
	ctx := context.Background()

	states := []event.TaskState{event.StateStarted, event.StateStarted, event.StateFailure}
	for i, id := range []string{"t1", "t2", "t3"} {
		if err := s.Upsert(ctx, makeSnapshot(id, states[i], 1)); err != nil {
			t.Fatalf("Upsert(%s) error = %v", id, err)
		}
	}

	tests := []struct {
		name      string
		filter    query.Filter
		wantTotal int64
		wantIDs   []string
	}{
		{"no filter", query.Filter{}, 3, []string{"t1", "t2", "t3"}},
		{"state filter", query.Filter{State: event.StateFailure}, 1, []string{"t3"}},
		{"name filter", query.Filter{Name: "app.tasks.t2"}, 1, []string{"t2"}},
		{"paged", query.Filter{Limit: 1, Offset: 1}, 3, []string{"t2"}},
		{"no match", query.Filter{State: event.StateRevoked}, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snaps, total, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
			if len(snaps) != len(tt.wantIDs) {
				t.Fatalf("got %d snapshots, want %d", len(snaps), len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if snaps[i].TaskID != want {
					t.Errorf("snaps[%d] = %s, want %s", i, snaps[i].TaskID, want)
				}
			}

			n, err := s.CountTasks(ctx, tt.filter)
			if err != nil {
				t.Fatalf("CountTasks() error = %v", err)
			}
			if n != tt.wantTotal {
				t.Errorf("CountTasks() = %d, want %d", n, tt.wantTotal)
			}
		})
	}
}

func TestStore_QueryByTrace(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	s := pgstore.New(pool)
	ctx := context.Background()

	for i, id := range []string{"t1", "t2", "t3"} {
		snap := makeSnapshot(id, event.StateStarted, 1)
		if i != 1 {
			snap.TraceID = "trace-a"
		}
		if err := s.Upsert(ctx, snap); err != nil {
			t.Fatalf("Upsert(%s) error = %v", id, err)
		}
	}

	ids, err := s.QueryByTrace(ctx, "trace-a")
	if err != nil {
		t.Fatalf("QueryByTrace() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "t1" || ids[1] != "t3" {
		t.Errorf("QueryByTrace() = %v, want [t1 t3]", ids)
	}

	ids, err = s.QueryByTrace(ctx, "unknown")
	if err != nil {
		t.Fatalf("QueryByTrace() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("QueryByTrace(unknown) = %v, want empty", ids)
	}
}

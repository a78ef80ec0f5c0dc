// Package memory provides an in-memory implementation of store.Repository.
// This implementation is suitable for testing and for deployments that do
// not need durability.
package memory

import (
	"context"
	"sync"

	"github.com/iansokolskyi/celery-flow/graph"
	"github.com/iansokolskyi/celery-flow/query"
	"github.com/iansokolskyi/celery-flow/store"
)

// Store is a thread-safe in-memory implementation of store.Repository.
// The zero value is ready for use.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]graph.Snapshot
	order []string // task ids in first-upsert order
}

// New creates a new in-memory repository.
func New() *Store {
	return &Store{tasks: make(map[string]graph.Snapshot)}
}

// Get returns the stored snapshot for a task.
func (s *Store) Get(ctx context.Context, taskID string) (graph.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.tasks[taskID]
	if !ok {
		return graph.Snapshot{}, store.ErrNotFound
	}
	return snap, nil
}

// Upsert stores a snapshot. Stale writes — snapshots whose applied
// sequences are all at or below the stored ones — are ignored so replayed
// persistence never rolls state back.
func (s *Store) Upsert(ctx context.Context, snap graph.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tasks == nil {
		s.tasks = make(map[string]graph.Snapshot)
	}

	prev, ok := s.tasks[snap.TaskID]
	if ok && !newer(snap, prev) {
		return nil
	}
	if !ok {
		s.order = append(s.order, snap.TaskID)
	}
	s.tasks[snap.TaskID] = snap
	return nil
}

// newer reports whether a has progressed past b on any event source.
func newer(a, b graph.Snapshot) bool {
	for src, seq := range a.LastSeq {
		if seq > b.LastSeq[src] {
			return true
		}
	}
	return false
}

// List returns a page of snapshots matching the filter plus the total
// match count, in first-upsert order.
func (s *Store) List(ctx context.Context, filter query.Filter) ([]graph.Snapshot, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]graph.Snapshot, 0, len(s.order))
	for _, id := range s.order {
		snap := s.tasks[id]
		if filter.Matches(snap.State, snap.Name) {
			matched = append(matched, snap)
		}
	}

	total := int64(len(matched))
	lo, hi := filter.Page(len(matched))
	return matched[lo:hi], total, nil
}

// CountTasks implements query.TaskCounter.
func (s *Store) CountTasks(ctx context.Context, filter query.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, snap := range s.tasks {
		if filter.Matches(snap.State, snap.Name) {
			total++
		}
	}
	return total, nil
}

// Children returns snapshots of the tasks spawned by parentID, in
// first-upsert order.
func (s *Store) Children(ctx context.Context, parentID string) ([]graph.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snaps []graph.Snapshot
	for _, id := range s.order {
		if snap := s.tasks[id]; snap.ParentID == parentID {
			snaps = append(snaps, snap)
		}
	}
	if snaps == nil {
		snaps = []graph.Snapshot{}
	}
	return snaps, nil
}

// QueryByTrace implements query.TraceQuerier: task ids carrying the trace
// id, in first-upsert order.
func (s *Store) QueryByTrace(ctx context.Context, traceID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := []string{}
	for _, id := range s.order {
		if s.tasks[id].TraceID == traceID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

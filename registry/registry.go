// Package registry maintains a derived index of known task names with
// usage counts, backing search and autocomplete. It is rebuilt from the
// same deduplicated event stream as the graph and is never a separate
// source of truth.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one known task name with its usage statistics.
type Entry struct {
	// Name is the registered task name.
	Name string `json:"name"`

	// Count is the number of known task instances with this name.
	Count int64 `json:"count"`

	// LastSeen is the timestamp of the most recent applied event carrying
	// this name.
	LastSeen time.Time `json:"last_seen"`
}

// Registry is a thread-safe index of task names. The zero value is ready
// for use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Record notes one task instance of the given name. Callers drive it once
// per materialized instance, never per event, which keeps Count an
// instance count under replay and later lifecycle events. Empty names are
// ignored.
func (r *Registry) Record(name string, seen time.Time) {
	if name == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries == nil {
		r.entries = make(map[string]*Entry)
	}
	e, ok := r.entries[name]
	if !ok {
		e = &Entry{Name: name}
		r.entries[name] = e
	}
	e.Count++
	if seen.After(e.LastSeen) {
		e.LastSeen = seen
	}
}

// Touch refreshes the last-seen timestamp of an already-recorded name
// without counting a new instance. Unknown and empty names are ignored.
func (r *Registry) Touch(name string, seen time.Time) {
	if name == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok && seen.After(e.LastSeen) {
		e.LastSeen = seen
	}
}

// Search returns entries whose name contains the query, case-insensitively,
// ordered by descending usage count and then by name. An empty query
// returns all entries in the same order.
func (r *Registry) Search(q string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q = strings.ToLower(q)
	matches := make([]Entry, 0, len(r.entries))
	for name, e := range r.entries {
		if q == "" || strings.Contains(strings.ToLower(name), q) {
			matches = append(matches, *e)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Count != matches[j].Count {
			return matches[i].Count > matches[j].Count
		}
		return matches[i].Name < matches[j].Name
	})
	return matches
}

// Names returns all known task names ordered by descending usage count and
// then by name.
func (r *Registry) Names() []string {
	entries := r.Search("")
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// Len returns the number of distinct known task names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

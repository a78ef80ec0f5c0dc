package registry

import (
	"testing"
	"time"
)

func TestRecordAndSearch(t *testing.T) {
	r := New()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	r.Record("app.tasks.add", t0)
	r.Record("app.tasks.add", t0.Add(time.Minute))
	r.Record("app.tasks.mul", t0)
	r.Record("billing.charge", t0)
	r.Record("", t0) // ignored

	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}

	all := r.Search("")
	if len(all) != 3 {
		t.Fatalf("Search(\"\") = %d entries, want 3", len(all))
	}
	if all[0].Name != "app.tasks.add" || all[0].Count != 2 {
		t.Errorf("top entry = %s/%d, want app.tasks.add/2", all[0].Name, all[0].Count)
	}
	if !all[0].LastSeen.Equal(t0.Add(time.Minute)) {
		t.Errorf("LastSeen = %v, want %v", all[0].LastSeen, t0.Add(time.Minute))
	}
	// Ties break by name.
	if all[1].Name != "app.tasks.mul" || all[2].Name != "billing.charge" {
		t.Errorf("tie order = [%s %s], want [app.tasks.mul billing.charge]", all[1].Name, all[2].Name)
	}
}

func TestTouch(t *testing.T) {
	r := New()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	r.Record("app.tasks.add", t0)
	r.Touch("app.tasks.add", t0.Add(time.Minute))
	r.Touch("app.tasks.add", t0) // older, ignored
	r.Touch("app.tasks.unknown", t0)
	r.Touch("", t0)

	entries := r.Search("add")
	if len(entries) != 1 {
		t.Fatalf("Search(add) = %d entries, want 1", len(entries))
	}
	if entries[0].Count != 1 {
		t.Errorf("Count = %d, want 1 (touch never counts)", entries[0].Count)
	}
	if !entries[0].LastSeen.Equal(t0.Add(time.Minute)) {
		t.Errorf("LastSeen = %v, want %v", entries[0].LastSeen, t0.Add(time.Minute))
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1 (touch never registers unknown names)", r.Len())
	}
}

func TestSearch_CaseInsensitiveSubstring(t *testing.T) {
	r := New()
	now := time.Now()
	r.Record("app.tasks.Add", now)
	r.Record("billing.charge", now)

	tests := []struct {
		query string
		want  int
	}{
		{"ADD", 1},
		{"tasks", 1},
		{".", 2},
		{"refund", 0},
	}
	for _, tt := range tests {
		if got := len(r.Search(tt.query)); got != tt.want {
			t.Errorf("Search(%q) = %d entries, want %d", tt.query, got, tt.want)
		}
	}
}

func TestNames(t *testing.T) {
	r := New()
	now := time.Now()
	r.Record("b", now)
	r.Record("a", now)
	r.Record("a", now)

	names := r.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names = %v, want [a b]", names)
	}
}

func TestZeroValueUsable(t *testing.T) {
	var r Registry
	r.Record("app.tasks.add", time.Now())
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

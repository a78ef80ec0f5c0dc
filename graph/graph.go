// Package graph maintains the in-memory task dependency graph: one node per
// task instance, parent/child and group-membership edges, and the merge
// logic that folds lifecycle events into nodes idempotently.
//
// The graph is built incrementally from a possibly unordered, duplicated
// stream. Forward references (a child observed before its parent) create
// placeholder nodes immediately, so every edge endpoint always exists.
// Structural invariants (parent immutability, acyclicity) take priority
// over accepting every event.
package graph

import (
	"sort"
	"sync"

	"github.com/iansokolskyi/celery-flow/event"
	"github.com/iansokolskyi/celery-flow/query"
)

// DefaultMaxNodes is the node ceiling above which eviction of old terminal
// subtrees kicks in.
const DefaultMaxNodes = 10000

// EdgeKind classifies a graph edge.
type EdgeKind string

const (
	// EdgeParent links a parent task to a task it spawned.
	EdgeParent EdgeKind = "parent"

	// EdgeGroup links a sibling group to one of its members.
	EdgeGroup EdgeKind = "group"

	// EdgeChord links a chord to one of its members.
	EdgeChord EdgeKind = "chord"
)

// Edge describes one adjacency added by an upsert.
type Edge struct {
	Kind EdgeKind `json:"kind"`
	From string   `json:"from"` // parent task id, group id, or chord id
	To   string   `json:"to"`   // member task id
}

// Diff describes the observable change produced by one upsert, in the shape
// pushed to subscribers.
type Diff struct {
	TaskID string          `json:"task_id"`
	Before event.TaskState `json:"before_state"`
	After  event.TaskState `json:"after_state"`

	// Created reports that this event materialized the task instance:
	// before it the node was unknown or a bare placeholder. It is true at
	// most once per instance, which lets consumers count instances.
	Created bool `json:"created,omitempty"`

	EdgesAdded []Edge `json:"edges_added,omitempty"`
}

// Tree is a task node with its full descendant structure, as returned by
// Subtree.
type Tree struct {
	Node     Snapshot `json:"node"`
	Children []Tree   `json:"children,omitempty"`
}

// Options configures a Graph. The zero value selects defaults.
type Options struct {
	// Transitions overrides the lifecycle transition table.
	// Nil selects event.DefaultTransitions().
	Transitions event.Transitions

	// MaxNodes is the retention ceiling. Zero selects DefaultMaxNodes;
	// negative disables eviction.
	MaxNodes int
}

// Graph owns the set of task nodes and the edges between them. It has a
// single logical writer (the ingestion engine); read queries may run
// concurrently with ingestion and observe consistent copy-on-read
// snapshots, never a half-updated node.
type Graph struct {
	mu          sync.RWMutex
	transitions event.Transitions
	maxNodes    int

	nodes    map[string]*node
	children map[string][]string // parent id -> child ids, first-observed order
	members  map[string][]string // group id -> member ids, first-observed order
	chords   map[string][]string // chord id -> member ids, first-observed order
	roots    map[string]struct{}

	nextOrd   int64
	anomalies uint64
	evicted   uint64
}

// New creates an empty graph.
func New(opts Options) *Graph {
	table := opts.Transitions
	if table == nil {
		table = event.DefaultTransitions()
	}
	maxNodes := opts.MaxNodes
	if maxNodes == 0 {
		maxNodes = DefaultMaxNodes
	}
	return &Graph{
		transitions: table,
		maxNodes:    maxNodes,
		nodes:       make(map[string]*node),
		children:    make(map[string][]string),
		members:     make(map[string][]string),
		chords:      make(map[string][]string),
		roots:       make(map[string]struct{}),
	}
}

// Upsert folds one event into the graph: it locates or creates the node
// (creating placeholder parent/group nodes as needed), applies the merge,
// and maintains adjacency and the root set. The returned diff describes the
// change for downstream notification.
//
// Rejected events (duplicate, invalid transition, structural anomaly) leave
// the graph untouched apart from placeholder creation for referenced ids.
func (g *Graph) Upsert(e event.TaskEvent) (Diff, Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.ensure(e.TaskID, e)
	diff := Diff{TaskID: e.TaskID, Before: n.state, After: n.state}

	if out := n.check(e, g.transitions); out != OutcomeApplied {
		if out == OutcomeInvalidTransition {
			g.anomalies++
		}
		return diff, out
	}

	// Structural invariants are checked before any mutation so a rejected
	// event cannot leave a torn node behind.
	if e.ParentID != "" {
		if n.parentID != "" && n.parentID != e.ParentID {
			g.anomalies++
			return diff, OutcomeStructuralAnomaly
		}
		if n.parentID == "" && g.wouldCycle(e.TaskID, e.ParentID) {
			g.anomalies++
			return diff, OutcomeStructuralAnomaly
		}
	}

	// commit clears the placeholder flag, so capture it first: a node
	// still in placeholder state is materialized by this event.
	diff.Created = n.placeholder
	n.commit(e)
	diff.After = n.state

	if e.ParentID != "" && n.parentID == "" {
		g.ensure(e.ParentID, e)
		n.parentID = e.ParentID
		g.children[e.ParentID] = append(g.children[e.ParentID], e.TaskID)
		delete(g.roots, e.TaskID)
		diff.EdgesAdded = append(diff.EdgesAdded, Edge{Kind: EdgeParent, From: e.ParentID, To: e.TaskID})
	}
	if e.GroupID != "" && n.groupID == "" {
		n.groupID = e.GroupID
		g.members[e.GroupID] = append(g.members[e.GroupID], e.TaskID)
		diff.EdgesAdded = append(diff.EdgesAdded, Edge{Kind: EdgeGroup, From: e.GroupID, To: e.TaskID})
	}
	if e.ChordID != "" && n.chordID == "" {
		n.chordID = e.ChordID
		g.chords[e.ChordID] = append(g.chords[e.ChordID], e.TaskID)
		diff.EdgesAdded = append(diff.EdgesAdded, Edge{Kind: EdgeChord, From: e.ChordID, To: e.TaskID})
	}

	if g.maxNodes > 0 && len(g.nodes) > g.maxNodes {
		g.evictLocked()
	}

	return diff, OutcomeApplied
}

// ensure returns the node for taskID, creating a placeholder (and root
// entry) on first reference. diff.Created is reported through the caller
// noticing the node was still a placeholder; ensure itself stays cheap.
func (g *Graph) ensure(taskID string, e event.TaskEvent) *node {
	if n, ok := g.nodes[taskID]; ok {
		return n
	}
	g.nextOrd++
	n := newPlaceholder(taskID, e.Timestamp, g.nextOrd)
	g.nodes[taskID] = n
	g.roots[taskID] = struct{}{}
	return n
}

// wouldCycle reports whether linking child under parent would make child
// its own transitive ancestor. Every node on the ancestor path exists by
// the placeholder invariant, so the walk always terminates.
func (g *Graph) wouldCycle(child, parent string) bool {
	for id := parent; id != ""; {
		if id == child {
			return true
		}
		n, ok := g.nodes[id]
		if !ok {
			return false
		}
		id = n.parentID
	}
	return false
}

// Get returns a snapshot of the node, or ok=false if the task is unknown.
func (g *Graph) Get(taskID string) (Snapshot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[taskID]
	if !ok {
		return Snapshot{}, false
	}
	return n.snapshot(g.children[taskID]), true
}

// Children returns snapshots of the tasks spawned by taskID, in
// first-observed order. Unknown ids yield an empty slice, never an error.
func (g *Graph) Children(taskID string) []Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshotIDs(g.children[taskID])
}

// Members returns snapshots of the tasks belonging to a sibling group, in
// first-observed order.
func (g *Graph) Members(groupID string) []Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshotIDs(g.members[groupID])
}

// ChordMembers returns snapshots of the tasks belonging to a chord, in
// first-observed order.
func (g *Graph) ChordMembers(chordID string) []Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshotIDs(g.chords[chordID])
}

// snapshotIDs copies the nodes for ids. Caller must hold at least a read
// lock.
func (g *Graph) snapshotIDs(ids []string) []Snapshot {
	snaps := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			snaps = append(snaps, n.snapshot(g.children[id]))
		}
	}
	return snaps
}

// Roots returns a page of root nodes (tasks with no parent) in creation
// order, plus the total root count. The root set is maintained
// incrementally; no full scan happens here beyond sorting the set.
func (g *Graph) Roots(limit, offset int) ([]Snapshot, int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := g.sortedRootsLocked()
	total := len(ids)
	lo, hi := query.Filter{Limit: limit, Offset: offset}.Page(total)
	return g.snapshotIDs(ids[lo:hi]), total
}

// List returns a page of task snapshots matching the filter, in creation
// order, plus the total match count. The page observes a single consistent
// point in time.
func (g *Graph) List(f query.Filter) ([]Snapshot, int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	matched := make([]*node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if f.Matches(n.state, n.name) {
			matched = append(matched, n)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ord < matched[j].ord })

	total := len(matched)
	lo, hi := f.Page(total)
	snaps := make([]Snapshot, 0, hi-lo)
	for _, n := range matched[lo:hi] {
		snaps = append(snaps, n.snapshot(g.children[n.taskID]))
	}
	return snaps, total
}

// Subtree returns the node and its full descendant structure, or ok=false
// for an unknown id. Acyclicity is an upsert invariant, so the recursion
// terminates.
func (g *Graph) Subtree(taskID string) (Tree, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[taskID]; !ok {
		return Tree{}, false
	}
	return g.subtreeLocked(taskID), true
}

func (g *Graph) subtreeLocked(taskID string) Tree {
	n := g.nodes[taskID]
	t := Tree{Node: n.snapshot(g.children[taskID])}
	for _, childID := range g.children[taskID] {
		if _, ok := g.nodes[childID]; ok {
			t.Children = append(t.Children, g.subtreeLocked(childID))
		}
	}
	return t
}

// Len returns the number of nodes, placeholders included.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Anomalies returns the count of rejected events (invalid transitions and
// structural anomalies) since creation, for health reporting.
func (g *Graph) Anomalies() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.anomalies
}

// Evicted returns the count of nodes removed by retention.
func (g *Graph) Evicted() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.evicted
}

// Restore seeds the graph from repository snapshots, typically after a
// restart or a full resync. Only unknown task ids are inserted: live
// in-memory state is authoritative over whatever the repository holds.
// It returns the snapshots that were actually inserted.
func (g *Graph) Restore(snaps []Snapshot) []Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	var inserted []Snapshot
	for _, s := range snaps {
		if _, ok := g.nodes[s.TaskID]; ok {
			continue
		}
		inserted = append(inserted, s)
		g.nextOrd++
		n := &node{
			taskID:      s.TaskID,
			name:        s.Name,
			state:       s.State,
			retries:     s.Retries,
			createdAt:   s.CreatedAt,
			updatedAt:   s.UpdatedAt,
			parentID:    s.ParentID,
			rootID:      s.RootID,
			groupID:     s.GroupID,
			chordID:     s.ChordID,
			traceID:     s.TraceID,
			placeholder: s.Placeholder,
			lastSeq:     make(map[string]int64, len(s.LastSeq)),
			ord:         g.nextOrd,
		}
		if len(s.Result) > 0 {
			n.result = append([]byte(nil), s.Result...)
		}
		for src, seq := range s.LastSeq {
			n.lastSeq[src] = seq
		}
		g.nodes[s.TaskID] = n

		if s.ParentID == "" {
			g.roots[s.TaskID] = struct{}{}
		} else {
			g.children[s.ParentID] = appendUnique(g.children[s.ParentID], s.TaskID)
		}
		if s.GroupID != "" {
			g.members[s.GroupID] = appendUnique(g.members[s.GroupID], s.TaskID)
		}
		if s.ChordID != "" {
			g.chords[s.ChordID] = appendUnique(g.chords[s.ChordID], s.TaskID)
		}
	}

	// Restored parents may themselves be unknown; give every referenced
	// parent a placeholder so edges never dangle.
	for _, s := range snaps {
		if s.ParentID == "" {
			continue
		}
		if _, ok := g.nodes[s.ParentID]; !ok {
			g.nextOrd++
			g.nodes[s.ParentID] = newPlaceholder(s.ParentID, s.CreatedAt, g.nextOrd)
			g.roots[s.ParentID] = struct{}{}
		}
	}
	return inserted
}

// sortedRootsLocked returns root ids in creation order. Caller must hold at
// least a read lock.
func (g *Graph) sortedRootsLocked() []string {
	ids := make([]string, 0, len(g.roots))
	for id := range g.roots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return g.nodes[ids[i]].ord < g.nodes[ids[j]].ord })
	return ids
}

// evictLocked removes the oldest fully-terminal root subtrees until the
// node count is back under the ceiling. A subtree containing any
// non-terminal or placeholder node is never touched, so an ancestor of a
// live task always survives. Caller must hold the write lock.
func (g *Graph) evictLocked() {
	for _, rootID := range g.sortedRootsLocked() {
		if len(g.nodes) <= g.maxNodes {
			return
		}
		subtree := g.collectSubtree(rootID)
		if !g.allTerminal(subtree) {
			continue
		}
		for _, id := range subtree {
			g.removeNode(id)
		}
		g.evicted += uint64(len(subtree))
	}
}

// collectSubtree returns rootID and all its descendants.
func (g *Graph) collectSubtree(rootID string) []string {
	ids := []string{rootID}
	for i := 0; i < len(ids); i++ {
		ids = append(ids, g.children[ids[i]]...)
	}
	return ids
}

// allTerminal reports whether every listed node is known and terminal.
func (g *Graph) allTerminal(ids []string) bool {
	for _, id := range ids {
		n, ok := g.nodes[id]
		if !ok || n.placeholder || !n.state.IsTerminal() {
			return false
		}
	}
	return true
}

// removeNode deletes a node and its adjacency entries.
func (g *Graph) removeNode(id string) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	delete(g.nodes, id)
	delete(g.children, id)
	delete(g.roots, id)
	if n.groupID != "" {
		g.members[n.groupID] = removeID(g.members[n.groupID], id)
		if len(g.members[n.groupID]) == 0 {
			delete(g.members, n.groupID)
		}
	}
	if n.chordID != "" {
		g.chords[n.chordID] = removeID(g.chords[n.chordID], id)
		if len(g.chords[n.chordID]) == 0 {
			delete(g.chords, n.chordID)
		}
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeID(ids []string, id string) []string {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

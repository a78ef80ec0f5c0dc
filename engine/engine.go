// Package engine orchestrates event ingestion: it reads lifecycle events
// from a transport, folds them into the task graph and registry, persists
// snapshots through a repository, and publishes diffs to the subscription
// hub. Ingestion is single-writer: exactly one engine instance mutates a
// given graph/registry pair.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iansokolskyi/celery-flow/event"
	"github.com/iansokolskyi/celery-flow/graph"
	"github.com/iansokolskyi/celery-flow/hub"
	"github.com/iansokolskyi/celery-flow/query"
	"github.com/iansokolskyi/celery-flow/registry"
)

// Common errors returned by the Engine.
var (
	// ErrEngineNotStarted indicates an operation was attempted before Start.
	ErrEngineNotStarted = errors.New("engine not started")

	// ErrEngineAlreadyStarted indicates Start was called twice.
	ErrEngineAlreadyStarted = errors.New("engine already started")
)

// State is the engine's connection state toward its transport.
type State string

const (
	// StateDisconnected means no transport stream is open.
	StateDisconnected State = "disconnected"

	// StateConnecting means a transport stream is being opened.
	StateConnecting State = "connecting"

	// StateStreaming means events are flowing and being applied.
	StateStreaming State = "streaming"

	// StateBackfilling means a gap was detected and the engine is
	// resynchronizing before resuming the live stream.
	StateBackfilling State = "backfilling"
)

// Health is a point-in-time snapshot of the engine's condition, surfaced
// to operators and the pull interface.
type Health struct {
	// State is the current ingestion state.
	State State `json:"state"`

	// LastApplied is the source timestamp of the most recent applied
	// event. Zero until the first event is applied.
	LastApplied time.Time `json:"last_applied,omitzero"`

	// Applied counts accepted events.
	Applied uint64 `json:"applied"`

	// Duplicates counts events discarded by the sequence guard. Expected
	// under at-least-once delivery.
	Duplicates uint64 `json:"duplicates"`

	// Anomalies counts rejected events: invalid transitions and
	// structural anomalies.
	Anomalies uint64 `json:"anomalies"`

	// Dropped counts snapshots lost to persistence-queue overflow. A
	// non-zero value is a data-loss signal for the repository (the
	// in-memory graph is unaffected).
	Dropped uint64 `json:"dropped"`

	// Tasks is the current node count, placeholders included.
	Tasks int `json:"tasks"`

	// Subscribers is the number of active push subscribers.
	Subscribers int `json:"subscribers"`

	// Degraded is set when persistence or backfill kept failing past the
	// retry budget. The in-memory graph remains authoritative.
	Degraded bool `json:"degraded"`
}

// Engine is the ingestion orchestrator.
type Engine struct {
	cfg      Config
	graph    *graph.Graph
	registry *registry.Registry
	hub      *hub.Hub
	logger   Logger

	persistQ chan graph.Snapshot

	mu          sync.RWMutex
	state       State
	lastApplied time.Time
	applied     uint64
	duplicates  uint64
	dropped     uint64
	degraded    bool
	started     bool

	// resume is the transport position after the last processed envelope.
	// Touched only by the consume goroutine.
	resume event.Token

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates an Engine from the configuration.
// Returns an error if required configuration is missing.
func New(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg := config.withDefaults()

	return &Engine{
		cfg: cfg,
		graph: graph.New(graph.Options{
			Transitions: cfg.Transitions,
			MaxNodes:    cfg.MaxNodes,
		}),
		registry: registry.New(),
		hub:      hub.New(),
		logger:   cfg.Logger,
		persistQ: make(chan graph.Snapshot, cfg.PersistBuffer),
		state:    StateDisconnected,
	}, nil
}

// Start seeds the graph from the repository and launches the consume and
// persist loops. It returns once the loops are running; use Stop to shut
// down.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrEngineAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	// Seed from whatever the repository remembers. Failure is not fatal:
	// the transport replays its retained window and the repository catches
	// up through normal persistence.
	if snaps, _, err := e.cfg.Repository.List(ctx, query.Filter{}); err != nil {
		e.logger.Warn("repository seed failed, starting empty", "error", err)
	} else if len(snaps) > 0 {
		for _, s := range e.graph.Restore(snaps) {
			e.registry.Record(s.Name, s.UpdatedAt)
		}
		e.logger.Info("graph seeded from repository", "tasks", len(snaps))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	g, groupCtx := errgroup.WithContext(runCtx)
	e.group = g
	g.Go(func() error { return e.consumeLoop(groupCtx) })
	g.Go(func() error { return e.persistLoop(groupCtx) })

	return nil
}

// Stop cancels ingestion, drains the persistence queue within the
// shutdown budget, and closes the hub so every subscriber observes a
// terminal disconnect.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrEngineNotStarted
	}
	e.started = false
	cancel := e.cancel
	group := e.group
	e.mu.Unlock()

	cancel()
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var drainCancel context.CancelFunc
		ctx, drainCancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer drainCancel()
	}
	e.drain(ctx)

	e.hub.Close()
	e.setState(StateDisconnected)
	return err
}

// drain flushes snapshots still queued after the loops exited. Whatever
// cannot be written within the budget is explicitly discarded and counted
// as dropped rather than left in limbo.
func (e *Engine) drain(ctx context.Context) {
	for {
		select {
		case snap := <-e.persistQ:
			if err := e.cfg.Repository.Upsert(ctx, snap); err != nil {
				e.logger.Error("dropping snapshot during shutdown", "task_id", snap.TaskID, "error", err)
				e.markDropped()
			}
		default:
			return
		}
	}
}

// Subscribe attaches a push subscriber to the diff stream. See the hub
// package for the consistency and fallback contract.
func (e *Engine) Subscribe(buffer int) (*hub.Subscription, error) {
	return e.hub.Subscribe(buffer)
}

// consumeLoop opens the transport stream and applies envelopes until the
// context is cancelled, reconnecting (and backfilling) on stream failure.
func (e *Engine) consumeLoop(ctx context.Context) error {
	for {
		e.setState(StateConnecting)

		ch, err := e.cfg.Transport.Consume(ctx, e.resume)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.setState(StateDisconnected)
			e.logger.Warn("transport connect failed", "error", err)
			if err := e.pause(ctx); err != nil {
				return err
			}
			continue
		}

		e.setState(StateStreaming)
		e.logger.Info("streaming", "resume", string(e.resume))

		if err := e.stream(ctx, ch); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Stream ended without cancellation: transport closed or dropped.
		// Reconnect; the resume token makes the redelivery idempotent.
		e.setState(StateDisconnected)
		e.logger.Warn("transport stream ended, reconnecting")
		if err := e.pause(ctx); err != nil {
			return err
		}
	}
}

// stream consumes one open envelope channel.
func (e *Engine) stream(ctx context.Context, ch <-chan event.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			if env.Gap {
				e.backfill(ctx)
				e.setState(StateStreaming)
			}
			e.apply(env.Event)
			e.resume = env.Token
		}
	}
}

// pause waits the reconnect delay or until cancellation.
func (e *Engine) pause(ctx context.Context) error {
	timer := time.NewTimer(e.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backfill resynchronizes after a gap: a delta from the transport when it
// can replay the missed span, otherwise a full reload from the repository.
// The graph never silently loses events; at worst it degrades.
func (e *Engine) backfill(ctx context.Context) {
	e.setState(StateBackfilling)
	e.logger.Warn("gap detected, backfilling", "resume", string(e.resume))

	if bf, ok := e.cfg.Transport.(query.Backfiller); ok {
		events, err := bf.Backfill(ctx, e.resume)
		if err == nil {
			for _, evt := range events {
				e.apply(evt)
			}
			e.logger.Info("delta backfill complete", "events", len(events))
			return
		}
		e.logger.Warn("delta backfill unavailable", "error", err)
	}

	policy := e.cfg.PersistPolicy
	for attempt := 1; ; attempt++ {
		snaps, _, err := e.cfg.Repository.List(ctx, query.Filter{})
		if err == nil {
			for _, s := range e.graph.Restore(snaps) {
				e.registry.Record(s.Name, s.UpdatedAt)
			}
			e.logger.Info("full resync complete", "tasks", len(snaps))
			return
		}
		if !policy.ShouldRetry(attempt) {
			e.setDegraded(true)
			e.logger.Error("backfill failed, running degraded", "error", err)
			return
		}
		if policy.Wait(ctx, attempt) != nil {
			return
		}
	}
}

// apply folds one event into the graph and registry, queues persistence,
// and publishes the diff.
func (e *Engine) apply(evt event.TaskEvent) {
	diff, outcome := e.graph.Upsert(evt)

	switch outcome {
	case graph.OutcomeApplied:
		// The registry counts task instances, not events: a name is
		// recorded when its node materializes and only touched after.
		if diff.Created {
			e.registry.Record(evt.Name, evt.Timestamp)
		} else {
			e.registry.Touch(evt.Name, evt.Timestamp)
		}
		e.noteApplied(evt.Timestamp)
		if snap, ok := e.graph.Get(evt.TaskID); ok {
			e.enqueue(snap)
		}
		e.hub.Publish(diff)

	case graph.OutcomeDuplicate:
		e.noteDuplicate()
		e.logger.Debug("duplicate event discarded",
			"task_id", evt.TaskID, "source", evt.Source, "sequence", evt.Sequence)

	case graph.OutcomeInvalidTransition:
		e.logger.Warn("invalid transition discarded",
			"task_id", evt.TaskID, "state", evt.State.String(), "was", diff.Before.String())

	case graph.OutcomeStructuralAnomaly:
		e.logger.Warn("structural anomaly discarded",
			"task_id", evt.TaskID, "parent_id", evt.ParentID)
	}
}

// enqueue hands a snapshot to the persistence queue without ever blocking
// graph mutation. On overflow the oldest pending snapshot is discarded and
// counted as dropped.
func (e *Engine) enqueue(snap graph.Snapshot) {
	for {
		select {
		case e.persistQ <- snap:
			return
		default:
		}
		select {
		case old := <-e.persistQ:
			e.markDropped()
			e.logger.Error("persistence queue overflow, dropping oldest", "task_id", old.TaskID)
		default:
		}
	}
}

// persistLoop writes queued snapshots to the repository, retrying with
// backoff. Exhausting the retry budget marks the engine degraded but never
// touches in-memory state, which remains authoritative.
func (e *Engine) persistLoop(ctx context.Context) error {
	policy := e.cfg.PersistPolicy
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-e.persistQ:
			for attempt := 1; ; attempt++ {
				err := e.cfg.Repository.Upsert(ctx, snap)
				if err == nil {
					e.setDegraded(false)
					break
				}
				if !policy.ShouldRetry(attempt) {
					e.setDegraded(true)
					e.logger.Error("persistence failed past retry budget",
						"task_id", snap.TaskID, "attempts", attempt, "error", err)
					break
				}
				e.logger.Warn("persistence failed, retrying",
					"task_id", snap.TaskID, "attempt", attempt, "error", err)
				if policy.Wait(ctx, attempt) != nil {
					return ctx.Err()
				}
			}
		}
	}
}

// GetTask returns a snapshot of the task, or ok=false if unknown.
func (e *Engine) GetTask(taskID string) (graph.Snapshot, bool) {
	return e.graph.Get(taskID)
}

// ListTasks returns a page of task snapshots matching the filter plus the
// total match count.
func (e *Engine) ListTasks(f query.Filter) ([]graph.Snapshot, int) {
	return e.graph.List(f)
}

// Roots returns a page of graph roots plus the total root count.
func (e *Engine) Roots(limit, offset int) ([]graph.Snapshot, int) {
	return e.graph.Roots(limit, offset)
}

// GetGraph returns a root task with its full descendant structure.
func (e *Engine) GetGraph(rootID string) (graph.Tree, bool) {
	return e.graph.Subtree(rootID)
}

// Children returns the tasks spawned by taskID, in first-observed order.
func (e *Engine) Children(taskID string) []graph.Snapshot {
	return e.graph.Children(taskID)
}

// GroupMembers returns the tasks belonging to a sibling group.
func (e *Engine) GroupMembers(groupID string) []graph.Snapshot {
	return e.graph.Members(groupID)
}

// SearchNames returns registry entries matching the query, ordered by
// descending usage count then name.
func (e *Engine) SearchNames(q string) []registry.Entry {
	return e.registry.Search(q)
}

// Health returns a snapshot of the engine's current condition.
func (e *Engine) Health() Health {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Health{
		State:       e.state,
		LastApplied: e.lastApplied,
		Applied:     e.applied,
		Duplicates:  e.duplicates,
		Anomalies:   e.graph.Anomalies(),
		Dropped:     e.dropped,
		Tasks:       e.graph.Len(),
		Subscribers: e.hub.Len(),
		Degraded:    e.degraded,
	}
}

// String implements fmt.Stringer for log-friendly health lines.
func (h Health) String() string {
	return fmt.Sprintf("state=%s tasks=%d applied=%d duplicates=%d anomalies=%d dropped=%d degraded=%t",
		h.State, h.Tasks, h.Applied, h.Duplicates, h.Anomalies, h.Dropped, h.Degraded)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) setDegraded(v bool) {
	e.mu.Lock()
	e.degraded = v
	e.mu.Unlock()
}

func (e *Engine) noteApplied(ts time.Time) {
	e.mu.Lock()
	e.applied++
	if ts.After(e.lastApplied) {
		e.lastApplied = ts
	}
	e.mu.Unlock()
}

func (e *Engine) noteDuplicate() {
	e.mu.Lock()
	e.duplicates++
	e.mu.Unlock()
}

func (e *Engine) markDropped() {
	e.mu.Lock()
	e.dropped++
	e.mu.Unlock()
}

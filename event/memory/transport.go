// Package memory provides an in-process implementation of event.Transport.
// It is suitable for testing and for pipelines running in the same process
// as the monitor.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/iansokolskyi/celery-flow/event"
)

// DefaultRetention is the number of published events retained for resume
// and backfill before the oldest are discarded.
const DefaultRetention = 1024

// entry pairs a retained event with its stream offset.
type entry struct {
	offset int64
	evt    event.TaskEvent
}

// Transport is a thread-safe in-memory implementation of event.Transport.
// Published events are buffered in a bounded retained window; consumers
// resuming from a token older than the window receive a Gap signal on the
// first delivered envelope.
type Transport struct {
	mu       sync.Mutex
	retain   int
	events   []entry
	next     int64
	notify   map[int64]chan struct{}
	notifyID int64
	closed   bool
}

// New creates an in-memory transport with DefaultRetention.
func New() *Transport {
	return NewWithRetention(DefaultRetention)
}

// NewWithRetention creates an in-memory transport retaining at most n
// published events for resume and backfill. n must be at least 1.
func NewWithRetention(n int) *Transport {
	if n < 1 {
		n = 1
	}
	return &Transport{
		retain: n,
		notify: make(map[int64]chan struct{}),
	}
}

// Publish delivers an event to all consumers. It is fire-and-forget: it
// never blocks on slow consumers and never returns an error. Publishing to
// a closed transport drops the event.
func (t *Transport) Publish(e event.TaskEvent) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	t.next++
	t.events = append(t.events, entry{offset: t.next, evt: e})
	if len(t.events) > t.retain {
		t.events = t.events[len(t.events)-t.retain:]
	}

	for _, ch := range t.notify {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	t.mu.Unlock()
}

// Consume returns a channel of envelopes starting after the resume token.
// The channel is closed when ctx is cancelled or the transport is closed.
func (t *Transport) Consume(ctx context.Context, resume event.Token) (<-chan event.Envelope, error) {
	pos, err := parseToken(resume)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, event.ErrTransportClosed
	}
	t.notifyID++
	id := t.notifyID
	wake := make(chan struct{}, 1)
	t.notify[id] = wake
	t.mu.Unlock()

	out := make(chan event.Envelope)
	go t.run(ctx, out, wake, id, pos)
	return out, nil
}

// run replays retained events after pos, then follows the live stream.
func (t *Transport) run(ctx context.Context, out chan<- event.Envelope, wake <-chan struct{}, id, pos int64) {
	defer close(out)
	defer func() {
		t.mu.Lock()
		delete(t.notify, id)
		t.mu.Unlock()
	}()

	for {
		batch, gap, closed := t.since(pos)
		for _, en := range batch {
			env := event.Envelope{
				Event: en.evt,
				Token: formatToken(en.offset),
				Gap:   gap,
			}
			gap = false
			select {
			case out <- env:
				pos = en.offset
			case <-ctx.Done():
				return
			}
		}
		if closed {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
	}
}

// since returns retained entries with offset > pos, whether the consumer
// missed events that fell out of retention, and whether the transport is
// closed.
func (t *Transport) since(pos int64) ([]entry, bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Offsets are contiguous, so the horizon is the offset just before the
	// oldest retained entry. A position behind it means events were lost.
	horizon := t.next - int64(len(t.events))
	gap := pos < horizon

	var batch []entry
	for _, en := range t.events {
		if en.offset > pos {
			batch = append(batch, en)
		}
	}
	if len(batch) == 0 {
		gap = false
	}
	return batch, gap, t.closed
}

// Backfill returns retained events after the token, oldest first. It
// returns event.ErrTokenExpired if the token points before the retention
// horizon, in which case the caller must fall back to a full resync.
func (t *Transport) Backfill(ctx context.Context, since event.Token) ([]event.TaskEvent, error) {
	pos, err := parseToken(since)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if horizon := t.next - int64(len(t.events)); pos < horizon {
		return nil, event.ErrTokenExpired
	}

	var events []event.TaskEvent
	for _, en := range t.events {
		if en.offset > pos {
			events = append(events, en.evt)
		}
	}
	return events, nil
}

// Close shuts the transport down. All consumer channels are closed after
// delivering already-retained events.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for _, ch := range t.notify {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// parseToken decodes a resume token into a stream offset.
func parseToken(tok event.Token) (int64, error) {
	if tok == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(tok), 10, 64)
	if err != nil {
		return 0, &event.InvalidTokenError{Token: tok}
	}
	return n, nil
}

// formatToken encodes a stream offset as a resume token.
func formatToken(offset int64) event.Token {
	return event.Token(strconv.FormatInt(offset, 10))
}

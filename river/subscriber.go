package river

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/iansokolskyi/celery-flow/event"
)

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	// Client is the River client executing the pipeline's jobs. The
	// subscriber only observes jobs worked by this client, so it runs
	// embedded in the worker process (the same place Celery signal
	// handlers would live). Required.
	Client *river.Client[pgx.Tx]

	// Source is the event source name. Empty selects DefaultSource.
	Source string
}

// Validate checks that the configuration is valid.
func (c *SubscriberConfig) Validate() error {
	if c.Client == nil {
		return errors.New("river: Client is required")
	}
	return nil
}

// Subscriber implements event.Transport over an in-process River client's
// job event subscription. It delivers completed, failed, cancelled, and
// snoozed job transitions as task events.
//
// The subscription has no replay: a consumer resuming with a non-zero
// token gets Gap=true on the first envelope and must backfill elsewhere
// (the poller or the repository).
type Subscriber struct {
	client *river.Client[pgx.Tx]
	source string
	seq    atomic.Int64
}

// NewSubscriber creates a Subscriber from the configuration.
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	source := cfg.Source
	if source == "" {
		source = DefaultSource
	}
	return &Subscriber{client: cfg.Client, source: source}, nil
}

// Consume implements event.Transport.
func (s *Subscriber) Consume(ctx context.Context, resume event.Token) (<-chan event.Envelope, error) {
	jobEvents, cancelSub := s.client.Subscribe(
		river.EventKindJobCompleted,
		river.EventKindJobFailed,
		river.EventKindJobCancelled,
		river.EventKindJobSnoozed,
	)

	out := make(chan event.Envelope)
	go func() {
		defer close(out)
		defer cancelSub()

		// Anything consumed before this resume token is unrecoverable
		// here; announce the discontinuity on the first delivery.
		gap := resume != ""

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-jobEvents:
				if !ok {
					return
				}
				if ev == nil || ev.Job == nil {
					continue
				}
				for _, evt := range convertJobEvents(ev.Job, s.source) {
					env := event.Envelope{
						Event: evt,
						Token: event.Token(strconv.FormatInt(s.seq.Add(1), 10)),
						Gap:   gap,
					}
					select {
					case out <- env:
						gap = false
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

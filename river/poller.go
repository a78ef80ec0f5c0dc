package river

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/rivertype"

	"github.com/iansokolskyi/celery-flow/event"
)

// Poller defaults.
const (
	// DefaultPollInterval is how often the poller scans the job table.
	DefaultPollInterval = 2 * time.Second

	// DefaultBatchSize caps the rows fetched per scan.
	DefaultBatchSize = 500

	// pollFailureLimit is how many consecutive scan failures the poller
	// tolerates before closing the stream so the consumer reconnects.
	pollFailureLimit = 5
)

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Pool is a connection pool on the database hosting the River
	// pipeline's job table. Required.
	Pool *pgxpool.Pool

	// Source is the event source name. Empty selects DefaultSource.
	Source string

	// Interval is the scan period. Zero selects DefaultPollInterval.
	Interval time.Duration

	// BatchSize caps rows per scan. Zero selects DefaultBatchSize.
	BatchSize int
}

// Validate checks that the configuration is valid.
func (c *PollerConfig) Validate() error {
	if c.Pool == nil {
		return errors.New("river: Pool is required")
	}
	return nil
}

// Poller implements event.Transport by scanning a River pipeline's job
// table for lifecycle changes. Unlike Subscriber it runs standalone,
// outside the worker process, and can replay any span on demand, so it
// never reports gaps and also implements query.Backfiller.
//
// Resume tokens are watermark timestamps over the rows' latest lifecycle
// change.
type Poller struct {
	pool      *pgxpool.Pool
	source    string
	interval  time.Duration
	batchSize int
}

// NewPoller creates a Poller from the configuration.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Poller{
		pool:      cfg.Pool,
		source:    cfg.Source,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
	if p.source == "" {
		p.source = DefaultSource
	}
	if p.interval <= 0 {
		p.interval = DefaultPollInterval
	}
	if p.batchSize <= 0 {
		p.batchSize = DefaultBatchSize
	}
	return p, nil
}

// Consume implements event.Transport.
func (p *Poller) Consume(ctx context.Context, resume event.Token) (<-chan event.Envelope, error) {
	watermark, err := parseWatermark(resume)
	if err != nil {
		return nil, err
	}

	out := make(chan event.Envelope)
	go p.run(ctx, out, watermark)
	return out, nil
}

func (p *Poller) run(ctx context.Context, out chan<- event.Envelope, watermark time.Time) {
	defer close(out)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		events, next, err := p.scan(ctx, watermark)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= pollFailureLimit {
				// Persistent failure: end the stream so the consumer
				// reconnects instead of waiting on a dead poller.
				return
			}
		} else {
			failures = 0
			for _, evt := range events {
				env := event.Envelope{Event: evt, Token: formatWatermark(next)}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
			watermark = next
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Backfill implements query.Backfiller: the job table holds the full
// history, so any watermark can be replayed.
func (p *Poller) Backfill(ctx context.Context, since event.Token) ([]event.TaskEvent, error) {
	watermark, err := parseWatermark(since)
	if err != nil {
		return nil, err
	}
	events, _, err := p.scan(ctx, watermark)
	return events, err
}

// changedAt is the expression for a row's latest lifecycle change.
const changedAt = `GREATEST(created_at, COALESCE(attempted_at, 'epoch'::timestamptz), COALESCE(finalized_at, 'epoch'::timestamptz))`

// scan fetches job rows whose lifecycle changed after the watermark and
// converts them to events. It returns the advanced watermark.
func (p *Poller) scan(ctx context.Context, watermark time.Time) ([]event.TaskEvent, time.Time, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, kind, state, attempt, created_at, attempted_at, finalized_at, metadata, args
		FROM river_job
		WHERE `+changedAt+` > $1
		ORDER BY `+changedAt+` ASC, id ASC
		LIMIT $2
	`, watermark, p.batchSize)
	if err != nil {
		return nil, watermark, fmt.Errorf("scan jobs: %w", err)
	}
	defer rows.Close()

	var events []event.TaskEvent
	next := watermark
	for rows.Next() {
		var job rivertype.JobRow
		var state string
		if err := rows.Scan(&job.ID, &job.Kind, &state, &job.Attempt,
			&job.CreatedAt, &job.AttemptedAt, &job.FinalizedAt,
			&job.Metadata, &job.EncodedArgs); err != nil {
			return nil, watermark, fmt.Errorf("scan job row: %w", err)
		}
		job.State = rivertype.JobState(state)

		if ts := jobTimestamp(&job); ts.After(next) {
			next = ts
		}
		events = append(events, convertJobEvents(&job, p.source)...)
	}
	if err := rows.Err(); err != nil {
		return nil, watermark, fmt.Errorf("iterate jobs: %w", err)
	}
	return events, next, nil
}

// parseWatermark decodes a resume token into a watermark timestamp.
func parseWatermark(tok event.Token) (time.Time, error) {
	if tok == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, string(tok))
	if err != nil {
		return time.Time{}, &event.InvalidTokenError{Token: tok}
	}
	return ts, nil
}

// formatWatermark encodes a watermark timestamp as a resume token.
func formatWatermark(ts time.Time) event.Token {
	return event.Token(ts.UTC().Format(time.RFC3339Nano))
}

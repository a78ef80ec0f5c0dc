package event

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by Transport implementations.
var (
	// ErrTransportClosed indicates the transport was closed and no further
	// events will be delivered.
	ErrTransportClosed = errors.New("transport closed")

	// ErrTokenExpired indicates a resume token points before the
	// transport's retention horizon; the intervening events are gone and
	// the consumer must perform a full resync.
	ErrTokenExpired = errors.New("resume token expired")
)

// InvalidTokenError indicates a resume token could not be decoded by the
// transport it was presented to.
type InvalidTokenError struct {
	Token Token
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid resume token %q", e.Token)
}

// Token is an opaque resume position within a transport's event stream.
// A consumer that processed an envelope may later resume consumption from
// that envelope's token. The zero value means "from the beginning of the
// retained stream".
type Token string

// Envelope wraps a delivered event with its transport-level metadata.
type Envelope struct {
	// Event is the delivered lifecycle event.
	Event TaskEvent

	// Token is the resume position valid after processing Event.
	Token Token

	// Gap signals a delivery discontinuity: one or more events between the
	// consumer's resume position and Event were lost or expired from the
	// transport's retention. Gaps are always signalled, never hidden; the
	// consumer must backfill before trusting subsequent state.
	Gap bool
}

// Transport delivers task lifecycle events from a broker to the ingestion
// engine. Implementations may duplicate events and may reorder them within
// a bounded window, but must never silently truncate the stream: a gap is
// reported through Envelope.Gap.
//
// Implementations must be safe for concurrent use. Publishing side
// contracts (fire-and-forget, never blocking the worker) live with the
// concrete transports.
type Transport interface {
	// Consume returns a channel of envelopes starting after the resume
	// token. The channel is closed when ctx is cancelled or the transport
	// shuts down. A stale token that points before the transport's
	// retention horizon results in the first envelope carrying Gap=true.
	Consume(ctx context.Context, resume Token) (<-chan Envelope, error)
}

// UnsupportedSchemeError is returned by broker-URL factories when the URL
// scheme has no registered transport.
type UnsupportedSchemeError struct {
	// Scheme is the URL scheme that was not recognized.
	Scheme string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported broker scheme %q (supported: memory, postgres)", e.Scheme)
}

// Package pushsession tracks client-facing push sessions: the server-to-client
// one-way delivery channels clients hold open to receive bridge events. A
// push session's lifecycle is independent of any protocol connection; the two
// are correlated only by id.
package pushsession

import (
	"context"
)

// Transport is the write side of one push channel. Implementations must be
// safe for concurrent use; the SSE transport lives in package pushhttp.
type Transport interface {
	// WriteEvent frames and writes one event. Returns an error if the
	// underlying channel is gone; the error is a delivery failure, never
	// fatal to the caller.
	WriteEvent(ctx context.Context, eventType string, data []byte) error

	// Close tears the channel down. Idempotent.
	Close() error

	// Closed reports whether the channel is already down.
	Closed() bool
}

package pushhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/signalhub/chatbridge/pushsession"
)

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

var _ pushsession.Transport = (*sseTransport)(nil)

// sseTransport adapts one live event-stream response into a push transport.
// Close only marks the transport dead; tearing down the HTTP request is the
// handler's job via the cancel func.
type sseTransport struct {
	wf     *lockedWriteFlusher
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func newSSETransport(wf *lockedWriteFlusher, cancel context.CancelFunc) *sseTransport {
	return &sseTransport{wf: wf, cancel: cancel}
}

func (t *sseTransport) WriteEvent(ctx context.Context, eventType string, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	t.mu.Unlock()
	return writeSSEEvent(t.wf, eventType, data)
}

func (t *sseTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

func (t *sseTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// writeSSEEvent emits one complete SSE frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, eventType string, payload []byte) error {
	if eventType != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", eventType); err != nil {
			return fmt.Errorf("failed to write SSE event type: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// writeSSEComment emits a comment frame. Used for keep-alives; clients must
// ignore it per the SSE spec.
func writeSSEComment(wf *lockedWriteFlusher, text string) error {
	if _, err := fmt.Fprintf(wf, ": %s\n\n", text); err != nil {
		return err
	}
	wf.Flush()
	return nil
}

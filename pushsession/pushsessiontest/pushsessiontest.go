// Package pushsessiontest provides an in-memory push transport for tests.
package pushsessiontest

import (
	"context"
	"errors"
	"sync"

	"github.com/signalhub/chatbridge/pushsession"
)

// Frame is one recorded push event.
type Frame struct {
	EventType string
	Data      []byte
}

// Transport records every written frame in memory.
type Transport struct {
	mu     sync.Mutex
	frames []Frame
	closed bool

	// WriteErr, when set, fails every write.
	WriteErr error

	// CloseErr, when set, is returned by Close. The transport is still
	// marked closed.
	CloseErr error
}

var _ pushsession.Transport = (*Transport)(nil)

// NewTransport returns an open in-memory transport.
func NewTransport() *Transport { return &Transport{} }

func (t *Transport) WriteEvent(ctx context.Context, eventType string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("pushsessiontest: transport closed")
	}
	if t.WriteErr != nil {
		return t.WriteErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.frames = append(t.frames, Frame{EventType: eventType, Data: cp})
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return t.CloseErr
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Frames returns a copy of everything written so far.
func (t *Transport) Frames() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Frame, len(t.frames))
	copy(out, t.frames)
	return out
}

// FramesOf returns only the frames with the given event type.
func (t *Transport) FramesOf(eventType string) []Frame {
	var out []Frame
	for _, f := range t.Frames() {
		if f.EventType == eventType {
			out = append(out, f)
		}
	}
	return out
}

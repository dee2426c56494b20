// Package protocoltest provides scripted in-memory protocol fakes for tests.
package protocoltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalhub/chatbridge/protocol"
)

// Conn is a scripted protocol connection. Tests push events through the
// Emit* helpers and observe outbound sends through SentMessages.
type Conn struct {
	Auth *protocol.AuthState

	mu        sync.Mutex
	events    chan protocol.Event
	ended     bool
	endErr    error
	loggedOut bool
	sent      []SentMessage

	// SendErr, when set, is returned by every SendMessage call.
	SendErr error
	// LogoutErr, when set, is returned by Logout. End is still expected
	// afterwards.
	LogoutErr error

	nextMsgID int
}

// SentMessage records one outbound SendMessage call.
type SentMessage struct {
	JID     string
	Content protocol.MessageContent
}

var _ protocol.Connection = (*Conn)(nil)

// NewConn returns a connection with a buffered event channel large enough for
// typical scripts.
func NewConn(auth *protocol.AuthState) *Conn {
	return &Conn{Auth: auth, events: make(chan protocol.Event, 32)}
}

func (c *Conn) Events() <-chan protocol.Event { return c.events }

func (c *Conn) SendMessage(ctx context.Context, jid string, content protocol.MessageContent) (*protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return nil, protocol.ErrConnectionClosed
	}
	if c.SendErr != nil {
		return nil, c.SendErr
	}
	c.sent = append(c.sent, SentMessage{JID: jid, Content: content})
	c.nextMsgID++
	return &protocol.Message{ID: fmt.Sprintf("msg-%d", c.nextMsgID), From: jid, FromMe: true}, nil
}

func (c *Conn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LogoutErr != nil {
		return c.LogoutErr
	}
	c.loggedOut = true
	return nil
}

// End closes the event channel exactly once.
func (c *Conn) End(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.endErr = err
	close(c.events)
}

// Ended reports whether End has been called.
func (c *Conn) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// LoggedOut reports whether Logout completed.
func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// SentMessages returns a copy of the outbound send log.
func (c *Conn) SentMessages() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// EmitQR pushes a ConnectionUpdate carrying a pairing code.
func (c *Conn) EmitQR(code string) {
	c.emit(protocol.ConnectionUpdate{State: protocol.ConnStateConnecting, QR: code})
}

// EmitOpen pushes the open transition.
func (c *Conn) EmitOpen() {
	c.emit(protocol.ConnectionUpdate{State: protocol.ConnStateOpen})
}

// EmitClose pushes the closed transition with the given status code and then
// closes the event channel, mirroring how a real connection terminates.
func (c *Conn) EmitClose(statusCode int, err error) {
	c.emit(protocol.ConnectionUpdate{
		State:          protocol.ConnStateClosed,
		LastDisconnect: &protocol.Disconnect{Err: err, StatusCode: statusCode},
	})
	c.End(err)
}

// EmitCredsUpdate pushes a credential mutation announcement.
func (c *Conn) EmitCredsUpdate() {
	c.emit(protocol.CredsUpdate{})
}

// EmitMessages pushes an inbound message batch.
func (c *Conn) EmitMessages(kind string, msgs ...*protocol.Message) {
	c.emit(protocol.MessagesUpsert{Messages: msgs, Type: kind})
}

func (c *Conn) emit(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.events <- ev
}

// Factory hands out scripted connections in creation order and records every
// construction. Tests pre-seed connections with Queue, or let the factory
// mint fresh ones on demand.
type Factory struct {
	mu     sync.Mutex
	queued []*Conn
	made   []*Conn

	// Err, when set, fails the next construction and then clears.
	Err error
}

// NewFactory returns an empty factory.
func NewFactory() *Factory { return &Factory{} }

// Queue appends a pre-built connection to be returned by the next New call.
func (f *Factory) Queue(c *Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, c)
}

// New is the protocol.Factory implementation.
func (f *Factory) New(ctx context.Context, cfg protocol.ConnectConfig) (protocol.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		err := f.Err
		f.Err = nil
		return nil, err
	}
	var c *Conn
	if len(f.queued) > 0 {
		c = f.queued[0]
		f.queued = f.queued[1:]
	} else {
		c = NewConn(cfg.Auth)
	}
	c.Auth = cfg.Auth
	f.made = append(f.made, c)
	return c, nil
}

// Made returns every connection the factory has constructed, oldest first.
func (f *Factory) Made() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Conn, len(f.made))
	copy(out, f.made)
	return out
}

// Count reports how many connections have been constructed.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

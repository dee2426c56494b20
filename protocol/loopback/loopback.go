// Package loopback is a self-contained protocol driver for development and
// demos. It pairs instantly (after surfacing a fake QR code for unpaired
// tenants) and echoes every outbound send back as an inbound message, so the
// full bridge path can be exercised without external infrastructure.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalhub/chatbridge/protocol"
)

// New is a protocol.Factory producing loopback connections.
func New(ctx context.Context, cfg protocol.ConnectConfig) (protocol.Connection, error) {
	c := &conn{
		auth:   cfg.Auth,
		events: make(chan protocol.Event, 16),
	}
	go c.connect()
	return c, nil
}

type conn struct {
	auth   *protocol.AuthState
	events chan protocol.Event

	mu    sync.Mutex
	ended bool
}

var _ protocol.Connection = (*conn)(nil)

// connect runs the scripted handshake: QR for unpaired tenants, then a
// credential grant, then open.
func (c *conn) connect() {
	if !c.auth.Paired() {
		c.emit(protocol.ConnectionUpdate{
			State: protocol.ConnStateConnecting,
			QR:    "loopback-pairing-" + uuid.NewString(),
		})
		c.mu.Lock()
		c.auth.Creds = json.RawMessage(fmt.Sprintf(`{"pairedAt":%q}`, time.Now().UTC().Format(time.RFC3339)))
		c.mu.Unlock()
		c.emit(protocol.CredsUpdate{})
	}
	c.emit(protocol.ConnectionUpdate{State: protocol.ConnStateOpen})
}

func (c *conn) Events() <-chan protocol.Event { return c.events }

func (c *conn) SendMessage(ctx context.Context, jid string, content protocol.MessageContent) (*protocol.Message, error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil, protocol.ErrConnectionClosed
	}
	c.mu.Unlock()

	sent := &protocol.Message{
		ID:        uuid.NewString(),
		From:      jid,
		Timestamp: time.Now().UTC(),
		FromMe:    true,
	}

	// Echo back as an inbound message from the addressed peer.
	echo := &protocol.Message{
		ID:        uuid.NewString(),
		From:      jid,
		PushName:  "loopback",
		Timestamp: time.Now().UTC(),
	}
	switch {
	case content.Text != "":
		echo.Conversation = content.Text
	case len(content.Data) > 0:
		echo.Document = &protocol.MediaPart{
			MimeType: content.MimeType,
			Caption:  content.Caption,
			Size:     int64(len(content.Data)),
		}
	}
	c.emit(protocol.MessagesUpsert{Messages: []*protocol.Message{echo}, Type: "notify"})

	return sent, nil
}

func (c *conn) Logout(ctx context.Context) error {
	c.emit(protocol.ConnectionUpdate{
		State:          protocol.ConnStateClosed,
		LastDisconnect: &protocol.Disconnect{StatusCode: protocol.StatusLoggedOut},
	})
	c.End(nil)
	return nil
}

func (c *conn) End(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	close(c.events)
}

func (c *conn) emit(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Slow consumer with a full buffer; dropping beats deadlocking a
		// dev driver.
	}
}

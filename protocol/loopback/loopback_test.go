package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/signalhub/chatbridge/protocol"
)

func nextEvent(t *testing.T, c protocol.Connection) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestUnpairedTenantGetsQRThenOpens(t *testing.T) {
	auth := &protocol.AuthState{}
	c, err := New(context.Background(), protocol.ConnectConfig{Auth: auth})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.End(nil)

	ev := nextEvent(t, c)
	upd, ok := ev.(protocol.ConnectionUpdate)
	if !ok || upd.QR == "" {
		t.Fatalf("first event = %#v, want a QR update", ev)
	}

	if _, ok := nextEvent(t, c).(protocol.CredsUpdate); !ok {
		t.Fatal("expected a creds update after pairing")
	}
	if !auth.Paired() {
		t.Fatal("auth state not mutated on pairing")
	}

	upd, ok = nextEvent(t, c).(protocol.ConnectionUpdate)
	if !ok || upd.State != protocol.ConnStateOpen {
		t.Fatalf("expected open, got %#v", upd)
	}
}

func TestPairedTenantSkipsPairing(t *testing.T) {
	auth := &protocol.AuthState{Creds: []byte(`{"pairedAt":"x"}`)}
	c, err := New(context.Background(), protocol.ConnectConfig{Auth: auth})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.End(nil)

	upd, ok := nextEvent(t, c).(protocol.ConnectionUpdate)
	if !ok || upd.State != protocol.ConnStateOpen || upd.QR != "" {
		t.Fatalf("first event = %#v, want plain open", upd)
	}
}

func TestSendEchoesBack(t *testing.T) {
	auth := &protocol.AuthState{Creds: []byte(`{}`)}
	c, err := New(context.Background(), protocol.ConnectConfig{Auth: auth})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.End(nil)

	if upd, ok := nextEvent(t, c).(protocol.ConnectionUpdate); !ok || upd.State != protocol.ConnStateOpen {
		t.Fatalf("expected open, got %#v", upd)
	}

	sent, err := c.SendMessage(context.Background(), "peer@remote", protocol.MessageContent{Text: "ping"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !sent.FromMe || sent.ID == "" {
		t.Fatalf("sent = %+v", sent)
	}

	batch, ok := nextEvent(t, c).(protocol.MessagesUpsert)
	if !ok || batch.Type != "notify" || len(batch.Messages) != 1 {
		t.Fatalf("echo = %#v", batch)
	}
	if batch.Messages[0].Conversation != "ping" {
		t.Fatalf("echo text = %q", batch.Messages[0].Conversation)
	}
}

func TestLogoutClosesWithLoggedOutStatus(t *testing.T) {
	auth := &protocol.AuthState{Creds: []byte(`{}`)}
	c, err := New(context.Background(), protocol.ConnectConfig{Auth: auth})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if upd, ok := nextEvent(t, c).(protocol.ConnectionUpdate); !ok || upd.State != protocol.ConnStateOpen {
		t.Fatalf("expected open, got %#v", upd)
	}

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	upd, ok := nextEvent(t, c).(protocol.ConnectionUpdate)
	if !ok || upd.State != protocol.ConnStateClosed {
		t.Fatalf("expected close, got %#v", upd)
	}
	if upd.LastDisconnect == nil || upd.LastDisconnect.StatusCode != protocol.StatusLoggedOut {
		t.Fatalf("disconnect = %#v", upd.LastDisconnect)
	}

	if _, err := c.SendMessage(context.Background(), "peer@remote", protocol.MessageContent{Text: "x"}); err == nil {
		t.Fatal("SendMessage succeeded on an ended connection")
	}
}

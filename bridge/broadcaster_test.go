package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/signalhub/chatbridge/pushsession"
	"github.com/signalhub/chatbridge/pushsession/pushsessiontest"
)

func TestBroadcasterDeliversToMatchingSession(t *testing.T) {
	reg := pushsession.NewRegistry()
	bc := NewBroadcaster(reg, nil)
	ctx := context.Background()

	tr := pushsessiontest.NewTransport()
	if err := reg.Attach("tenant-a", tr); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if !bc.Send(ctx, "tenant-a", "message", map[string]string{"text": "hi"}) {
		t.Fatal("Send reported failure for a live session")
	}

	frames := tr.Frames()
	if len(frames) != 1 || frames[0].EventType != "message" {
		t.Fatalf("frames = %+v", frames)
	}
	var payload map[string]string
	if err := json.Unmarshal(frames[0].Data, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload["text"] != "hi" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestBroadcasterFailuresAreSilent(t *testing.T) {
	reg := pushsession.NewRegistry()
	bc := NewBroadcaster(reg, nil)
	ctx := context.Background()

	// Absent session.
	if bc.Send(ctx, "nobody", "message", "x") {
		t.Fatal("Send succeeded for an absent session")
	}

	// Closed transport.
	closed := pushsessiontest.NewTransport()
	_ = closed.Close()
	if err := reg.Attach("tenant-closed", closed); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if bc.Send(ctx, "tenant-closed", "message", "x") {
		t.Fatal("Send succeeded over a closed transport")
	}

	// Unmarshalable payload.
	live := pushsessiontest.NewTransport()
	if err := reg.Attach("tenant-live", live); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if bc.Send(ctx, "tenant-live", "message", func() {}) {
		t.Fatal("Send succeeded for an unmarshalable payload")
	}

	// Failing write.
	live.WriteErr = errors.New("pipe broken")
	if bc.Send(ctx, "tenant-live", "message", "x") {
		t.Fatal("Send succeeded despite a write failure")
	}
	live.WriteErr = nil
	if !bc.Send(ctx, "tenant-live", "message", "x") {
		t.Fatal("Send failed after the transport recovered")
	}
}

func TestBroadcastSinkEventShapes(t *testing.T) {
	reg := pushsession.NewRegistry()
	bc := NewBroadcaster(reg, nil)
	sink := NewBroadcastSink(bc, nil, QRDisplaySink)
	ctx := context.Background()

	tr := pushsessiontest.NewTransport()
	if err := reg.Attach("tenant-a", tr); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	sink.OnQR(ctx, "tenant-a", "code-1")
	sink.OnConnected(ctx, "tenant-a")
	sink.OnDisconnected(ctx, "tenant-a", ReasonRestartRequired)
	sink.OnMessage(ctx, "tenant-a", &Envelope{Type: EnvelopeText, MessageID: "m1", Text: "hi"})

	frames := tr.Frames()
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4", len(frames))
	}
	wantTypes := []string{"qr", "connected", "disconnected", "message"}
	for i, want := range wantTypes {
		if frames[i].EventType != want {
			t.Fatalf("frame %d type = %s, want %s", i, frames[i].EventType, want)
		}
	}

	var qr map[string]string
	if err := json.Unmarshal(frames[0].Data, &qr); err != nil || qr["code"] != "code-1" {
		t.Fatalf("qr payload = %s (%v)", frames[0].Data, err)
	}
	var disc map[string]string
	if err := json.Unmarshal(frames[2].Data, &disc); err != nil || disc["reason"] != "restart_required" {
		t.Fatalf("disconnected payload = %s (%v)", frames[2].Data, err)
	}
	var env Envelope
	if err := json.Unmarshal(frames[3].Data, &env); err != nil || env.MessageID != "m1" {
		t.Fatalf("message payload = %s (%v)", frames[3].Data, err)
	}
}

func TestEnvelopeStorageRefNeverSerialized(t *testing.T) {
	env := &Envelope{
		Type:  EnvelopeMedia,
		Media: &MediaInfo{Kind: "image", MimeType: "image/jpeg", StorageRef: "/var/private/blob"},
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	media, _ := raw["media"].(map[string]any)
	if media == nil {
		t.Fatal("media section missing")
	}
	for k := range media {
		if k == "StorageRef" || k == "storageRef" {
			t.Fatal("internal storage ref leaked into the wire payload")
		}
	}
	if strings.Contains(string(b), "/var/private/blob") {
		t.Fatal("internal path leaked into the wire payload")
	}
}

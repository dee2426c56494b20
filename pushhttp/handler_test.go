package pushhttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalhub/chatbridge/auth"
	"github.com/signalhub/chatbridge/auth/authtest"
	"github.com/signalhub/chatbridge/bridge"
	"github.com/signalhub/chatbridge/credstore"
	"github.com/signalhub/chatbridge/internal/logctx"
	"github.com/signalhub/chatbridge/protocol"
	"github.com/signalhub/chatbridge/protocol/protocoltest"
	"github.com/signalhub/chatbridge/pushsession"
)

type fixture struct {
	srv     *httptest.Server
	reg     *pushsession.Registry
	mgr     *bridge.Manager
	factory *protocoltest.Factory
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	factory := protocoltest.NewFactory()
	store, err := credstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	reg := pushsession.NewRegistry()
	mgr := bridge.NewManager(store, factory.New, bridge.NewAdapter(nil, nil), bridge.Config{})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	bc := bridge.NewBroadcaster(reg, nil)
	sink := bridge.NewBroadcastSink(bc, nil, bridge.QRDisplaySink)
	disp := bridge.NewDispatcher(mgr, bc, sink, nil)

	allOpts := append([]Option{
		WithAuthenticator(authtest.NewNoAuth("")),
		WithKeepAliveInterval(50 * time.Millisecond),
	}, opts...)
	h, err := New(reg, mgr, disp, allOpts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, reg: reg, mgr: mgr, factory: factory}
}

type sseFrame struct {
	event string
	data  []byte
}

// sseReader incrementally decodes frames off a live event stream, skipping
// comment keep-alives.
type sseReader struct {
	sc *bufio.Scanner
}

func (r *sseReader) next(t *testing.T) sseFrame {
	t.Helper()
	var f sseFrame
	for r.sc.Scan() {
		line := r.sc.Text()
		switch {
		case line == "":
			if f.event != "" || f.data != nil {
				return f
			}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = []byte(strings.TrimPrefix(line, "data: "))
		}
	}
	t.Fatalf("event stream ended early: %v", r.sc.Err())
	return f
}

// openStream subscribes to the push channel and returns the reader plus the
// established session id.
func (f *fixture) openStream(t *testing.T, sessionID string) (*sseReader, string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	url := f.srv.URL + "/v1/events"
	if sessionID != "" {
		url += "?session_id=" + sessionID
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer test-token")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /v1/events: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	r := &sseReader{sc: bufio.NewScanner(resp.Body)}
	frame := r.next(t)
	if frame.event != "session_established" {
		t.Fatalf("first frame = %q, want session_established", frame.event)
	}
	var est struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(frame.data, &est); err != nil || est.SessionID == "" {
		t.Fatalf("session_established payload = %s (%v)", frame.data, err)
	}
	return r, est.SessionID, cancel
}

func (f *fixture) postAction(t *testing.T, sessionID string, act bridge.Action) *http.Response {
	t.Helper()
	body, err := json.Marshal(act)
	if err != nil {
		t.Fatalf("marshal action: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/v1/sessions/%s/actions", f.srv.URL, sessionID),
		bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST actions: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestEventStreamEstablishesSession(t *testing.T) {
	f := newFixture(t)

	_, sessionID, _ := f.openStream(t, "")
	if sessionID == "" {
		t.Fatal("no session id")
	}
	if _, ok := f.reg.Get(sessionID); !ok {
		t.Fatal("session not registered")
	}
}

func TestEventStreamReattachKeepsSessionID(t *testing.T) {
	f := newFixture(t)

	_, first, cancel := f.openStream(t, "")
	cancel()

	_, second, _ := f.openStream(t, first)
	if second != first {
		t.Fatalf("reattach changed the session id: %q -> %q", first, second)
	}
}

func TestEventStreamRejectsWrongAccept(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/events", nil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestMissingBearerTokenRejected(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/events", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if ch := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(ch, "Bearer") {
		t.Fatalf("WWW-Authenticate = %q", ch)
	}
}

type rejectingAuth struct{}

func (rejectingAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return nil, fmt.Errorf("%w: token revoked", auth.ErrUnauthorized)
}

func TestInvalidTokenRejectedWithChallenge(t *testing.T) {
	f := newFixture(t, WithAuthenticator(rejectingAuth{}), WithRealm("bridge"))

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/events", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer bad-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	ch := resp.Header.Get("WWW-Authenticate")
	if !strings.Contains(ch, `realm="bridge"`) || !strings.Contains(ch, `error="invalid_token"`) {
		t.Fatalf("WWW-Authenticate = %q", ch)
	}
}

func TestActionRoundTripOverPushChannel(t *testing.T) {
	f := newFixture(t)

	r, sessionID, _ := f.openStream(t, "")

	resp := f.postAction(t, sessionID, bridge.Action{ActionType: bridge.ActionInit, RequestID: "req-1"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d, want 202", resp.StatusCode)
	}

	frame := r.next(t)
	if frame.event != "action_result" {
		t.Fatalf("frame = %q %s, want action_result", frame.event, frame.data)
	}
	var env map[string]any
	if err := json.Unmarshal(frame.data, &env); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if env["_originalActionType"] != "init" || env["_requestId"] != "req-1" {
		t.Fatalf("envelope = %v", env)
	}
	if !f.mgr.Has(sessionID) {
		t.Fatal("init did not create the tenant connection")
	}
}

func TestActionAgainstUnknownSession(t *testing.T) {
	f := newFixture(t)

	resp := f.postAction(t, "no-such-session", bridge.Action{ActionType: bridge.ActionInit})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestActionRejectsWrongContentType(t *testing.T) {
	f := newFixture(t)
	_, sessionID, _ := f.openStream(t, "")

	req, _ := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/v1/sessions/%s/actions", f.srv.URL, sessionID),
		strings.NewReader("actionType=init"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestProtocolEventsReachTheStream(t *testing.T) {
	f := newFixture(t)

	r, sessionID, _ := f.openStream(t, "")

	resp := f.postAction(t, sessionID, bridge.Action{ActionType: bridge.ActionInit})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}
	if frame := r.next(t); frame.event != "action_result" {
		t.Fatalf("frame = %q, want action_result", frame.event)
	}

	conn := f.factory.Made()[0]
	conn.EmitQR("pair-me")
	if frame := r.next(t); frame.event != "qr" {
		t.Fatalf("frame = %q, want qr", frame.event)
	}

	conn.EmitOpen()
	if frame := r.next(t); frame.event != "connected" {
		t.Fatalf("frame = %q, want connected", frame.event)
	}

	conn.EmitMessages("notify", &protocol.Message{ID: "m1", From: "peer@remote", Conversation: "hi"})
	frame := r.next(t)
	if frame.event != "message" {
		t.Fatalf("frame = %q, want message", frame.event)
	}
	var env bridge.Envelope
	if err := json.Unmarshal(frame.data, &env); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if env.Type != bridge.EnvelopeText || env.Text != "hi" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	r, sessionID, _ := f.openStream(t, "")

	req, _ := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/v1/sessions/%s/status", f.srv.URL, sessionID), nil)
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["connected"] != false {
		t.Fatalf("connected = %v before init", body["connected"])
	}

	if got := f.postAction(t, sessionID, bridge.Action{ActionType: bridge.ActionInit}); got.StatusCode != http.StatusAccepted {
		t.Fatalf("init status = %d", got.StatusCode)
	}
	if frame := r.next(t); frame.event != "action_result" {
		t.Fatalf("frame = %q", frame.event)
	}

	req2, _ := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/v1/sessions/%s/status", f.srv.URL, sessionID), nil)
	req2.Header.Set("Authorization", "Bearer test-token")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp2.Body.Close()
	var body2 map[string]any
	if err := json.NewDecoder(resp2.Body).Decode(&body2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body2["connected"] != true {
		t.Fatalf("connected = %v after init", body2["connected"])
	}
}

// syncBuffer absorbs log output from server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(b.buf.String(), "\n")
}

func TestActionLogsCarryTenantAttribution(t *testing.T) {
	var buf syncBuffer
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	f := newFixture(t, WithLogger(log))

	r, sessionID, _ := f.openStream(t, "")

	resp := f.postAction(t, sessionID, bridge.Action{ActionType: bridge.ActionInit, RequestID: "req-1"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d, want 202", resp.StatusCode)
	}
	if frame := r.next(t); frame.event != "action_result" {
		t.Fatalf("frame = %q, want action_result", frame.event)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, line := range buf.Lines() {
			if !strings.Contains(line, `"action.accepted"`) {
				continue
			}
			var rec struct {
				Tenant struct {
					ID     string `json:"id"`
					UserID string `json:"user_id"`
				} `json:"tenant"`
			}
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				t.Fatalf("decode log line %q: %v", line, err)
			}
			if rec.Tenant.ID != sessionID || rec.Tenant.UserID != "dev-user" {
				t.Fatalf("tenant attribution = %+v, want id %q, user dev-user", rec.Tenant, sessionID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no action.accepted record observed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestKeepAliveCommentsFlow(t *testing.T) {
	f := newFixture(t, WithKeepAliveInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/v1/events", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	deadline := time.After(2 * time.Second)
	found := make(chan struct{})
	go func() {
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), ": keep-alive") {
				close(found)
				return
			}
		}
	}()
	select {
	case <-found:
	case <-deadline:
		t.Fatal("no keep-alive comment observed")
	}
}

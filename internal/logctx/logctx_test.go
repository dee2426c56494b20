package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func record(t *testing.T, ctx context.Context) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	log.InfoContext(ctx, "event")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record %q: %v", buf.String(), err)
	}
	return rec
}

func TestHandlerEnrichesFromContext(t *testing.T) {
	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "GET", Path: "/v1/events"})
	ctx = WithTenantData(ctx, &TenantData{TenantID: "tenant-a", UserID: "user-1"})
	ctx = WithActionData(ctx, &ActionData{ActionType: "init", RequestID: "req-1"})

	rec := record(t, ctx)

	req, _ := rec["req"].(map[string]any)
	if req["id"] != "r1" || req["method"] != "GET" || req["path"] != "/v1/events" {
		t.Fatalf("req group = %v", rec["req"])
	}
	tenant, _ := rec["tenant"].(map[string]any)
	if tenant["id"] != "tenant-a" || tenant["user_id"] != "user-1" {
		t.Fatalf("tenant group = %v", rec["tenant"])
	}
	action, _ := rec["action"].(map[string]any)
	if action["type"] != "init" || action["request_id"] != "req-1" {
		t.Fatalf("action group = %v", rec["action"])
	}
}

func TestHandlerLeavesBareContextAlone(t *testing.T) {
	rec := record(t, context.Background())
	for _, group := range []string{"req", "tenant", "action"} {
		if _, ok := rec[group]; ok {
			t.Fatalf("unexpected %q group on bare context: %v", group, rec[group])
		}
	}
}

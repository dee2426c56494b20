// Package pushhttp exposes the bridge over HTTP: a server-sent-events stream
// for outbound envelopes and a JSON endpoint for inbound client actions.
package pushhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/signalhub/chatbridge/auth"
	"github.com/signalhub/chatbridge/bridge"
	"github.com/signalhub/chatbridge/internal/logctx"
	"github.com/signalhub/chatbridge/pushsession"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	defaultKeepAliveInterval = 15 * time.Second
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty. Since Go map iteration is randomized, we build
// a slice in key order we care about explicitly.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if params != nil {
		if v, ok := params["error"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
		}
		if v, ok := params["error_description"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

type newConfig struct {
	log       *slog.Logger
	auth      auth.Authenticator
	realm     string
	keepAlive time.Duration
}

// Option customizes handler construction.
type Option func(*newConfig)

// WithLogger sets the logger used for request-scoped events.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.log = log }
}

// WithAuthenticator guards every endpoint with the given authenticator. When
// unset, requests are rejected; use authtest.NoAuth for open deployments.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.auth = a }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted per RFC 6750.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithKeepAliveInterval overrides the cadence of SSE keep-alive comments.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.keepAlive = d
		}
	}
}

// Handler serves the push channel and the action endpoint.
type Handler struct {
	mux http.Handler
	log *slog.Logger

	reg  *pushsession.Registry
	mgr  *bridge.Manager
	disp *bridge.Dispatcher

	auth      auth.Authenticator
	realm     string
	keepAlive time.Duration
}

// New constructs a Handler over the session registry, tenant manager and
// action dispatcher.
func New(reg *pushsession.Registry, mgr *bridge.Manager, disp *bridge.Dispatcher, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, errors.New("session registry is required")
	}
	if mgr == nil {
		return nil, errors.New("tenant manager is required")
	}
	if disp == nil {
		return nil, errors.New("action dispatcher is required")
	}

	cfg := &newConfig{keepAlive: defaultKeepAliveInterval}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	if cfg.auth == nil {
		return nil, errors.New("authenticator is required")
	}

	h := &Handler{
		log:       cfg.log,
		reg:       reg,
		mgr:       mgr,
		disp:      disp,
		auth:      cfg.auth,
		realm:     cfg.realm,
		keepAlive: cfg.keepAlive,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/events", h.handleGetEvents)
	mux.HandleFunc("POST /v1/sessions/{id}/actions", h.handlePostActions)
	mux.HandleFunc("GET /v1/sessions/{id}/status", h.handleGetStatus)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// handleGetEvents establishes (or re-establishes) the push channel. A missing
// session_id query param creates a new session; a present one re-attaches,
// displacing any previous stream for that session.
func (h *Handler) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.events.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	t := newSSETransport(wf, cancel)

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = h.reg.Create(t)
		h.log.InfoContext(ctx, "session.create.ok", slog.String("session_id", sessionID))
	} else {
		// Attach displaces any prior stream for the id; unknown ids are
		// registered fresh so a client can resume after a server-side drop.
		if err := h.reg.Attach(sessionID, t); err != nil {
			h.log.WarnContext(ctx, "session.attach.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "session.attach.ok", slog.String("session_id", sessionID))
	}

	ctx = logctx.WithTenantData(ctx, &logctx.TenantData{
		TenantID: sessionID,
		UserID:   userInfo.UserID(),
	})

	established, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err == nil {
		err = writeSSEEvent(wf, "session_established", established)
	}
	if err != nil {
		h.log.WarnContext(ctx, "session.establish.write.fail", slog.String("err", err.Error()))
		h.reg.Remove(sessionID)
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Stream torn down. Mark the transport dead but keep the session
			// registered so the tenant connection survives a client reconnect.
			_ = t.Close()
			h.log.InfoContext(context.WithoutCancel(ctx), "http.events.end",
				slog.String("session_id", sessionID),
				slog.Duration("dur", time.Since(start)),
			)
			return
		case <-ticker.C:
			if err := writeSSEComment(wf, "keep-alive"); err != nil {
				_ = t.Close()
				return
			}
		}
	}
}

// handlePostActions accepts one action for the session and acknowledges it
// immediately; the outcome arrives asynchronously on the push channel.
func (h *Handler) handlePostActions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessionID := r.PathValue("id")
	if _, ok := h.reg.Get(sessionID); !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessionID))
		return
	}
	ctx = logctx.WithTenantData(ctx, &logctx.TenantData{
		TenantID: sessionID,
		UserID:   userInfo.UserID(),
	})

	var act bridge.Action
	if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if act.ActionType == "" {
		writeJSONError(w, http.StatusBadRequest, "actionType is required")
		return
	}

	actionCtx := logctx.WithActionData(context.WithoutCancel(ctx), &logctx.ActionData{
		ActionType: act.ActionType,
		RequestID:  act.RequestID,
	})
	go func() {
		_ = h.disp.Dispatch(actionCtx, sessionID, act)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
	h.log.InfoContext(ctx, "action.accepted",
		slog.String("session_id", sessionID),
		slog.String("action_type", act.ActionType),
		slog.Duration("dur", time.Since(start)),
	)
}

// handleGetStatus reports the tenant connection phase for a session, if one
// exists.
func (h *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessionID := r.PathValue("id")
	if _, ok := h.reg.Get(sessionID); !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	ctx = logctx.WithTenantData(ctx, &logctx.TenantData{
		TenantID: sessionID,
		UserID:   userInfo.UserID(),
	})

	resp := map[string]any{"sessionId": sessionID, "connected": false}
	if info, ok := h.mgr.Info(sessionID); ok {
		resp["connected"] = true
		resp["phase"] = info.Phase
		resp["retryCount"] = info.RetryCount
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "status.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: if the request lacks any authentication information
		// the resource server SHOULD NOT include an error code.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 §3.1.
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
			return nil
		}

		h.log.InfoContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}

	return userInfo
}

// Package logctx enriches slog records with request, tenant and action data
// carried in the context, so call sites log terse event names and still emit
// fully attributed records.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if td, ok := ctx.Value(tenantDataKey{}).(*TenantData); ok {
		r.AddAttrs(slog.Group("tenant",
			slog.String("id", td.TenantID),
			slog.String("user_id", td.UserID),
		))
	}

	if ad, ok := ctx.Value(actionDataKey{}).(*ActionData); ok {
		r.AddAttrs(slog.Group("action",
			slog.String("type", ad.ActionType),
			slog.String("request_id", ad.RequestID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type tenantDataKey struct{}

type TenantData struct {
	TenantID string
	UserID   string
}

func WithTenantData(ctx context.Context, data *TenantData) context.Context {
	return context.WithValue(ctx, tenantDataKey{}, data)
}

type actionDataKey struct{}

type ActionData struct {
	ActionType string
	RequestID  string
}

func WithActionData(ctx context.Context, data *ActionData) context.Context {
	return context.WithValue(ctx, actionDataKey{}, data)
}

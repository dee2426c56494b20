// Package bridge contains the session orchestration core: the per-tenant
// protocol connection manager, the event adapter that converts raw protocol
// messages into client-facing envelopes, the broadcaster that pushes them,
// and the inbound action dispatcher.
package bridge

import (
	"context"
	"log/slog"
)

// DisconnectReason classifies why a tenant's connection closed. Exactly one
// reason is reported per close.
type DisconnectReason string

const (
	// ReasonLoggedOut: the account was unpaired remotely. Terminal; the
	// tenant's entry and credentials are discarded.
	ReasonLoggedOut DisconnectReason = "logged_out"
	// ReasonRestartRequired: transient protocol condition; the manager
	// schedules a bounded re-creation.
	ReasonRestartRequired DisconnectReason = "restart_required"
	// ReasonConnectionClosed: any other close. No automatic remediation.
	ReasonConnectionClosed DisconnectReason = "connection_closed"
)

// EventSink receives tenant lifecycle and message events from the manager.
// Calls for one tenant arrive in protocol delivery order; no ordering holds
// across tenants. Implementations must not block for long: they run on the
// tenant's event pump.
type EventSink interface {
	OnQR(ctx context.Context, tenantID, code string)
	OnConnected(ctx context.Context, tenantID string)
	OnDisconnected(ctx context.Context, tenantID string, reason DisconnectReason)
	OnMessage(ctx context.Context, tenantID string, env *Envelope)
}

// QRDisplay selects how pairing codes are surfaced in addition to the OnQR
// push event.
type QRDisplay string

const (
	// QRDisplaySink pushes codes to clients only.
	QRDisplaySink QRDisplay = "sink"
	// QRDisplayLog additionally logs each issued code, for operators pairing
	// from a terminal.
	QRDisplayLog QRDisplay = "log"
)

// BroadcastSink is the standard EventSink: it forwards every event to the
// tenant's push session through a Broadcaster. Delivery failures are
// non-fatal by construction.
type BroadcastSink struct {
	bc  *Broadcaster
	log *slog.Logger
	qr  QRDisplay
}

var _ EventSink = (*BroadcastSink)(nil)

// NewBroadcastSink wires a sink to bc. qr selects the QR display strategy;
// the zero value behaves like QRDisplaySink.
func NewBroadcastSink(bc *Broadcaster, log *slog.Logger, qr QRDisplay) *BroadcastSink {
	if log == nil {
		log = slog.Default()
	}
	return &BroadcastSink{bc: bc, log: log, qr: qr}
}

func (s *BroadcastSink) OnQR(ctx context.Context, tenantID, code string) {
	if s.qr == QRDisplayLog {
		s.log.InfoContext(ctx, "pairing.qr.issued",
			slog.String("tenant_id", tenantID), slog.String("code", code))
	}
	s.bc.Send(ctx, tenantID, "qr", map[string]string{"code": code})
}

func (s *BroadcastSink) OnConnected(ctx context.Context, tenantID string) {
	s.bc.Send(ctx, tenantID, "connected", map[string]string{"tenantId": tenantID})
}

func (s *BroadcastSink) OnDisconnected(ctx context.Context, tenantID string, reason DisconnectReason) {
	s.bc.Send(ctx, tenantID, "disconnected", map[string]string{
		"tenantId": tenantID,
		"reason":   string(reason),
	})
}

func (s *BroadcastSink) OnMessage(ctx context.Context, tenantID string, env *Envelope) {
	s.bc.Send(ctx, tenantID, "message", env)
}

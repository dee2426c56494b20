package bridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/signalhub/chatbridge/pushsession"
)

// Broadcaster pushes formatted events to the push session whose id equals
// the tenant id. Delivery is best-effort and at-most-once: there is no
// queuing or retry, and no failure is ever surfaced as an error to the
// caller.
type Broadcaster struct {
	reg *pushsession.Registry
	log *slog.Logger
}

// NewBroadcaster builds a broadcaster over reg.
func NewBroadcaster(reg *pushsession.Registry, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{reg: reg, log: log}
}

// Send serializes payload and writes it as an eventType frame to the
// tenant's push session. Returns false — never an error — when the session
// is absent, its transport is closed, payload marshaling fails, or the write
// fails.
func (b *Broadcaster) Send(ctx context.Context, tenantID, eventType string, payload any) bool {
	sess, ok := b.reg.Get(tenantID)
	if !ok {
		b.log.DebugContext(ctx, "broadcast.session.miss",
			slog.String("tenant_id", tenantID), slog.String("event", eventType))
		return false
	}
	if sess.Transport == nil || sess.Transport.Closed() {
		b.log.DebugContext(ctx, "broadcast.transport.closed",
			slog.String("tenant_id", tenantID), slog.String("event", eventType))
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		b.log.ErrorContext(ctx, "broadcast.marshal.fail",
			slog.String("tenant_id", tenantID),
			slog.String("event", eventType),
			slog.String("err", err.Error()),
		)
		return false
	}

	if err := sess.Transport.WriteEvent(ctx, eventType, data); err != nil {
		b.log.WarnContext(ctx, "broadcast.write.fail",
			slog.String("tenant_id", tenantID),
			slog.String("event", eventType),
			slog.String("err", err.Error()),
		)
		return false
	}
	return true
}

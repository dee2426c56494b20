package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/signalhub/chatbridge/protocol"
)

// Action is the inbound client action contract: submitted per session id,
// acknowledged synchronously at the transport and answered asynchronously
// with exactly one terminal envelope over the push channel.
type Action struct {
	ActionType string          `json:"actionType"`
	Payload    json.RawMessage `json:"payload"`
	RequestID  string          `json:"requestId,omitempty"`
}

// Action types the dispatcher understands.
const (
	ActionInit        = "init"
	ActionSendMessage = "send_message"
	ActionSendMedia   = "send_media"
	ActionLogout      = "logout"
	ActionDisconnect  = "disconnect"
)

type initPayload struct {
	SyncHistory bool `json:"syncHistory,omitempty"`
}

type sendMessagePayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendMediaPayload struct {
	To       string `json:"to"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
	Caption  string `json:"caption,omitempty"`
}

// Dispatcher executes inbound actions against the manager and pushes the
// terminal success or error envelope to the session's push channel. A client
// never experiences a silently dropped action: every accepted action yields
// exactly one terminal envelope.
type Dispatcher struct {
	mgr  *Manager
	bc   *Broadcaster
	sink EventSink
	log  *slog.Logger
}

// NewDispatcher builds a dispatcher. sink is handed to GetOrCreate for init
// actions so protocol events flow back to the initiating session.
func NewDispatcher(mgr *Manager, bc *Broadcaster, sink EventSink, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{mgr: mgr, bc: bc, sink: sink, log: log}
}

// Dispatch runs one action to completion and pushes its terminal envelope.
// The returned error mirrors what was pushed, for server-side logging only.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, act Action) error {
	result, err := d.run(ctx, sessionID, act)
	if err != nil {
		d.log.WarnContext(ctx, "action.fail",
			slog.String("session_id", sessionID),
			slog.String("action_type", act.ActionType),
			slog.String("err", err.Error()),
		)
		d.push(ctx, sessionID, "error", act, map[string]any{"message": err.Error()})
		return err
	}
	d.push(ctx, sessionID, "action_result", act, result)
	d.log.InfoContext(ctx, "action.ok",
		slog.String("session_id", sessionID),
		slog.String("action_type", act.ActionType),
	)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, sessionID string, act Action) (map[string]any, error) {
	switch act.ActionType {
	case ActionInit:
		var p initPayload
		if err := decodePayload(act.Payload, &p); err != nil {
			return nil, err
		}
		if _, err := d.mgr.GetOrCreate(ctx, sessionID, d.sink, Options{SyncHistory: p.SyncHistory}); err != nil {
			return nil, err
		}
		info, _ := d.mgr.Info(sessionID)
		return map[string]any{"phase": info.Phase}, nil

	case ActionSendMessage:
		var p sendMessagePayload
		if err := decodePayload(act.Payload, &p); err != nil {
			return nil, err
		}
		if p.To == "" || p.Text == "" {
			return nil, fmt.Errorf("send_message requires to and text")
		}
		msg, err := d.mgr.Send(ctx, sessionID, p.To, protocol.MessageContent{Text: p.Text})
		if err != nil {
			return nil, err
		}
		return map[string]any{"messageId": msg.ID}, nil

	case ActionSendMedia:
		var p sendMediaPayload
		if err := decodePayload(act.Payload, &p); err != nil {
			return nil, err
		}
		if p.To == "" || len(p.Data) == 0 {
			return nil, fmt.Errorf("send_media requires to and data")
		}
		msg, err := d.mgr.Send(ctx, sessionID, p.To, protocol.MessageContent{
			MimeType: p.MimeType,
			Data:     p.Data,
			Caption:  p.Caption,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"messageId": msg.ID}, nil

	case ActionLogout:
		d.mgr.Remove(ctx, sessionID, true)
		return map[string]any{"status": "logged_out"}, nil

	case ActionDisconnect:
		d.mgr.Remove(ctx, sessionID, false)
		return map[string]any{"status": "disconnected"}, nil

	default:
		return nil, fmt.Errorf("unknown actionType %q", act.ActionType)
	}
}

// push emits the terminal envelope. The envelope always echoes the
// originating action type and request id so clients can correlate.
func (d *Dispatcher) push(ctx context.Context, sessionID, eventType string, act Action, fields map[string]any) {
	env := map[string]any{
		"_originalActionType": act.ActionType,
		"_requestId":          act.RequestID,
	}
	for k, v := range fields {
		env[k] = v
	}
	if !d.bc.Send(ctx, sessionID, eventType, env) {
		d.log.WarnContext(ctx, "action.result.undelivered",
			slog.String("session_id", sessionID),
			slog.String("action_type", act.ActionType),
		)
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

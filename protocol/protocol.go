// Package protocol defines the contract the bridge consumes from the external
// messaging-protocol library. The library itself (socket handling, handshake,
// message codecs) is opaque; the bridge only depends on the surface below: a
// factory producing connections, a closed set of events each connection emits,
// and the send/logout/terminate operations.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Disconnect status codes surfaced by the library on connection close. The
// bridge classifies closes into exactly one remediation policy based on
// these.
const (
	// StatusLoggedOut means the account was unpaired remotely. Terminal: the
	// tenant's credentials are invalid and must not be reused.
	StatusLoggedOut = 401

	// StatusRestartRequired is a transient library-level condition that is
	// resolved by tearing down the connection and building a fresh one from
	// the same credentials.
	StatusRestartRequired = 515
)

// ErrConnectionClosed is returned by operations invoked on a connection that
// has already terminated.
var ErrConnectionClosed = errors.New("protocol: connection closed")

// ConnState is the connection lifecycle state reported via ConnectionUpdate.
type ConnState string

const (
	ConnStateConnecting ConnState = "connecting"
	ConnStateOpen       ConnState = "open"
	ConnStateClosed     ConnState = "close"
)

// AuthState is the durable credential material for one tenant. The library
// mutates it over the life of a connection and announces each mutation with a
// CredsUpdate event; persistence is the caller's job via credstore.
type AuthState struct {
	Creds json.RawMessage            `json:"creds,omitempty"`
	Keys  map[string]json.RawMessage `json:"keys,omitempty"`
}

// Paired reports whether the state carries completed pairing material. A
// fresh (unpaired) state forces the library to issue a QR pairing code.
func (s *AuthState) Paired() bool { return s != nil && len(s.Creds) > 0 }

// Event is the closed union of events a Connection emits. Exactly the three
// classes below exist; consumers switch exhaustively.
type Event interface {
	isEvent()
}

// CredsUpdate announces that the connection mutated its AuthState. The state
// pointer handed to the factory holds the new material; receivers persist it.
type CredsUpdate struct{}

// Disconnect describes why a connection closed.
type Disconnect struct {
	Err        error
	StatusCode int
}

// ConnectionUpdate reports a connection lifecycle transition. QR, when
// non-empty, carries a freshly issued pairing code and may arrive without a
// state change. LastDisconnect is set only when State is ConnStateClosed.
type ConnectionUpdate struct {
	State          ConnState
	QR             string
	LastDisconnect *Disconnect
}

// MessagesUpsert delivers a batch of inbound messages. Type distinguishes
// live deliveries ("notify") from history backfill ("append").
type MessagesUpsert struct {
	Messages []*Message
	Type     string
}

func (CredsUpdate) isEvent()      {}
func (ConnectionUpdate) isEvent() {}
func (MessagesUpsert) isEvent()   {}

// ConnectConfig is the factory input.
type ConnectConfig struct {
	// Auth is the tenant's credential state. The connection takes ownership
	// of the pointer and mutates it in place.
	Auth *AuthState
}

// Factory constructs a live connection from credential state. Construction
// may suspend (network I/O) and must respect ctx.
type Factory func(ctx context.Context, cfg ConnectConfig) (Connection, error)

// Connection is one live protocol session.
//
// Events delivers the connection's event stream in emission order. The
// channel is closed when the connection terminates; per-connection ordering
// is guaranteed, cross-connection ordering is not.
type Connection interface {
	Events() <-chan Event

	// SendMessage relays outbound content to the given remote address (JID).
	SendMessage(ctx context.Context, jid string, content MessageContent) (*Message, error)

	// Logout gracefully unpairs and closes the connection.
	Logout(ctx context.Context) error

	// End force-terminates the connection. Safe to call at any time,
	// including after Logout failed.
	End(err error)
}

// MessageContent is the outbound payload for SendMessage.
type MessageContent struct {
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Message is a raw inbound protocol message. Exactly the populated sub-field
// determines its kind; the event adapter performs that classification.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	PushName  string    `json:"pushName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	FromMe    bool      `json:"fromMe,omitempty"`

	Conversation string          `json:"conversation,omitempty"`
	ExtendedText *ExtendedText   `json:"extendedText,omitempty"`
	Image        *MediaPart      `json:"image,omitempty"`
	Video        *MediaPart      `json:"video,omitempty"`
	Audio        *MediaPart      `json:"audio,omitempty"`
	Document     *MediaPart      `json:"document,omitempty"`
	Sticker      *MediaPart      `json:"sticker,omitempty"`
	Reaction     *Reaction       `json:"reaction,omitempty"`
	Location     *Location       `json:"location,omitempty"`
	Contact      *ContactCard    `json:"contact,omitempty"`
	Contacts     []*ContactCard  `json:"contacts,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// ExtendedText is a text body with optional quoting/link metadata.
type ExtendedText struct {
	Text string `json:"text"`
}

// MediaPart is the common shape of image/video/audio/document/sticker
// sub-fields. Payload bytes are not carried here; the media collaborator
// downloads them on demand.
type MediaPart struct {
	MimeType string `json:"mimeType"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type Reaction struct {
	Emoji     string `json:"emoji"`
	TargetID  string `json:"targetId"`
	TargetJID string `json:"targetJid,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
}

type ContactCard struct {
	DisplayName string `json:"displayName"`
	VCard       string `json:"vcard,omitempty"`
}

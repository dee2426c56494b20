package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/signalhub/chatbridge/mediastore"
	"github.com/signalhub/chatbridge/protocol"
)

// EnvelopeType tags the canonical client-facing message envelope. The set is
// closed; "unknown" is the fallback and always carries diagnostics.
type EnvelopeType string

const (
	EnvelopeText          EnvelopeType = "text"
	EnvelopeMedia         EnvelopeType = "media"
	EnvelopeReaction      EnvelopeType = "reaction"
	EnvelopeLocation      EnvelopeType = "location"
	EnvelopeContact       EnvelopeType = "contact"
	EnvelopeContactsArray EnvelopeType = "contacts_array"
	EnvelopeUnknown       EnvelopeType = "unknown"
)

// MediaInfo carries media metadata into the envelope. StorageRef points at
// process-internal materialized content and is excluded from serialization:
// it must never cross the push transport as a client-addressable path.
type MediaInfo struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName,omitempty"`
	Size     int64  `json:"size,omitempty"`

	StorageRef string `json:"-"`
}

// Envelope is the canonical, type-tagged message shape delivered to clients.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	MessageID string       `json:"messageId"`
	From      string       `json:"from"`
	PushName  string       `json:"pushName,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	FromMe    bool         `json:"fromMe,omitempty"`

	Text     string                  `json:"text,omitempty"`
	Media    *MediaInfo              `json:"media,omitempty"`
	Reaction *protocol.Reaction      `json:"reaction,omitempty"`
	Location *protocol.Location      `json:"location,omitempty"`
	Contact  *protocol.ContactCard   `json:"contact,omitempty"`
	Contacts []*protocol.ContactCard `json:"contacts,omitempty"`

	// PresentFields lists the populated sub-fields of a message the adapter
	// could not classify, so the payload stays diagnosable client-side.
	PresentFields []string `json:"presentFields,omitempty"`
}

// Adapter converts raw protocol messages into envelopes. Media content is
// materialized through the mediastore collaborator; failures there degrade to
// metadata-only envelopes rather than dropping the message.
type Adapter struct {
	media mediastore.Store
	log   *slog.Logger
}

// NewAdapter builds an adapter. media may be nil; media envelopes then carry
// metadata only.
func NewAdapter(media mediastore.Store, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{media: media, log: log}
}

// Adapt classifies msg by first match over its populated sub-fields and
// returns the canonical envelope. It never fails: unclassifiable messages
// yield an "unknown" envelope listing whatever sub-fields were present.
func (a *Adapter) Adapt(ctx context.Context, msg *protocol.Message) *Envelope {
	env := &Envelope{
		MessageID: msg.ID,
		From:      msg.From,
		PushName:  msg.PushName,
		Timestamp: msg.Timestamp,
		FromMe:    msg.FromMe,
	}

	switch {
	case msg.Conversation != "":
		env.Type = EnvelopeText
		env.Text = msg.Conversation
	case msg.ExtendedText != nil:
		env.Type = EnvelopeText
		env.Text = msg.ExtendedText.Text
	case msg.Image != nil:
		a.fillMedia(ctx, env, msg, "image", msg.Image)
	case msg.Video != nil:
		a.fillMedia(ctx, env, msg, "video", msg.Video)
	case msg.Audio != nil:
		a.fillMedia(ctx, env, msg, "audio", msg.Audio)
	case msg.Document != nil:
		a.fillMedia(ctx, env, msg, "document", msg.Document)
	case msg.Sticker != nil:
		a.fillMedia(ctx, env, msg, "sticker", msg.Sticker)
	case msg.Reaction != nil:
		env.Type = EnvelopeReaction
		env.Reaction = msg.Reaction
	case msg.Location != nil:
		env.Type = EnvelopeLocation
		env.Location = msg.Location
	case msg.Contact != nil:
		env.Type = EnvelopeContact
		env.Contact = msg.Contact
	case len(msg.Contacts) > 0:
		env.Type = EnvelopeContactsArray
		env.Contacts = msg.Contacts
	default:
		env.Type = EnvelopeUnknown
		env.PresentFields = presentFields(msg)
	}

	return env
}

func (a *Adapter) fillMedia(ctx context.Context, env *Envelope, msg *protocol.Message, kind string, part *protocol.MediaPart) {
	env.Type = EnvelopeMedia
	env.Media = &MediaInfo{
		Kind:     kind,
		MimeType: part.MimeType,
		FileName: part.FileName,
		Size:     part.Size,
	}
	// The caption becomes the envelope text only when the message carries no
	// text body of its own.
	if part.Caption != "" && msg.Conversation == "" && msg.ExtendedText == nil {
		env.Text = part.Caption
	}

	if a.media == nil {
		return
	}
	ref, err := a.media.Materialize(ctx, msg, part)
	if err != nil {
		a.log.WarnContext(ctx, "adapter.media.materialize.fail",
			slog.String("message_id", msg.ID),
			slog.String("kind", kind),
			slog.String("err", err.Error()),
		)
		return
	}
	env.Media.Size = ref.Size
	env.Media.StorageRef = ref.Path
}

// presentFields names the populated sub-fields of an unclassifiable message.
func presentFields(msg *protocol.Message) []string {
	var fields []string
	add := func(name string, set bool) {
		if set {
			fields = append(fields, name)
		}
	}
	add("conversation", msg.Conversation != "")
	add("extendedText", msg.ExtendedText != nil)
	add("image", msg.Image != nil)
	add("video", msg.Video != nil)
	add("audio", msg.Audio != nil)
	add("document", msg.Document != nil)
	add("sticker", msg.Sticker != nil)
	add("reaction", msg.Reaction != nil)
	add("location", msg.Location != nil)
	add("contact", msg.Contact != nil)
	add("contacts", len(msg.Contacts) > 0)
	if len(fields) == 0 {
		fields = []string{"(none)"}
	}
	return fields
}

package chat

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/forPelevin/gomoji"
	"github.com/pkg/errors"
)

// LocalUser is the sender ID of every message written on this device.
const LocalUser = "me"

const (
	previewLimit = 30
	previewEmpty = "Start a conversation"
)

type Kind string

const (
	KindText  Kind = "text"
	KindEmoji Kind = "emoji"
	KindGIF   Kind = "gif"
	KindImage Kind = "image"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindText, KindEmoji, KindGIF, KindImage:
		return k, nil
	case "":
		return KindText, nil
	}
	return "", errors.Wrapf(ErrInvalidArgument, "unknown message kind %q", s)
}

// Content is the payload of a message. Which fields are set depends on Kind:
// text carries Body, emoji carries Glyph, gif and image carry URI and an
// optional Caption.
type Content struct {
	Kind    Kind   `json:"kind"`
	Body    string `json:"body,omitempty"`
	Glyph   string `json:"glyph,omitempty"`
	URI     string `json:"uri,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// NewContent builds the payload for a send intent. text is the body, the
// glyph or the caption depending on kind.
func NewContent(kind Kind, text, uri string) (Content, error) {
	var c Content
	switch kind {
	case KindText, "":
		c = Content{Kind: KindText, Body: text}
	case KindEmoji:
		c = Content{Kind: KindEmoji, Glyph: strings.TrimSpace(text)}
	case KindGIF, KindImage:
		c = Content{Kind: kind, URI: strings.TrimSpace(uri), Caption: text}
	default:
		return Content{}, errors.Wrapf(ErrInvalidArgument, "unknown message kind %q", kind)
	}
	return c, c.Validate()
}

func (c Content) Validate() error {
	switch c.Kind {
	case KindText:
		if strings.TrimSpace(c.Body) == "" {
			return errors.Wrap(ErrInvalidArgument, "text message body is empty")
		}
	case KindEmoji:
		return validateGlyph(c.Glyph)
	case KindGIF, KindImage:
		u, err := url.Parse(c.URI)
		if c.URI == "" || err != nil || !u.IsAbs() {
			return errors.Wrapf(ErrInvalidArgument, "%s message needs an absolute uri, got %q", c.Kind, c.URI)
		}
	default:
		return errors.Wrapf(ErrInvalidArgument, "unknown message kind %q", c.Kind)
	}
	return nil
}

// validateGlyph accepts exactly one emoji and nothing else.
func validateGlyph(glyph string) error {
	found := gomoji.CollectAll(glyph)
	if len(found) != 1 || found[0].Character != glyph {
		return errors.Wrapf(ErrInvalidArgument, "emoji message must be a single emoji, got %q", glyph)
	}
	return nil
}

// Preview is the one-line text shown in the conversation list.
func (c Content) Preview() string {
	var s string
	switch c.Kind {
	case KindText:
		s = c.Body
	case KindEmoji:
		s = c.Glyph
	case KindGIF:
		s = c.Caption
		if s == "" {
			s = "GIF"
		}
	case KindImage:
		s = c.Caption
		if s == "" {
			s = "Photo"
		}
	}
	return truncate(strings.Join(strings.Fields(s), " "), previewLimit)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}

type DeliveryState uint8

const (
	Pending DeliveryState = iota
	Sent
	Failed
)

func (ds DeliveryState) String() string {
	switch ds {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	}
	return "invalid"
}

func (ds DeliveryState) MarshalText() ([]byte, error) {
	if ds > Failed {
		return nil, errors.Errorf("invalid delivery state %d", uint8(ds))
	}
	return []byte(ds.String()), nil
}

func (ds *DeliveryState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*ds = Pending
	case "sent":
		*ds = Sent
	case "failed":
		*ds = Failed
	default:
		return errors.Errorf("invalid delivery state %q", b)
	}
	return nil
}

// Message is one entry of a conversation log. The JSON field names are the
// persisted record format and must stay stable.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content

	// Sequence is zero until the message commits.
	Sequence  uint64        `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
	CreatedAt time.Time     `json:"createdAt"`
	State     DeliveryState `json:"deliveryState"`

	// After is the highest committed sequence at the time an uncommitted
	// message was appended; it pins the render position until commit.
	After          uint64 `json:"after,omitempty"`
	Error          string `json:"error,omitempty"`
	RetryOf        string `json:"retryOf,omitempty"`
	ServerSequence uint64 `json:"serverSequence,omitempty"`

	pos uint64
}

func (m Message) Committed() bool { return m.State == Sent }

func (m Message) Local() bool { return m.SenderID == LocalUser }

// Time is the commit time for sent messages and the client time otherwise.
func (m Message) Time() time.Time {
	if m.Committed() {
		return m.Timestamp
	}
	return m.CreatedAt
}

// Position is the append index of the message within its conversation log.
func (m Message) Position() uint64 { return m.pos }

// renderBefore reports whether a sorts before b in the rendered log.
func renderBefore(a, b *Message) bool {
	ka, kb := a.renderKey(), b.renderKey()
	if ka != kb {
		return ka < kb
	}
	if a.Committed() != b.Committed() {
		return a.Committed()
	}
	if a.Committed() {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}
	return a.pos < b.pos
}

func (m *Message) renderKey() uint64 {
	if m.Committed() {
		return m.Sequence
	}
	return m.After
}

// Draft is a message before it enters a log.
type Draft struct {
	ID        string
	SenderID  string
	Content   Content
	CreatedAt time.Time
	State     DeliveryState
	RetryOf   string
}

// Inbound is a message that arrived from the transport for this device.
type Inbound struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Content        Content
	SentAt         time.Time
}

// Ack is the transport's acknowledgment of a submitted message.
type Ack struct {
	Sequence  uint64
	Timestamp time.Time
}

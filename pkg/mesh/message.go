package mesh

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageKind enumerates the closed set of envelope kinds.
type MessageKind uint8

const (
	KindRequest MessageKind = iota + 1
	KindResponse
	KindError
	KindStreamMsg
	KindHeartbeat
	KindDiscovery
	KindRegistration
	KindVersionCheck
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindStreamMsg:
		return "stream"
	case KindHeartbeat:
		return "heartbeat"
	case KindDiscovery:
		return "discovery"
	case KindRegistration:
		return "registration"
	case KindVersionCheck:
		return "version_check"
	default:
		return "unknown"
	}
}

func parseMessageKind(s string) (MessageKind, bool) {
	switch s {
	case "request":
		return KindRequest, true
	case "response":
		return KindResponse, true
	case "error":
		return KindError, true
	case "stream":
		return KindStreamMsg, true
	case "heartbeat":
		return KindHeartbeat, true
	case "discovery":
		return KindDiscovery, true
	case "registration":
		return KindRegistration, true
	case "version_check":
		return KindVersionCheck, true
	default:
		return 0, false
	}
}

func (k MessageKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *MessageKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, ok := parseMessageKind(s)
	if !ok {
		return wrapErr(KindSerialization, "unknown message_type "+s, nil)
	}
	*k = parsed
	return nil
}

// Message is the wire envelope exchanged between agents. Fields mirror
// spec.md §3 exactly; Content and Metadata are arbitrary structured
// values preserved bit-exactly across a JSON round trip.
type Message struct {
	ID            string          `json:"id"`
	Type          MessageKind     `json:"message_type"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Content       json.RawMessage `json:"content"`
	Timestamp     int64           `json:"timestamp"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Version       ProtocolVersion `json:"version"`
}

// NewMessage constructs a Message with a fresh id, the current time, and
// the package's CurrentVersion. content is marshaled to JSON; callers
// passing an already-encoded json.RawMessage get it copied verbatim.
func NewMessage(kind MessageKind, from, to string, content any) (*Message, error) {
	raw, err := encodeContent(content)
	if err != nil {
		return nil, wrapErr(KindSerialization, "encoding message content", err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      kind,
		From:      from,
		To:        to,
		Content:   raw,
		Timestamp: time.Now().Unix(),
		Version:   CurrentVersion,
	}, nil
}

func encodeContent(content any) (json.RawMessage, error) {
	if raw, ok := content.(json.RawMessage); ok {
		return raw, nil
	}
	if content == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(content)
}

// WithCorrelation returns a copy of m with CorrelationID set to id. m is
// not mutated.
func (m Message) WithCorrelation(id string) *Message {
	m.CorrelationID = &id
	return &m
}

// WithMetadata returns a copy of m with Metadata set to md. m is not
// mutated; the existing Metadata map (if any) is replaced, not merged.
func (m Message) WithMetadata(md map[string]any) *Message {
	m.Metadata = md
	return &m
}

// Encode serializes m to its wire form.
func (m *Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, wrapErr(KindSerialization, "encoding message", err)
	}
	return b, nil
}

// DecodeMessage parses a wire-form message.
func DecodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, wrapErr(KindSerialization, "decoding message", err)
	}
	return &m, nil
}

// UnmarshalContent decodes m.Content into v.
func (m *Message) UnmarshalContent(v any) error {
	if err := json.Unmarshal(m.Content, v); err != nil {
		return wrapErr(KindSerialization, "decoding message content", err)
	}
	return nil
}

package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/dispatch/internal/task"
)

// Broadcast as a target delivers to every registered participant except the source.
const Broadcast = "broadcast"

type MessageType int

const (
	Decision MessageType = iota + 1
	Outcome
	Status
	Alert
	Request
	Response
	Ack
)

var MessageTypes = []MessageType{Decision, Outcome, Status, Alert, Request, Response, Ack}

func (t MessageType) String() string {
	switch t {
	case Decision:
		return "DECISION"
	case Outcome:
		return "OUTCOME"
	case Status:
		return "STATUS"
	case Alert:
		return "ALERT"
	case Request:
		return "REQUEST"
	case Response:
		return "RESPONSE"
	case Ack:
		return "ACK"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

func (t MessageType) Valid() bool {
	return t >= Decision && t <= Ack
}

func (t MessageType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid message type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *MessageType) UnmarshalText(b []byte) error {
	v, err := ParseMessageType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func ParseMessageType(s string) (MessageType, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for _, t := range MessageTypes {
		if t.String() == up {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", s)
}

// Message is immutable once published.
type Message struct {
	ID             string          `json:"id"`
	Type           MessageType     `json:"type"`
	Source         string          `json:"source"`
	Target         string          `json:"target"`
	Priority       task.Priority   `json:"priority"`
	Content        json.RawMessage `json:"content,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ReplyTo        string          `json:"reply_to,omitempty"`
	TTLSeconds     int             `json:"ttl_seconds,omitempty"`
}

// Expired reports whether the message outlived its TTL. A zero TTL never expires.
func (m Message) Expired(now time.Time) bool {
	if m.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(m.CreatedAt) > time.Duration(m.TTLSeconds)*time.Second
}

func (m Message) IsBroadcast() bool {
	return m.Target == Broadcast
}

// Decode unmarshals the message content into v.
func (m Message) Decode(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("message %s has no content", m.ID)
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("decode %s content: %w", m.Type, err)
	}
	return nil
}

// NewMessage builds a message with JSON-encoded content.
func NewMessage(typ MessageType, source, target string, prio task.Priority, content any) (Message, error) {
	msg := Message{
		Type:     typ,
		Source:   source,
		Target:   target,
		Priority: prio,
	}
	if content != nil {
		data, err := json.Marshal(content)
		if err != nil {
			return Message{}, fmt.Errorf("marshal content: %w", err)
		}
		msg.Content = data
	}
	return msg, nil
}

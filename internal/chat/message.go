// Package chat defines room messages, their participants, and the
// realtime wire protocol exchanged with connected clients.
package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	perrors "github.com/p-blackswan/collabhub/internal/errors"
)

// AgentID is the wire sender id reserved for the AI participant.
const (
	AgentID    = "ai"
	AgentEmail = "AI"
)

// Participant is either a Human or the Agent.
type Participant interface {
	isParticipant()
}

// Human is an authenticated collaborator.
type Human struct {
	ID    string
	Email string
}

// Agent is the AI participant. Its message bodies carry a structured reply.
type Agent struct{}

func (Human) isParticipant() {}
func (Agent) isParticipant() {}

// ParticipantFor maps a wire sender id to its participant variant.
func ParticipantFor(id, email string) Participant {
	if id == AgentID {
		return Agent{}
	}
	return Human{ID: id, Email: email}
}

// Message is a single chat entry in a room.
type Message struct {
	Sender    Participant
	Body      string
	Timestamp time.Time
}

// Validate checks the message has a usable sender and a body.
func (m Message) Validate() error {
	switch s := m.Sender.(type) {
	case Human:
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: sender has no id", perrors.ErrMalformedMessage)
		}
		if s.ID == AgentID {
			return fmt.Errorf("%w: human sender uses reserved id", perrors.ErrMalformedMessage)
		}
	case Agent:
	case nil:
		return fmt.Errorf("%w: missing sender", perrors.ErrMalformedMessage)
	default:
		return fmt.Errorf("%w: unknown sender %T", perrors.ErrMalformedMessage, s)
	}
	if strings.TrimSpace(m.Body) == "" {
		return fmt.Errorf("%w: empty body", perrors.ErrMalformedMessage)
	}
	return nil
}

// IsAgent reports whether the message comes from the AI participant.
func (m Message) IsAgent() bool {
	_, ok := m.Sender.(Agent)
	return ok
}

// WireSender is the sender object on the wire.
type WireSender struct {
	ID    string `json:"_id"`
	Email string `json:"email"`
}

// SenderOf renders p in its wire shape.
func SenderOf(p Participant) WireSender {
	switch s := p.(type) {
	case Human:
		return WireSender{ID: s.ID, Email: s.Email}
	case Agent:
		return WireSender{ID: AgentID, Email: AgentEmail}
	default:
		return WireSender{}
	}
}

// ProjectMessage is the data of a "project-message" event.
type ProjectMessage struct {
	Message   json.RawMessage `json:"message"`
	Sender    *WireSender     `json:"sender"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// DecodeProjectMessage parses a "project-message" payload. The message
// field may be a JSON string or an object; objects are kept as their
// compact JSON text.
func DecodeProjectMessage(data []byte) (Message, error) {
	var pm ProjectMessage
	if err := json.Unmarshal(data, &pm); err != nil {
		return Message{}, fmt.Errorf("%w: %v", perrors.ErrMalformedMessage, err)
	}
	if pm.Sender == nil {
		return Message{}, fmt.Errorf("%w: missing sender", perrors.ErrMalformedMessage)
	}
	body, err := bodyText(pm.Message)
	if err != nil {
		return Message{}, err
	}
	ts := time.Now()
	if pm.Timestamp > 0 {
		ts = time.UnixMilli(pm.Timestamp)
	}
	msg := Message{
		Sender:    ParticipantFor(pm.Sender.ID, pm.Sender.Email),
		Body:      body,
		Timestamp: ts,
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func bodyText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: missing body", perrors.ErrMalformedMessage)
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: %v", perrors.ErrMalformedMessage, err)
		}
		return s, nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", fmt.Errorf("%w: %v", perrors.ErrMalformedMessage, err)
		}
		return buf.String(), nil
	default:
		return string(raw), nil
	}
}

// EncodeProjectMessage renders msg as a "project-message" payload. The
// body always travels as a JSON string; Agent bodies are JSON text that
// clients parse themselves.
func EncodeProjectMessage(msg Message) (json.RawMessage, error) {
	body, err := json.Marshal(msg.Body)
	if err != nil {
		return nil, err
	}
	sender := SenderOf(msg.Sender)
	pm := ProjectMessage{
		Message: body,
		Sender:  &sender,
	}
	if !msg.Timestamp.IsZero() {
		pm.Timestamp = msg.Timestamp.UnixMilli()
	}
	return json.Marshal(pm)
}

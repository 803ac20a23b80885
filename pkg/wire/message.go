// Package wire defines the JSON text frame exchanged with the remote.
package wire

import (
	stdjson "encoding/json"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Well-known message types.
const (
	TypeHeartbeat        = "heartbeat"
	TypeAuthTokenExpired = "auth-token-expired"
	TypeConnectionID     = "connection-id"
	TypeHubInvoke        = "hub-invoke"

	// HubEventPrefix prefixes the type of server-pushed hub events:
	// "hub-event:<hub>.<event>".
	HubEventPrefix = "hub-event:"
)

// ErrMalformed is returned by Decode for frames that are not a message.
var ErrMalformed = errors.New("wire: malformed message")

// Message is one frame on the wire. ID is set on anything expecting
// correlation and echoed by the matching response.
type Message struct {
	Type      string             `json:"type"`
	Payload   stdjson.RawMessage `json:"payload"`
	ID        string             `json:"id,omitempty"`
	Error     string             `json:"error,omitempty"`
	Timestamp string             `json:"timestamp,omitempty"`
	Encrypted bool               `json:"encrypted,omitempty"`
}

// NewMessage builds a message and marshals payload into it. A nil payload
// becomes JSON null.
func NewMessage(msgType string, payload any) (*Message, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: raw}, nil
}

// MarshalPayload converts payload to raw JSON. Raw JSON passes through.
func MarshalPayload(payload any) (stdjson.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case stdjson.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload: %w", err)
	}
	return raw, nil
}

// DecodePayload unmarshals the payload into v. A null or absent payload
// leaves v untouched.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Encode serializes m as a single text frame.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %q: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses one frame. A frame without a type is malformed.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type == "" && m.ID == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &m, nil
}

// GenerateID returns a fresh correlation id.
func GenerateID() string {
	return uuid.NewString()
}

// Timestamp formats t as the ISO-8601 string carried on the wire.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// RemoteError is an application error carried in a response's error field.
type RemoteError struct {
	ID      string
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error for %s (%s): %s", e.ID, e.Type, e.Message)
}

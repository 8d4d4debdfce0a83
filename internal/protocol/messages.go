// Package protocol defines the WebSocket message types for Daemon ↔ UI
// frontend communication. All messages are JSON-encoded and wrapped in an
// Envelope for uniform routing. The frontend renders authorization prompts;
// the daemon owns every decision.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Daemon → Frontend
	MsgPromptShow    MessageType = "prompt.show"
	MsgPromptTick    MessageType = "prompt.tick"
	MsgPromptDismiss MessageType = "prompt.dismiss"

	// Frontend → Daemon
	MsgFrontendHello MessageType = "frontend.hello"
	MsgPromptAction  MessageType = "prompt.action"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // Message ID for correlation and deduplication.
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, sessionID string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Daemon → Frontend payloads ---

// ExpiryOption is one selectable retention in the prompt.
type ExpiryOption struct {
	Kind    string `json:"kind"`              // "forever", "once", "minutes"
	Minutes int    `json:"minutes,omitempty"` // Only for kind "minutes".
}

// PromptShowPayload is sent with MsgPromptShow when a session needs an
// interactive decision.
type PromptShowPayload struct {
	UID            int64          `json:"uid"`
	PackageName    string         `json:"package_name"`
	DisplayName    string         `json:"display_name"`
	Command        string         `json:"command,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Options        []ExpiryOption `json:"options"`
}

// PromptTickPayload is sent with MsgPromptTick once per second.
type PromptTickPayload struct {
	Remaining int `json:"remaining"`
}

// PromptDismissPayload is sent with MsgPromptDismiss when the session is
// over, whatever resolved it.
type PromptDismissPayload struct {
	Reason string `json:"reason,omitempty"`
}

// --- Frontend → Daemon payloads ---

// HelloPayload is sent with MsgFrontendHello when the frontend connects.
type HelloPayload struct {
	Version string `json:"version"`
}

// PromptActionPayload is sent with MsgPromptAction for every user
// interaction with a displayed prompt.
type PromptActionPayload struct {
	Action   string       `json:"action"`             // "decide", "select", "cancel"
	Decision string       `json:"decision,omitempty"` // "allow" or "deny" when action is "decide".
	Expiry   ExpiryOption `json:"expiry"`
}

// ErrorPayload is sent with MsgError for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

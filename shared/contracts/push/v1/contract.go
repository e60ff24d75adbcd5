// Package v1 defines the chat push channel protocol v1.
//
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol a client must negotiate.
const Subprotocol = "chat.push.v1"

// Frame types (wire-stable).
const (
	// TypeHello authenticates the connection (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms the session (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageSend sends a message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send, including idempotent resends (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageRead marks one message or a whole conversation read (client -> server).
	TypeMessageRead = "message_read"
	// TypeTyping is both the client typing signal and the pushed typing event.
	TypeTyping = "typing"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Push event types (server -> client).
const (
	EventMessageNew      = "message:new"
	EventMessageRead     = "message:read"
	EventMessageReaction = "message:reaction"
	EventMessageDeleted  = "message:deleted"
)

// Reaction actions carried by EventMessageReaction.
const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ConvID  string          `json:"convId,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageRead,
		TypeTyping,
		TypeError,
		EventMessageNew,
		EventMessageRead,
		EventMessageReaction,
		EventMessageDeleted:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- client payloads ----

// HelloPayload carries the access token when it was not sent on the upgrade request.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// Attachment mirrors the REST attachment descriptor.
type Attachment struct {
	URL  string `json:"url"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
	Name string `json:"name,omitempty"`
}

// MessageSendPayload requests sending a message into a conversation.
type MessageSendPayload struct {
	ConversationID string       `json:"conversationId"`
	ClientID       string       `json:"clientId"`
	Type           string       `json:"type,omitempty"`
	Content        string       `json:"content,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyTo        string       `json:"replyTo,omitempty"`
}

// MessageReadPayload marks MessageID read, or the whole conversation when MessageID is empty.
type MessageReadPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
}

// TypingPayload toggles the sender's typing indicator.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// ---- server payloads ----

// HelloAckPayload confirms the authenticated session.
type HelloAckPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// MessageAckPayload acknowledges a send. Duplicate is true for an idempotent resend.
type MessageAckPayload struct {
	ConversationID string    `json:"conversationId"`
	ClientID       string    `json:"clientId,omitempty"`
	MessageID      string    `json:"messageId"`
	Duplicate      bool      `json:"duplicate"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ErrorPayload describes a rejected frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RefID   string `json:"refId,omitempty"`
}

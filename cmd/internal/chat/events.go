package chat

import (
	"context"
	"errors"
	"time"
)

// Domain-only event types. They are published to the event stream but never pushed.
const (
	EventConversationCreated = "conversation:created"
	EventConversationLeft    = "conversation:left"
)

// Event is a state change to be pushed to participants and published to the event stream.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	ActorID        string    `json:"actorId"`
	At             time.Time `json:"at"`
	Payload        any       `json:"payload"`

	// Ephemeral events (typing) are pushed but not published.
	Ephemeral bool `json:"-"`
}

// ErrNotConnected is returned by a Notifier when the user has no live push subscription.
// Fan-out counts it as offline, not as a failure.
var ErrNotConnected = errors.New("recipient not connected")

// Notifier delivers an event to every live connection of one user.
type Notifier interface {
	Notify(ctx context.Context, userID string, ev Event) error
}

// EventPublisher appends an event to the durable domain event stream.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev Event) error
}

// MessageNewEvent is the payload of pushv1.EventMessageNew.
type MessageNewEvent struct {
	Message Message `json:"message"`
	Sender  Profile `json:"sender"`
}

// MessageReadEvent is the payload of pushv1.EventMessageRead.
type MessageReadEvent struct {
	ConversationID string    `json:"conversationId"`
	MessageIDs     []string  `json:"messageIds"`
	Reader         Profile   `json:"reader"`
	ReadAt         time.Time `json:"readAt"`
}

// ReactionEvent is the payload of pushv1.EventMessageReaction.
type ReactionEvent struct {
	ConversationID string  `json:"conversationId"`
	MessageID      string  `json:"messageId"`
	Action         string  `json:"action"`
	Emoji          string  `json:"emoji,omitempty"`
	User           Profile `json:"user"`
}

// MessageDeletedEvent is the payload of pushv1.EventMessageDeleted.
type MessageDeletedEvent struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	DeletedAt      time.Time `json:"deletedAt"`
}

// TypingEvent is the payload of pushv1.TypeTyping.
type TypingEvent struct {
	ConversationID string  `json:"conversationId"`
	User           Profile `json:"user"`
	IsTyping       bool    `json:"isTyping"`
}

// ConversationEvent is the payload of the conversation domain events.
type ConversationEvent struct {
	Conversation Conversation `json:"conversation"`
}

// Package events publishes the domain event stream consumed by downstream services
// (search indexing, notifications).
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"chatcore/cmd/internal/chat"
)

// SchemaVersion is appended to every routing key.
const SchemaVersion = "v1"

// Meta describes one published event.
type Meta struct {
	// Unique event id; also the AMQP message id.
	ID string `json:"id"`
	// Routing key, e.g. chat.message.new.v1.
	Type string `json:"type"`
	// Conversation the event belongs to, so consumers can group related events.
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Emitting service.
	Producer *string   `json:"producer,omitempty"`
	Time     time.Time `json:"time"`
}

// Envelope is the wire body of every event.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// Data is the body carried under Envelope.Data.
type Data struct {
	ConversationID string `json:"conversationId"`
	ActorID        string `json:"actorId"`
	Payload        any    `json:"payload"`
}

// RoutingKey maps a core event type to its topic routing key:
// "message:new" becomes "chat.message.new.v1".
func RoutingKey(eventType string) string {
	t := strings.ToLower(strings.TrimSpace(eventType))
	t = strings.NewReplacer(":", ".", "_", ".").Replace(t)
	return "chat." + t + "." + SchemaVersion
}

// NewEnvelope wraps ev for publishing.
func NewEnvelope(ev chat.Event, producer string) Envelope {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	meta := Meta{
		ID:   uuid.NewString(),
		Type: RoutingKey(ev.Type),
		Time: at,
	}
	if ev.ConversationID != "" {
		cid := ev.ConversationID
		meta.CorrelationID = &cid
	}
	if producer != "" {
		meta.Producer = &producer
	}
	return Envelope{
		Meta: meta,
		Data: Data{ConversationID: ev.ConversationID, ActorID: ev.ActorID, Payload: ev.Payload},
	}
}

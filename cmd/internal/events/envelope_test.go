package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"chatcore/cmd/internal/chat"
)

func TestRoutingKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"message:new", "chat.message.new.v1"},
		{"message:deleted", "chat.message.deleted.v1"},
		{"conversation:created", "chat.conversation.created.v1"},
		{" Message:Read ", "chat.message.read.v1"},
		{"hello_ack", "chat.hello.ack.v1"},
	}
	for _, tt := range tests {
		if got := RoutingKey(tt.in); got != tt.want {
			t.Fatalf("RoutingKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := chat.Event{
		Type:           "message:deleted",
		ConversationID: "conv-1",
		ActorID:        "alice",
		At:             at,
		Payload:        chat.MessageDeletedEvent{ConversationID: "conv-1", MessageID: "m-1", DeletedAt: at},
	}

	env := NewEnvelope(ev, "chatcore")
	if _, err := uuid.Parse(env.Meta.ID); err != nil {
		t.Fatalf("meta id is not a uuid: %q", env.Meta.ID)
	}
	if env.Meta.Type != "chat.message.deleted.v1" || !env.Meta.Time.Equal(at) {
		t.Fatalf("unexpected meta: %+v", env.Meta)
	}
	if env.Meta.CorrelationID == nil || *env.Meta.CorrelationID != "conv-1" {
		t.Fatalf("correlation id should be the conversation id")
	}
	if env.Meta.Producer == nil || *env.Meta.Producer != "chatcore" {
		t.Fatalf("producer not set")
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Meta map[string]any `json:"meta"`
		Data struct {
			ConversationID string `json:"conversationId"`
			ActorID        string `json:"actorId"`
			Payload        struct {
				MessageID string `json:"messageId"`
			} `json:"payload"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Data.ActorID != "alice" || decoded.Data.Payload.MessageID != "m-1" {
		t.Fatalf("unexpected data: %+v", decoded.Data)
	}

	if other := NewEnvelope(ev, "chatcore"); other.Meta.ID == env.Meta.ID {
		t.Fatalf("event ids must be unique")
	}
}

func TestNewEnvelope_OmitsEmptyOptionalMeta(t *testing.T) {
	t.Parallel()

	env := NewEnvelope(chat.Event{Type: "message:new"}, "")
	if env.Meta.CorrelationID != nil || env.Meta.Producer != nil {
		t.Fatalf("expected nil optional meta, got %+v", env.Meta)
	}
	if env.Meta.Time.IsZero() {
		t.Fatalf("time should default to now")
	}
}

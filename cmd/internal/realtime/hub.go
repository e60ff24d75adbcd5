package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatcore/cmd/internal/chat"
	v1 "chatcore/shared/contracts/push/v1"
)

// Hub tracks the live sessions of this node, grouped by user id, and delivers push
// events to them. It implements chat.Notifier for single-node deployments.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	users map[string]map[string]*Client

	// onChange observes the total session count after every register/unregister.
	onChange func(total int)
	total    int
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		users: make(map[string]map[string]*Client),
	}
}

// OnSessionCount registers fn to observe the live session count.
func (h *Hub) OnSessionCount(fn func(total int)) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

// Register adds c under its user id.
func (h *Hub) Register(c *Client) {
	if c == nil || c.UserID == "" || c.SessionID == "" {
		return
	}

	h.mu.Lock()
	sessions, ok := h.users[c.UserID]
	if !ok {
		sessions = make(map[string]*Client)
		h.users[c.UserID] = sessions
	}
	if _, dup := sessions[c.SessionID]; !dup {
		h.total++
	}
	sessions[c.SessionID] = c
	total, fn := h.total, h.onChange
	h.mu.Unlock()

	if fn != nil {
		fn(total)
	}
	h.log.Info("hub.session.register", "user_id", c.UserID, "session_id", c.SessionID)
}

// Unregister removes c and signals it to stop. Removal happens before Close so a
// concurrent Notify never enqueues to a session that is tearing down.
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}

	h.mu.Lock()
	removed := false
	if sessions, ok := h.users[c.UserID]; ok {
		if _, ok := sessions[c.SessionID]; ok {
			delete(sessions, c.SessionID)
			h.total--
			removed = true
		}
		if len(sessions) == 0 {
			delete(h.users, c.UserID)
		}
	}
	total, fn := h.total, h.onChange
	h.mu.Unlock()

	c.Close()
	if !removed {
		return
	}
	if fn != nil {
		fn(total)
	}
	h.log.Info("hub.session.unregister", "user_id", c.UserID, "session_id", c.SessionID)
}

// Connected reports whether userID has at least one live session on this node.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// Notify pushes ev to every live session of userID. It returns chat.ErrNotConnected
// when the user has no session here. Full session queues drop the event.
func (h *Hub) Notify(_ context.Context, userID string, ev chat.Event) error {
	env, err := EventEnvelope(ev)
	if err != nil {
		return err
	}
	if h.Deliver(userID, env) == 0 {
		return chat.ErrNotConnected
	}
	return nil
}

// Deliver enqueues env to userID's sessions and returns how many accepted it.
func (h *Hub) Deliver(userID string, env v1.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessions := h.users[userID]
	if len(sessions) == 0 {
		return 0
	}

	n := 0
	for _, c := range sessions {
		if c.offer(env) {
			n++
			continue
		}
		h.log.Warn("hub.deliver.drop", "user_id", userID, "session_id", c.SessionID, "type", env.Type)
	}
	return n
}

// EventEnvelope renders a core event as a push frame.
func EventEnvelope(ev chat.Event) (v1.Envelope, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("encode %s payload: %w", ev.Type, err)
	}
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return newEnvelope(ev.Type, ev.ConversationID, payload, ts), nil
}

func newEnvelope(typ, convID string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newEnvelopeID(ts),
		ConvID:  convID,
		TS:      ts,
		Payload: payload,
	}
}

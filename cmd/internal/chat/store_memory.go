package chat

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is the dev fallback when no database is configured.
// One mutex guards all state, which makes every Store method atomic.
type InMemoryStore struct {
	mu sync.Mutex

	convs    map[string]*Conversation
	byDirect map[string]string // direct key -> conversation id

	msgs     map[string]*Message
	byConv   map[string][]string // conversation id -> message ids, insertion order
	byClient map[string]string   // sender + "\x00" + client id -> message id
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:    make(map[string]*Conversation),
		byDirect: make(map[string]string),
		msgs:     make(map[string]*Message),
		byConv:   make(map[string][]string),
		byClient: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func notFound(what, id string) error {
	return fmt.Errorf("%s %q: %w", what, id, ErrNotFound)
}

func (s *InMemoryStore) UpsertDirectConversation(ctx context.Context, conv Conversation) (Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}
	if conv.DirectKey == "" {
		return Conversation{}, false, errors.New("memory store: missing direct key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byDirect[conv.DirectKey]; ok {
		return s.convs[id].clone(), false, nil
	}
	c := conv.clone()
	s.convs[c.ID] = &c
	s.byDirect[c.DirectKey] = c.ID
	return c.clone(), true, nil
}

func (s *InMemoryStore) CreateConversation(ctx context.Context, conv Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conv.ID]; ok {
		return fmt.Errorf("memory store: conversation %q exists", conv.ID)
	}
	c := conv.clone()
	s.convs[c.ID] = &c
	return nil
}

func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, notFound("conversation", id)
	}
	return c.clone(), nil
}

func (s *InMemoryStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Conversation, 0, 16)
	for _, c := range s.convs {
		if _, ok := c.Participant(userID); ok {
			out = append(out, c.clone())
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Conversation) int {
		if c := b.LastActivityAt.Compare(a.LastActivityAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (s *InMemoryStore) participant(conversationID, userID string) (*Participant, error) {
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, notFound("conversation", conversationID)
	}
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], nil
		}
	}
	return nil, notFound("participant", userID)
}

func (s *InMemoryStore) SetParticipantArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.participant(conversationID, userID)
	if err != nil {
		return err
	}
	p.IsArchived = archived
	return nil
}

func (s *InMemoryStore) SetParticipantActive(ctx context.Context, conversationID, userID string, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.participant(conversationID, userID)
	if err != nil {
		return err
	}
	p.IsActive = active
	return nil
}

func (s *InMemoryStore) AdvanceLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.participant(conversationID, userID)
	if err != nil {
		return err
	}
	if p.LastReadAt == nil || at.After(*p.LastReadAt) {
		t := at
		p.LastReadAt = &t
	}
	return nil
}

func (s *InMemoryStore) InsertMessage(ctx context.Context, m Message, recipients []string) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var clientKey string
	if m.ClientID != "" {
		clientKey = m.SenderID + "\x00" + m.ClientID
		if id, ok := s.byClient[clientKey]; ok {
			return s.msgs[id].clone(), true, nil
		}
	}

	c, ok := s.convs[m.ConversationID]
	if !ok {
		return Message{}, false, notFound("conversation", m.ConversationID)
	}

	stored := m.clone()
	stored.Status = ""
	stored.DeliveredTo = make([]Receipt, 0, len(recipients))
	for _, u := range recipients {
		stored.DeliveredTo = append(stored.DeliveredTo, Receipt{UserID: u, At: m.CreatedAt})
	}

	s.msgs[stored.ID] = &stored
	s.byConv[stored.ConversationID] = append(s.byConv[stored.ConversationID], stored.ID)
	if clientKey != "" {
		s.byClient[clientKey] = stored.ID
	}

	c.MessageCount++
	if c.LastMessageID == "" || newerThan(stored.CreatedAt, stored.ID, c.LastActivityAt, c.LastMessageID) {
		c.LastMessageID = stored.ID
	}
	if stored.CreatedAt.After(c.LastActivityAt) {
		c.LastActivityAt = stored.CreatedAt
	}

	return stored.clone(), false, nil
}

func newerThan(at time.Time, id string, refAt time.Time, refID string) bool {
	if c := at.Compare(refAt); c != 0 {
		return c > 0
	}
	return id > refID
}

func (s *InMemoryStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return Message{}, notFound("message", id)
	}
	return m.clone(), nil
}

// conversationMessages returns the conversation's messages newest first. Caller holds mu.
func (s *InMemoryStore) conversationMessages(conversationID string) []*Message {
	ids := s.byConv[conversationID]
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.msgs[id])
	}
	slices.SortFunc(out, func(a, b *Message) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

// beforeCursor reports whether m sorts strictly before the (at, id) cursor.
func beforeCursor(m *Message, at time.Time, id string) bool {
	if c := m.CreatedAt.Compare(at); c != 0 {
		return c < 0
	}
	return id != "" && m.ID < id
}

func (s *InMemoryStore) ListMessages(ctx context.Context, q HistoryQuery) ([]Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	limit := clampLimit(q.Limit, defaultHistoryLimit, maxHistoryLimit)

	s.mu.Lock()
	defer s.mu.Unlock()

	visible := make([]*Message, 0, limit+1)
	for _, m := range s.conversationMessages(q.ConversationID) {
		if m.HiddenFor(q.ViewerID) {
			continue
		}
		if q.Before != nil && !beforeCursor(m, *q.Before, q.BeforeID) {
			continue
		}
		visible = append(visible, m)
	}

	start := 0
	if q.Before == nil && q.Page > 1 {
		start = (q.Page - 1) * limit
	}
	if start >= len(visible) {
		return nil, false, nil
	}
	window := visible[start:]
	hasMore := len(window) > limit
	if hasMore {
		window = window[:limit]
	}

	out := make([]Message, 0, len(window))
	for _, m := range window {
		out = append(out, m.clone())
	}
	return out, hasMore, nil
}

func (s *InMemoryStore) SearchMessages(ctx context.Context, q SearchQuery) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := clampLimit(q.Limit, defaultSearchLimit, maxSearchLimit)
	term := strings.ToLower(q.Term)

	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []*Message
	for id, c := range s.convs {
		if q.ConversationID != "" && id != q.ConversationID {
			continue
		}
		if _, ok := c.Participant(q.RequesterID); !ok {
			continue
		}
		for _, m := range s.conversationMessages(id) {
			if m.Deleted || m.HiddenFor(q.RequesterID) {
				continue
			}
			if strings.Contains(strings.ToLower(m.Content), term) {
				matches = append(matches, m)
			}
		}
	}

	slices.SortFunc(matches, func(a, b *Message) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]Message, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.clone())
	}
	return out, nil
}

func (s *InMemoryStore) AddReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[messageID]
	if !ok {
		return false, notFound("message", messageID)
	}
	if m.ReadByUser(userID) {
		return false, nil
	}
	m.ReadBy = append(m.ReadBy, Receipt{UserID: userID, At: at})
	return true, nil
}

func (s *InMemoryStore) MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; !ok {
		return nil, notFound("conversation", conversationID)
	}

	var marked []string
	for _, id := range s.byConv[conversationID] {
		m := s.msgs[id]
		if m.SenderID == userID || m.ReadByUser(userID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, Receipt{UserID: userID, At: at})
		marked = append(marked, id)
	}
	return marked, nil
}

func (s *InMemoryStore) SetReaction(ctx context.Context, messageID, userID string, r Reaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[messageID]
	if !ok {
		return notFound("message", messageID)
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]Reaction)
	}
	m.Reactions[userID] = r
	return nil
}

func (s *InMemoryStore) RemoveReaction(ctx context.Context, messageID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[messageID]
	if !ok {
		return false, notFound("message", messageID)
	}
	if _, ok := m.Reactions[userID]; !ok {
		return false, nil
	}
	delete(m.Reactions, userID)
	return true, nil
}

func (s *InMemoryStore) MarkDeleted(ctx context.Context, messageID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[messageID]
	if !ok {
		return false, notFound("message", messageID)
	}
	if m.Deleted {
		return false, nil
	}
	t := at
	m.Deleted = true
	m.DeletedAt = &t

	c := s.convs[m.ConversationID]
	if c != nil && c.LastMessageID == m.ID {
		c.LastMessageID = ""
		for _, other := range s.conversationMessages(c.ID) {
			if !other.Deleted {
				c.LastMessageID = other.ID
				break
			}
		}
	}
	return true, nil
}

func (s *InMemoryStore) AddDeletedFor(ctx context.Context, messageID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[messageID]
	if !ok {
		return false, notFound("message", messageID)
	}
	if m.HiddenFor(userID) {
		return false, nil
	}
	m.DeletedFor = append(m.DeletedFor, userID)
	return true, nil
}

func unreadFor(m *Message, userID string) bool {
	return m.SenderID != userID && !m.ReadByUser(userID) && !m.Deleted && !m.HiddenFor(userID)
}

func (s *InMemoryStore) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range s.byConv[conversationID] {
		if unreadFor(s.msgs[id], userID) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CountUnreadByConversation(ctx context.Context, userID string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int)
	for id, c := range s.convs {
		if _, ok := c.Participant(userID); !ok {
			continue
		}
		n := 0
		for _, mid := range s.byConv[id] {
			if unreadFor(s.msgs[mid], userID) {
				n++
			}
		}
		if n > 0 {
			out[id] = n
		}
	}
	return out, nil
}

package chat

import (
	"context"
	"slices"
	"strings"
	"time"

	"chatcore/cmd/internal/ids"
)

// FindOrCreateDirect returns the direct conversation between userA and userB, creating it
// on first use. Concurrent calls for the same pair, in either order, converge on one row
// through the store's unique DirectKey.
//
// If userA had left the conversation, their membership is reactivated.
func (s *Service) FindOrCreateDirect(ctx context.Context, userA, userB string) (Conversation, error) {
	const op = "chat.FindOrCreateDirect"

	if err := checkUser(op, userA); err != nil {
		return Conversation{}, err
	}
	if err := checkUser(op, userB); err != nil {
		return Conversation{}, err
	}
	if userA == userB {
		return Conversation{}, opErr(op, ErrInvalidParticipant, "cannot start a conversation with yourself")
	}

	now := s.clock()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, opErr(op, ErrTransientStore, err.Error())
	}

	wctx, cancel := s.detached(ctx)
	defer cancel()

	conv, created, err := s.store.UpsertDirectConversation(wctx, Conversation{
		ID:        id,
		Kind:      KindDirect,
		DirectKey: DirectKey(userA, userB),
		Participants: []Participant{
			{UserID: userA, IsActive: true, JoinedAt: now},
			{UserID: userB, IsActive: true, JoinedAt: now},
		},
		LastActivityAt: now,
		CreatedBy:      userA,
		CreatedAt:      now,
	})
	if err != nil {
		return Conversation{}, storeErr(op, err)
	}

	if created {
		s.log.Info("chat.conversation.created", "conversation_id", conv.ID, "kind", conv.Kind, "user_id", userA)
		s.dispatch(Event{
			Type:           EventConversationCreated,
			ConversationID: conv.ID,
			ActorID:        userA,
			At:             now,
			Payload:        ConversationEvent{Conversation: conv},
		}, nil)
		return conv, nil
	}

	if p, ok := conv.Participant(userA); ok && !p.IsActive {
		if err := s.store.SetParticipantActive(wctx, conv.ID, userA, true); err != nil {
			return Conversation{}, storeErr(op, err)
		}
		if conv, err = s.store.GetConversation(wctx, conv.ID); err != nil {
			return Conversation{}, storeErr(op, err)
		}
	}
	return conv, nil
}

// CreateGroup creates a group conversation of creatorID plus memberIDs.
// A group needs at least three distinct participants.
func (s *Service) CreateGroup(ctx context.Context, creatorID, title string, memberIDs []string) (Conversation, error) {
	const op = "chat.CreateGroup"

	if err := checkUser(op, creatorID); err != nil {
		return Conversation{}, err
	}
	title = strings.TrimSpace(title)
	if runeLen(title) > maxTitleRunes {
		return Conversation{}, opErr(op, ErrInvalidArgument, "title too long")
	}

	members := []string{creatorID}
	for _, u := range memberIDs {
		u = strings.TrimSpace(u)
		if err := checkUser(op, u); err != nil {
			return Conversation{}, err
		}
		if !slices.Contains(members, u) {
			members = append(members, u)
		}
	}
	if len(members) < 3 {
		return Conversation{}, opErr(op, ErrInvalidParticipant, "a group needs at least three participants")
	}
	if len(members) > maxGroupSize {
		return Conversation{}, opErr(op, ErrInvalidParticipant, "too many participants")
	}

	now := s.clock()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, opErr(op, ErrTransientStore, err.Error())
	}

	conv := Conversation{
		ID:             id,
		Kind:           KindGroup,
		Title:          title,
		Participants:   make([]Participant, 0, len(members)),
		LastActivityAt: now,
		CreatedBy:      creatorID,
		CreatedAt:      now,
	}
	for _, u := range members {
		conv.Participants = append(conv.Participants, Participant{UserID: u, IsActive: true, JoinedAt: now})
	}

	wctx, cancel := s.detached(ctx)
	defer cancel()

	if err := s.store.CreateConversation(wctx, conv); err != nil {
		return Conversation{}, storeErr(op, err)
	}

	s.log.Info("chat.conversation.created", "conversation_id", conv.ID, "kind", conv.Kind, "user_id", creatorID)
	s.dispatch(Event{
		Type:           EventConversationCreated,
		ConversationID: conv.ID,
		ActorID:        creatorID,
		At:             now,
		Payload:        ConversationEvent{Conversation: conv},
	}, nil)

	return conv, nil
}

// CanUserSendMessage reports whether userID is an active participant of conv.
// It is the authorization gate for every write.
func CanUserSendMessage(conv Conversation, userID string) bool {
	return conv.IsActiveParticipant(userID)
}

// GetConversation returns the conversation if userID holds a participant entry in it.
func (s *Service) GetConversation(ctx context.Context, conversationID, userID string) (Conversation, error) {
	const op = "chat.GetConversation"

	if err := checkID(op, "conversation", conversationID); err != nil {
		return Conversation{}, err
	}
	if err := checkUser(op, userID); err != nil {
		return Conversation{}, err
	}
	return s.loadMember(ctx, op, conversationID, userID, false)
}

// SetArchiveStatus archives or unarchives the conversation for userID only.
func (s *Service) SetArchiveStatus(ctx context.Context, conversationID, userID string, archived bool) (Summary, error) {
	const op = "chat.SetArchiveStatus"

	if err := checkID(op, "conversation", conversationID); err != nil {
		return Summary{}, err
	}
	if err := checkUser(op, userID); err != nil {
		return Summary{}, err
	}
	if _, err := s.loadMember(ctx, op, conversationID, userID, false); err != nil {
		return Summary{}, err
	}

	wctx, cancel := s.detached(ctx)
	defer cancel()

	if err := s.store.SetParticipantArchived(wctx, conversationID, userID, archived); err != nil {
		return Summary{}, storeErr(op, err)
	}

	conv, err := s.store.GetConversation(wctx, conversationID)
	if err != nil {
		return Summary{}, storeErr(op, err)
	}
	unread, err := s.store.CountUnread(wctx, conversationID, userID)
	if err != nil {
		return Summary{}, storeErr(op, err)
	}
	return s.summarize(wctx, conv, userID, unread), nil
}

// UpdateLastRead advances userID's lastReadAt to at. It never moves backwards.
func (s *Service) UpdateLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	const op = "chat.UpdateLastRead"

	if err := checkID(op, "conversation", conversationID); err != nil {
		return err
	}
	if err := checkUser(op, userID); err != nil {
		return err
	}
	if _, err := s.loadMember(ctx, op, conversationID, userID, false); err != nil {
		return err
	}
	if at.IsZero() {
		at = s.clock()
	}

	wctx, cancel := s.detached(ctx)
	defer cancel()

	return storeErr(op, s.store.AdvanceLastRead(wctx, conversationID, userID, at.UTC()))
}

// LeaveConversation deactivates userID's membership. Other participants are unaffected.
// Leaving twice is a no-op.
func (s *Service) LeaveConversation(ctx context.Context, conversationID, userID string) error {
	const op = "chat.LeaveConversation"

	if err := checkID(op, "conversation", conversationID); err != nil {
		return err
	}
	if err := checkUser(op, userID); err != nil {
		return err
	}
	conv, err := s.loadMember(ctx, op, conversationID, userID, false)
	if err != nil {
		return err
	}
	if !conv.IsActiveParticipant(userID) {
		return nil
	}

	wctx, cancel := s.detached(ctx)
	defer cancel()

	if err := s.store.SetParticipantActive(wctx, conversationID, userID, false); err != nil {
		return storeErr(op, err)
	}

	s.dispatch(Event{
		Type:           EventConversationLeft,
		ConversationID: conversationID,
		ActorID:        userID,
		At:             s.clock(),
	}, nil)
	return nil
}

// ListConversations returns userID's active conversations, most recent activity first,
// each with its derived unread count and a preview of the last message.
func (s *Service) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]Summary, error) {
	const op = "chat.ListConversations"

	if err := checkUser(op, userID); err != nil {
		return nil, err
	}

	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	counts, err := s.store.CountUnreadByConversation(ctx, userID)
	if err != nil {
		return nil, storeErr(op, err)
	}

	out := make([]Summary, 0, len(convs))
	for _, conv := range convs {
		p, ok := conv.Participant(userID)
		if !ok || !p.IsActive {
			continue
		}
		if p.IsArchived && !includeArchived {
			continue
		}
		out = append(out, s.summarize(ctx, conv, userID, counts[conv.ID]))
	}
	return out, nil
}

func (s *Service) summarize(ctx context.Context, conv Conversation, userID string, unread int) Summary {
	p, _ := conv.Participant(userID)
	sum := Summary{
		Conversation: conv,
		UnreadCount:  unread,
		IsArchived:   p.IsArchived,
		LastReadAt:   p.LastReadAt,
	}
	if conv.LastMessageID == "" {
		return sum
	}

	m, err := s.store.GetMessage(ctx, conv.LastMessageID)
	if err != nil {
		s.log.Debug("chat.summary.last_message.fail", "conversation_id", conv.ID, "err", err)
		return sum
	}
	if !m.HiddenFor(userID) {
		last := present(m, conv, userID)
		sum.LastMessage = &last
	}
	return sum
}

package chat

import (
	"context"
	"slices"
	"strings"
	"time"

	"chatcore/cmd/internal/ids"
	pushv1 "chatcore/shared/contracts/push/v1"
)

// SendInput is a send request. ClientID is the sender's idempotency key: a resend with
// the same (SenderID, ClientID) returns the original message.
type SendInput struct {
	ConversationID string
	SenderID       string
	Type           MessageType
	Content        string
	Attachments    []Attachment
	ReplyTo        string
	ClientID       string
}

// SendResult is the outcome of Send.
type SendResult struct {
	Message    Message
	Duplicated bool
}

// Outcome returns ErrDuplicateSuppressed for an idempotent resend, nil otherwise.
func (r SendResult) Outcome() error {
	if r.Duplicated {
		return ErrDuplicateSuppressed
	}
	return nil
}

func validateSend(op string, in *SendInput) error {
	if err := checkID(op, "conversation", in.ConversationID); err != nil {
		return err
	}
	if err := checkUser(op, in.SenderID); err != nil {
		return err
	}
	if in.Type == "" {
		in.Type = TypeText
	}
	if !in.Type.valid() {
		return opErr(op, ErrInvalidArgument, "unknown message type")
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return opErr(op, ErrInvalidArgument, "content or attachments required")
	}
	if runeLen(in.Content) > maxContentRunes {
		return opErr(op, ErrInvalidArgument, "content too long")
	}
	if len(in.Attachments) > maxAttachments {
		return opErr(op, ErrInvalidArgument, "too many attachments")
	}
	for _, a := range in.Attachments {
		if strings.TrimSpace(a.URL) == "" || strings.TrimSpace(a.Mime) == "" || a.Size < 0 {
			return opErr(op, ErrInvalidArgument, "invalid attachment")
		}
	}
	in.ClientID = strings.TrimSpace(in.ClientID)
	if len(in.ClientID) > maxClientIDLen {
		return opErr(op, ErrInvalidArgument, "client id too long")
	}
	if in.ReplyTo != "" {
		if err := checkID(op, "reply", in.ReplyTo); err != nil {
			return err
		}
	}
	return nil
}

// Send persists a message and fans it out to the other active participants.
//
// The rate window is checked before any store access. The write is durable before
// fan-out is attempted and fan-out never blocks or fails the send.
func (s *Service) Send(ctx context.Context, in SendInput) (SendResult, error) {
	const op = "chat.Send"

	if err := validateSend(op, &in); err != nil {
		return SendResult{}, err
	}

	now := s.clock()
	if !s.limiter.Allow(in.SenderID, now) {
		s.metrics.limited()
		return SendResult{}, opErr(op, ErrRateLimited, "too many messages")
	}

	conv, err := s.loadMember(ctx, op, in.ConversationID, in.SenderID, true)
	if err != nil {
		return SendResult{}, err
	}

	if in.ReplyTo != "" {
		target, err := s.store.GetMessage(ctx, in.ReplyTo)
		if IsNotFound(err) {
			return SendResult{}, opErr(op, ErrInvalidArgument, "reply target not found")
		}
		if err != nil {
			return SendResult{}, storeErr(op, err)
		}
		if target.ConversationID != conv.ID {
			return SendResult{}, opErr(op, ErrInvalidArgument, "reply target is in another conversation")
		}
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return SendResult{}, opErr(op, ErrTransientStore, err.Error())
	}

	m := Message{
		ID:             id,
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Type:           in.Type,
		Content:        in.Content,
		Attachments:    slices.Clone(in.Attachments),
		ReplyToID:      in.ReplyTo,
		ClientID:       in.ClientID,
		CreatedAt:      now,
	}
	recipients := conv.ActiveUserIDs(in.SenderID)

	wctx, cancel := s.detached(ctx)
	defer cancel()

	stored, duplicated, err := s.store.InsertMessage(wctx, m, recipients)
	if err != nil {
		return SendResult{}, storeErr(op, err)
	}

	if duplicated {
		s.metrics.duplicate()
		s.log.Debug("chat.message.duplicate", "message_id", stored.ID, "client_id", in.ClientID, "user_id", in.SenderID)
		if stored.ConversationID != conv.ID {
			if c, err := s.store.GetConversation(wctx, stored.ConversationID); err == nil {
				conv = c
			}
		}
		return SendResult{Message: present(stored, conv, in.SenderID), Duplicated: true}, nil
	}

	s.metrics.sent()
	s.log.Debug("chat.message.sent", "message_id", stored.ID, "conversation_id", conv.ID, "user_id", in.SenderID)

	s.dispatch(Event{
		Type:           pushv1.EventMessageNew,
		ConversationID: conv.ID,
		ActorID:        in.SenderID,
		At:             now,
		Payload: MessageNewEvent{
			Message: present(stored, conv, ""),
			Sender:  s.profile(wctx, in.SenderID),
		},
	}, recipients)

	return SendResult{Message: present(stored, conv, in.SenderID)}, nil
}

// HistoryInput selects a page of history. Before takes precedence over Page.
// To page backwards without skipping messages that share a timestamp, pass the oldest
// message of the previous page as Before (its CreatedAt) and BeforeID (its ID).
type HistoryInput struct {
	ConversationID string
	ViewerID       string
	Before         *time.Time
	BeforeID       string
	Page           int
	Limit          int
}

// HistoryPage is a window of history in chronological order.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// History returns a page of messages oldest-first. Messages the viewer deleted for
// themselves are omitted; messages deleted for everyone appear as tombstones.
func (s *Service) History(ctx context.Context, in HistoryInput) (HistoryPage, error) {
	const op = "chat.History"

	if err := checkID(op, "conversation", in.ConversationID); err != nil {
		return HistoryPage{}, err
	}
	if err := checkUser(op, in.ViewerID); err != nil {
		return HistoryPage{}, err
	}
	conv, err := s.loadMember(ctx, op, in.ConversationID, in.ViewerID, false)
	if err != nil {
		return HistoryPage{}, err
	}

	page := in.Page
	if page < 1 {
		page = 1
	}
	msgs, hasMore, err := s.store.ListMessages(ctx, HistoryQuery{
		ConversationID: in.ConversationID,
		ViewerID:       in.ViewerID,
		Before:         in.Before,
		BeforeID:       in.BeforeID,
		Page:           page,
		Limit:          clampLimit(in.Limit, defaultHistoryLimit, maxHistoryLimit),
	})
	if err != nil {
		return HistoryPage{}, storeErr(op, err)
	}

	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = present(m, conv, in.ViewerID)
	}
	return HistoryPage{Messages: out, HasMore: hasMore}, nil
}

// GetMessage returns one message as userID sees it.
func (s *Service) GetMessage(ctx context.Context, messageID, userID string) (Message, error) {
	const op = "chat.GetMessage"

	if err := checkID(op, "message", messageID); err != nil {
		return Message{}, err
	}
	if err := checkUser(op, userID); err != nil {
		return Message{}, err
	}
	m, conv, err := s.loadMessage(ctx, op, messageID, userID, false)
	if err != nil {
		return Message{}, err
	}
	return present(m, conv, userID), nil
}

// MarkAsRead records that userID has read the message. Repeated calls keep exactly one
// receipt. Marking one's own message is a silent no-op. The reader must be active.
func (s *Service) MarkAsRead(ctx context.Context, messageID, userID string) (Message, error) {
	const op = "chat.MarkAsRead"

	if err := checkID(op, "message", messageID); err != nil {
		return Message{}, err
	}
	if err := checkUser(op, userID); err != nil {
		return Message{}, err
	}
	m, conv, err := s.loadMessage(ctx, op, messageID, userID, true)
	if err != nil {
		return Message{}, err
	}
	if m.SenderID == userID || m.ReadByUser(userID) {
		return present(m, conv, userID), nil
	}

	now := s.clock()
	wctx, cancel := s.detached(ctx)
	defer cancel()

	added, err := s.store.AddReadReceipt(wctx, messageID, userID, now)
	if err != nil {
		return Message{}, storeErr(op, err)
	}
	if added {
		if err := s.store.AdvanceLastRead(wctx, conv.ID, userID, now); err != nil {
			return Message{}, storeErr(op, err)
		}
		s.dispatch(Event{
			Type:           pushv1.EventMessageRead,
			ConversationID: conv.ID,
			ActorID:        userID,
			At:             now,
			Payload: MessageReadEvent{
				ConversationID: conv.ID,
				MessageIDs:     []string{messageID},
				Reader:         s.profile(wctx, userID),
				ReadAt:         now,
			},
		}, conv.ActiveUserIDs(userID))
	}

	if m, err = s.store.GetMessage(wctx, messageID); err != nil {
		return Message{}, storeErr(op, err)
	}
	return present(m, conv, userID), nil
}

// MarkConversationRead marks every unread message in the conversation as read by userID
// and returns the unread count recomputed from message state.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID, userID string) (int, error) {
	const op = "chat.MarkConversationRead"

	if err := checkID(op, "conversation", conversationID); err != nil {
		return 0, err
	}
	if err := checkUser(op, userID); err != nil {
		return 0, err
	}
	conv, err := s.loadMember(ctx, op, conversationID, userID, true)
	if err != nil {
		return 0, err
	}

	now := s.clock()
	wctx, cancel := s.detached(ctx)
	defer cancel()

	marked, err := s.store.MarkConversationRead(wctx, conversationID, userID, now)
	if err != nil {
		return 0, storeErr(op, err)
	}
	if err := s.store.AdvanceLastRead(wctx, conversationID, userID, now); err != nil {
		return 0, storeErr(op, err)
	}

	if len(marked) > 0 {
		s.dispatch(Event{
			Type:           pushv1.EventMessageRead,
			ConversationID: conversationID,
			ActorID:        userID,
			At:             now,
			Payload: MessageReadEvent{
				ConversationID: conversationID,
				MessageIDs:     marked,
				Reader:         s.profile(wctx, userID),
				ReadAt:         now,
			},
		}, conv.ActiveUserIDs(userID))
	}

	n, err := s.store.CountUnread(wctx, conversationID, userID)
	if err != nil {
		return 0, storeErr(op, err)
	}
	return n, nil
}

// AddReaction sets userID's reaction, replacing any previous emoji.
func (s *Service) AddReaction(ctx context.Context, messageID, userID, emoji string) (Message, error) {
	const op = "chat.AddReaction"

	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiBytes {
		return Message{}, opErr(op, ErrInvalidArgument, "invalid emoji")
	}
	m, conv, err := s.reactionTarget(ctx, op, messageID, userID)
	if err != nil {
		return Message{}, err
	}

	now := s.clock()
	wctx, cancel := s.detached(ctx)
	defer cancel()

	if err := s.store.SetReaction(wctx, m.ID, userID, Reaction{Emoji: emoji, ReactedAt: now}); err != nil {
		return Message{}, storeErr(op, err)
	}
	s.dispatchReaction(wctx, conv, m.ID, userID, pushv1.ReactionAdd, emoji, now)

	if m, err = s.store.GetMessage(wctx, m.ID); err != nil {
		return Message{}, storeErr(op, err)
	}
	return present(m, conv, userID), nil
}

// RemoveReaction deletes userID's reaction if present.
func (s *Service) RemoveReaction(ctx context.Context, messageID, userID string) (Message, error) {
	const op = "chat.RemoveReaction"

	m, conv, err := s.reactionTarget(ctx, op, messageID, userID)
	if err != nil {
		return Message{}, err
	}

	now := s.clock()
	wctx, cancel := s.detached(ctx)
	defer cancel()

	removed, err := s.store.RemoveReaction(wctx, m.ID, userID)
	if err != nil {
		return Message{}, storeErr(op, err)
	}
	if removed {
		s.dispatchReaction(wctx, conv, m.ID, userID, pushv1.ReactionRemove, "", now)
	}

	if m, err = s.store.GetMessage(wctx, m.ID); err != nil {
		return Message{}, storeErr(op, err)
	}
	return present(m, conv, userID), nil
}

func (s *Service) reactionTarget(ctx context.Context, op, messageID, userID string) (Message, Conversation, error) {
	if err := checkID(op, "message", messageID); err != nil {
		return Message{}, Conversation{}, err
	}
	if err := checkUser(op, userID); err != nil {
		return Message{}, Conversation{}, err
	}
	m, conv, err := s.loadMessage(ctx, op, messageID, userID, true)
	if err != nil {
		return Message{}, Conversation{}, err
	}
	if m.Deleted {
		return Message{}, Conversation{}, opErr(op, ErrNotFound, "message deleted")
	}
	return m, conv, nil
}

func (s *Service) dispatchReaction(ctx context.Context, conv Conversation, messageID, userID, action, emoji string, at time.Time) {
	s.dispatch(Event{
		Type:           pushv1.EventMessageReaction,
		ConversationID: conv.ID,
		ActorID:        userID,
		At:             at,
		Payload: ReactionEvent{
			ConversationID: conv.ID,
			MessageID:      messageID,
			Action:         action,
			Emoji:          emoji,
			User:           s.profile(ctx, userID),
		},
	}, conv.ActiveUserIDs(userID))
}

// DeleteInput selects delete-for-everyone or delete-for-self.
type DeleteInput struct {
	MessageID   string
	RequesterID string
	ForEveryone bool
}

// SoftDelete hides a message. Delete-for-everyone is limited to the sender and to the
// delete window (inclusive); delete-for-self hides it for the requester only, with no
// time limit. Both are idempotent and require an active participant.
func (s *Service) SoftDelete(ctx context.Context, in DeleteInput) error {
	const op = "chat.SoftDelete"

	if err := checkID(op, "message", in.MessageID); err != nil {
		return err
	}
	if err := checkUser(op, in.RequesterID); err != nil {
		return err
	}

	m, err := s.store.GetMessage(ctx, in.MessageID)
	if err != nil {
		return storeErr(op, err)
	}
	conv, err := s.loadMember(ctx, op, m.ConversationID, in.RequesterID, true)
	if err != nil {
		return err
	}

	wctx, cancel := s.detached(ctx)
	defer cancel()

	if !in.ForEveryone {
		if m.HiddenFor(in.RequesterID) {
			return nil
		}
		_, err := s.store.AddDeletedFor(wctx, m.ID, in.RequesterID)
		return storeErr(op, err)
	}

	if m.HiddenFor(in.RequesterID) {
		return opErr(op, ErrNotFound, "message not found")
	}
	if m.SenderID != in.RequesterID {
		return opErr(op, ErrUnauthorized, "only the sender can delete for everyone")
	}
	if m.Deleted {
		return nil
	}
	now := s.clock()
	if now.Sub(m.CreatedAt) > s.deleteWindow {
		return opErr(op, ErrDeleteWindowExpired, "message is too old to delete for everyone")
	}

	changed, err := s.store.MarkDeleted(wctx, m.ID, now)
	if err != nil {
		return storeErr(op, err)
	}
	if changed {
		s.log.Info("chat.message.deleted", "message_id", m.ID, "conversation_id", conv.ID, "user_id", in.RequesterID)
		s.dispatch(Event{
			Type:           pushv1.EventMessageDeleted,
			ConversationID: conv.ID,
			ActorID:        in.RequesterID,
			At:             now,
			Payload: MessageDeletedEvent{
				ConversationID: conv.ID,
				MessageID:      m.ID,
				DeletedAt:      now,
			},
		}, conv.ActiveUserIDs(in.RequesterID))
	}
	return nil
}

// SearchInput is a content search. ConversationID optionally narrows the scope.
type SearchInput struct {
	Term           string
	RequesterID    string
	ConversationID string
	Limit          int
}

// Search matches content case-insensitively across the requester's conversations,
// newest first with ties broken by id. Deleted messages and messages the requester
// deleted for themselves never match.
func (s *Service) Search(ctx context.Context, in SearchInput) ([]Message, error) {
	const op = "chat.Search"

	term := strings.TrimSpace(in.Term)
	if term == "" {
		return nil, opErr(op, ErrInvalidArgument, "search term required")
	}
	if runeLen(term) > maxSearchTermLen {
		return nil, opErr(op, ErrInvalidArgument, "search term too long")
	}
	if err := checkUser(op, in.RequesterID); err != nil {
		return nil, err
	}

	convs := make(map[string]Conversation)
	if in.ConversationID != "" {
		if err := checkID(op, "conversation", in.ConversationID); err != nil {
			return nil, err
		}
		conv, err := s.loadMember(ctx, op, in.ConversationID, in.RequesterID, false)
		if err != nil {
			return nil, err
		}
		convs[conv.ID] = conv
	}

	msgs, err := s.store.SearchMessages(ctx, SearchQuery{
		Term:           term,
		RequesterID:    in.RequesterID,
		ConversationID: in.ConversationID,
		Limit:          clampLimit(in.Limit, defaultSearchLimit, maxSearchLimit),
	})
	if err != nil {
		return nil, storeErr(op, err)
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		conv, ok := convs[m.ConversationID]
		if !ok {
			if conv, err = s.store.GetConversation(ctx, m.ConversationID); err != nil {
				return nil, storeErr(op, err)
			}
			convs[conv.ID] = conv
		}
		out = append(out, present(m, conv, in.RequesterID))
	}
	return out, nil
}

package chat

import "context"

// Unread counts are always derived from message state: messages in the conversation
// not sent by the user, without the user's read receipt, and not deleted for everyone
// or for the user. No counter is stored.

// UnreadCount returns userID's unread count in one conversation.
func (s *Service) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	const op = "chat.UnreadCount"

	if err := checkID(op, "conversation", conversationID); err != nil {
		return 0, err
	}
	if err := checkUser(op, userID); err != nil {
		return 0, err
	}
	if _, err := s.loadMember(ctx, op, conversationID, userID, false); err != nil {
		return 0, err
	}

	n, err := s.store.CountUnread(ctx, conversationID, userID)
	if err != nil {
		return 0, storeErr(op, err)
	}
	return n, nil
}

// TotalUnread sums unread counts over userID's active, non-archived conversations.
func (s *Service) TotalUnread(ctx context.Context, userID string) (int, error) {
	const op = "chat.TotalUnread"

	if err := checkUser(op, userID); err != nil {
		return 0, err
	}

	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return 0, storeErr(op, err)
	}
	counts, err := s.store.CountUnreadByConversation(ctx, userID)
	if err != nil {
		return 0, storeErr(op, err)
	}

	total := 0
	for _, conv := range convs {
		p, ok := conv.Participant(userID)
		if !ok || !p.IsActive || p.IsArchived {
			continue
		}
		total += counts[conv.ID]
	}
	return total, nil
}

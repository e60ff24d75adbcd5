package chat

import (
	"context"

	pushv1 "chatcore/shared/contracts/push/v1"
)

// Typing sets or clears userID's typing indicator and pushes it to the other active
// participants. Typing events are never published to the event stream.
func (s *Service) Typing(ctx context.Context, conversationID, userID string, isTyping bool) error {
	const op = "chat.Typing"

	if err := checkID(op, "conversation", conversationID); err != nil {
		return err
	}
	if err := checkUser(op, userID); err != nil {
		return err
	}
	conv, err := s.loadMember(ctx, op, conversationID, userID, true)
	if err != nil {
		return err
	}

	if s.typing != nil {
		if err := s.typing.SetTyping(ctx, conversationID, userID, isTyping); err != nil {
			return storeErr(op, err)
		}
	}

	s.dispatch(Event{
		Type:           pushv1.TypeTyping,
		ConversationID: conversationID,
		ActorID:        userID,
		At:             s.clock(),
		Payload: TypingEvent{
			ConversationID: conversationID,
			User:           s.profile(ctx, userID),
			IsTyping:       isTyping,
		},
		Ephemeral: true,
	}, conv.ActiveUserIDs(userID))
	return nil
}

// TypingUsers lists the other participants currently typing in the conversation.
func (s *Service) TypingUsers(ctx context.Context, conversationID, userID string) ([]string, error) {
	const op = "chat.TypingUsers"

	if err := checkID(op, "conversation", conversationID); err != nil {
		return nil, err
	}
	if err := checkUser(op, userID); err != nil {
		return nil, err
	}
	conv, err := s.loadMember(ctx, op, conversationID, userID, false)
	if err != nil {
		return nil, err
	}
	if s.typing == nil {
		return []string{}, nil
	}

	users, err := s.typing.TypingUsers(ctx, conversationID, conv.ActiveUserIDs(userID))
	if err != nil {
		return nil, storeErr(op, err)
	}
	if users == nil {
		users = []string{}
	}
	return users, nil
}

package chat

import (
	"context"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// Store is the persistence adapter used by Service.
//
// Requirements:
//   - At most one direct conversation per DirectKey.
//   - Idempotent message insert per (sender, client id).
//   - Atomic set-membership updates for read receipts, reactions and deleted-for.
//   - Conversation counters use atomic increment and set-if-newer, never whole-row writes.
//
// Lookups of missing rows return an error wrapping ErrNotFound.
type Store interface {
	// UpsertDirectConversation inserts conv unless a conversation with the same DirectKey
	// exists, and returns the stored row. created is false when an existing row won.
	UpsertDirectConversation(ctx context.Context, conv Conversation) (stored Conversation, created bool, err error)
	CreateConversation(ctx context.Context, conv Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// ListConversations returns every conversation userID has a participant entry in,
	// ordered by last activity (newest first).
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	SetParticipantArchived(ctx context.Context, conversationID, userID string, archived bool) error
	SetParticipantActive(ctx context.Context, conversationID, userID string, active bool) error
	// AdvanceLastRead sets the participant's lastReadAt to at unless it is already later.
	AdvanceLastRead(ctx context.Context, conversationID, userID string, at time.Time) error

	// InsertMessage persists m with delivery receipts for recipients and bumps the owning
	// conversation. If m.ClientID is set and (sender, client id) exists, the existing
	// message is returned with duplicated=true and nothing is written.
	InsertMessage(ctx context.Context, m Message, recipients []string) (stored Message, duplicated bool, err error)
	GetMessage(ctx context.Context, id string) (Message, error)
	ListMessages(ctx context.Context, q HistoryQuery) (msgs []Message, hasMore bool, err error)
	SearchMessages(ctx context.Context, q SearchQuery) ([]Message, error)

	// AddReadReceipt adds (userID, at) to readBy if absent.
	AddReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (added bool, err error)
	// MarkConversationRead adds read receipts for every message in the conversation not sent
	// by userID and not yet read by them. It returns the ids that were newly marked.
	MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error)
	// SetReaction replaces userID's reaction.
	SetReaction(ctx context.Context, messageID, userID string, r Reaction) error
	RemoveReaction(ctx context.Context, messageID, userID string) (removed bool, err error)
	// MarkDeleted flags the message deleted for everyone and, when it was the conversation's
	// last message, repoints lastMessageId at the newest message still visible.
	MarkDeleted(ctx context.Context, messageID string, at time.Time) (changed bool, err error)
	AddDeletedFor(ctx context.Context, messageID, userID string) (added bool, err error)

	// CountUnread counts messages in the conversation not sent by userID, not read by userID,
	// and not deleted for everyone or for userID.
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)
	// CountUnreadByConversation applies CountUnread to every conversation of userID.
	CountUnreadByConversation(ctx context.Context, userID string) (map[string]int, error)

	Close() error
}

// HistoryQuery selects a window of a conversation's history for one viewer.
// Before pages by timestamp; Page (1-based, newest page first) pages by offset.
// Messages the viewer deleted for themselves are excluded.
type HistoryQuery struct {
	ConversationID string
	ViewerID       string
	// Before and BeforeID form a (createdAt, id) cursor: only messages strictly older than
	// the cursor match, with ties on createdAt broken by id. An empty BeforeID matches
	// every message at the Before instant too, so it is strictly time-based.
	Before   *time.Time
	BeforeID string
	Page     int
	Limit          int
}

// SearchQuery is a case-insensitive substring search over message content.
type SearchQuery struct {
	Term           string
	RequesterID    string
	ConversationID string
	Limit          int
}

func clampLimit(limit, def, upper int) int {
	if limit <= 0 {
		return def
	}
	if limit > upper {
		return upper
	}
	return limit
}

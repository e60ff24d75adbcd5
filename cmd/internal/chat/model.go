package chat

import (
	"slices"
	"time"
)

// Kind is the conversation kind.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// MessageType classifies message payloads. The core treats all types alike.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

func (t MessageType) valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeSystem:
		return true
	default:
		return false
	}
}

// Status is the sender-facing aggregate progress of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Participant is one user's membership entry in a conversation.
type Participant struct {
	UserID     string     `json:"userId"`
	IsActive   bool       `json:"isActive"`
	IsArchived bool       `json:"isArchived"`
	JoinedAt   time.Time  `json:"joinedAt"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

// Conversation groups messages among a participant set.
type Conversation struct {
	ID             string        `json:"id"`
	Kind           Kind          `json:"kind"`
	DirectKey      string        `json:"-"`
	Title          string        `json:"title,omitempty"`
	Participants   []Participant `json:"participants"`
	LastMessageID  string        `json:"lastMessageId,omitempty"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	MessageCount   int64         `json:"messageCount"`
	CreatedBy      string        `json:"createdBy"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Participant returns userID's membership entry, if any.
func (c Conversation) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// IsActiveParticipant reports whether userID is a participant that has not left.
func (c Conversation) IsActiveParticipant(userID string) bool {
	p, ok := c.Participant(userID)
	return ok && p.IsActive
}

// ActiveUserIDs returns active participants, excluding the given user ids.
func (c Conversation) ActiveUserIDs(except ...string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if !p.IsActive || slices.Contains(except, p.UserID) {
			continue
		}
		out = append(out, p.UserID)
	}
	return out
}

func (c Conversation) clone() Conversation {
	out := c
	out.Participants = make([]Participant, len(c.Participants))
	for i, p := range c.Participants {
		if p.LastReadAt != nil {
			t := *p.LastReadAt
			p.LastReadAt = &t
		}
		out.Participants[i] = p
	}
	return out
}

// Attachment is an opaque descriptor supplied by the media-upload collaborator.
type Attachment struct {
	URL  string `json:"url" validate:"required,url,max=2048"`
	Mime string `json:"mime" validate:"required,max=255"`
	Size int64  `json:"size" validate:"gte=0"`
	Name string `json:"name,omitempty" validate:"max=255"`
}

// Receipt records a per-user delivery or read event.
type Receipt struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// Reaction is one user's reaction to a message.
type Reaction struct {
	Emoji     string    `json:"emoji"`
	ReactedAt time.Time `json:"reactedAt"`
}

// Message is a persisted message. Status is never stored; it is derived by the Service
// from DeliveredTo/ReadBy when the message is presented.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	Type           MessageType         `json:"type"`
	Content        string              `json:"content"`
	Attachments    []Attachment        `json:"attachments,omitempty"`
	ReplyToID      string              `json:"replyTo,omitempty"`
	Status         Status              `json:"status,omitempty"`
	DeliveredTo    []Receipt           `json:"deliveredTo,omitempty"`
	ReadBy         []Receipt           `json:"readBy,omitempty"`
	Reactions      map[string]Reaction `json:"reactions,omitempty"`
	Deleted        bool                `json:"deleted"`
	DeletedAt      *time.Time          `json:"deletedAt,omitempty"`
	DeletedFor     []string            `json:"-"`
	ClientID       string              `json:"clientId,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// ReadByUser reports whether userID has a read receipt.
func (m Message) ReadByUser(userID string) bool {
	return hasReceipt(m.ReadBy, userID)
}

// DeliveredToUser reports whether userID has a delivery receipt.
func (m Message) DeliveredToUser(userID string) bool {
	return hasReceipt(m.DeliveredTo, userID)
}

// HiddenFor reports whether userID deleted this message for themselves.
func (m Message) HiddenFor(userID string) bool {
	return slices.Contains(m.DeletedFor, userID)
}

func hasReceipt(rs []Receipt, userID string) bool {
	for _, r := range rs {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

func (m Message) clone() Message {
	out := m
	out.Attachments = slices.Clone(m.Attachments)
	out.DeliveredTo = slices.Clone(m.DeliveredTo)
	out.ReadBy = slices.Clone(m.ReadBy)
	out.DeletedFor = slices.Clone(m.DeletedFor)
	if m.Reactions != nil {
		out.Reactions = make(map[string]Reaction, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = v
		}
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

// ComputeStatus derives the sender-facing status from per-recipient receipts.
// Recipients are the conversation's active participants other than the sender.
// With no recipients a message stays "sent".
func ComputeStatus(m Message, conv Conversation) Status {
	recipients := conv.ActiveUserIDs(m.SenderID)
	if len(recipients) == 0 {
		return StatusSent
	}

	allRead, allDelivered := true, true
	for _, u := range recipients {
		read := m.ReadByUser(u)
		if !read {
			allRead = false
		}
		if !read && !m.DeliveredToUser(u) {
			allDelivered = false
		}
	}

	switch {
	case allRead:
		return StatusRead
	case allDelivered:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// Summary is a conversation as listed for one user.
type Summary struct {
	Conversation
	UnreadCount int        `json:"unreadCount"`
	IsArchived  bool       `json:"isArchived"`
	LastReadAt  *time.Time `json:"lastReadAt,omitempty"`
	LastMessage *Message   `json:"lastMessage,omitempty"`
}

// Profile is the denormalized sender info carried by push events.
type Profile struct {
	UserID   string `json:"userId"`
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Verified bool   `json:"verified"`
}

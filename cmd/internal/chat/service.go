package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/cmd/internal/ids"
)

const (
	DefaultDeleteWindow = time.Hour
	defaultWriteTimeout = 10 * time.Second

	maxContentRunes  = 4000
	maxAttachments   = 10
	maxEmojiBytes    = 32
	maxClientIDLen   = 128
	maxUserIDLen     = 128
	maxGroupSize     = 256
	maxTitleRunes    = 200
	maxSearchTermLen = 200
)

// TypingTracker stores ephemeral typing indicators.
type TypingTracker interface {
	SetTyping(ctx context.Context, conversationID, userID string, typing bool) error
	// TypingUsers returns the subset of candidates currently typing in the conversation.
	TypingUsers(ctx context.Context, conversationID string, candidates []string) ([]string, error)
}

// Service is the messaging core: conversation directory, message store and status
// machine, unread accounting and delivery fan-out over a Store.
//
// Writes run on a context detached from the caller: once accepted by the store a write
// completes and fans out even if the client goes away.
type Service struct {
	store    Store
	limiter  *SendLimiter
	fanout   Dispatcher
	profiles ProfileResolver
	typing   TypingTracker
	log      *slog.Logger
	metrics  *Metrics

	now          func() time.Time
	deleteWindow time.Duration
	writeTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithLimiter sets the per-user send rate window.
func WithLimiter(l *SendLimiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithDispatcher sets the fan-out stage. Without one, events are discarded.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) {
		if d != nil {
			s.fanout = d
		}
	}
}

func WithProfiles(p ProfileResolver) Option {
	return func(s *Service) {
		if p != nil {
			s.profiles = p
		}
	}
}

func WithTyping(t TypingTracker) Option {
	return func(s *Service) { s.typing = t }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source. Tests use it to pin the delete window.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDeleteWindow bounds how long after creation a sender may delete for everyone.
func WithDeleteWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.deleteWindow = d
		}
	}
}

// NewService constructs a Service over store.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	s := &Service{
		store:        store,
		limiter:      NewSendLimiter(defaultSendLimit, defaultSendWindow),
		fanout:       nopDispatcher{},
		profiles:     StaticProfiles(nil),
		log:          slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
		deleteWindow: DefaultDeleteWindow,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Close releases the limiter's background goroutine.
func (s *Service) Close() {
	s.limiter.Close()
}

// clock truncates to microseconds so timestamps match what Postgres stores and
// can be handed back as history cursors.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// detached returns a context that survives caller cancellation but not the write timeout.
func (s *Service) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
}

func (s *Service) profile(ctx context.Context, userID string) Profile {
	p, err := s.profiles.Profile(ctx, userID)
	if err != nil {
		s.log.Debug("chat.profile.fail", "user_id", userID, "err", err)
		return Profile{UserID: userID}
	}
	return p
}

func (s *Service) dispatch(ev Event, recipients []string) {
	if len(recipients) == 0 && ev.Ephemeral {
		return
	}
	if !s.fanout.Dispatch(ev, recipients) {
		s.log.Warn("fanout.dropped", "type", ev.Type, "conversation_id", ev.ConversationID)
	}
}

// present shapes a stored message for viewer: status is derived, the idempotency key
// is only shown to its sender and deleted-for-everyone messages become tombstones.
func present(m Message, conv Conversation, viewer string) Message {
	m.Status = ComputeStatus(m, conv)
	if m.SenderID != viewer {
		m.ClientID = ""
	}
	m.DeletedFor = nil
	if m.Deleted {
		m.Content = ""
		m.Attachments = nil
		m.Reactions = nil
	}
	return m
}

func validUserID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && len(id) <= maxUserIDLen
}

func checkUser(op, userID string) error {
	if !validUserID(userID) {
		return opErr(op, ErrInvalidArgument, "invalid user id")
	}
	return nil
}

func checkID(op, what, id string) error {
	if !ids.Valid(id) {
		return opErr(op, ErrInvalidArgument, "invalid "+what+" id")
	}
	return nil
}

// loadMember loads the conversation and requires userID to hold a participant entry.
// active additionally requires the entry to be active.
func (s *Service) loadMember(ctx context.Context, op, conversationID, userID string, active bool) (Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, storeErr(op, err)
	}
	p, ok := conv.Participant(userID)
	if !ok || (active && !p.IsActive) {
		return Conversation{}, opErr(op, ErrUnauthorized, "not a participant")
	}
	return conv, nil
}

// loadMessage loads a message visible to userID together with its conversation.
func (s *Service) loadMessage(ctx context.Context, op, messageID, userID string, active bool) (Message, Conversation, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, Conversation{}, storeErr(op, err)
	}
	conv, err := s.loadMember(ctx, op, m.ConversationID, userID, active)
	if err != nil {
		return Message{}, Conversation{}, err
	}
	if m.HiddenFor(userID) {
		return Message{}, Conversation{}, opErr(op, ErrNotFound, "message not found")
	}
	return m, conv, nil
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

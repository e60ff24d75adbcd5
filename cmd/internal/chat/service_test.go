package chat

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"chatcore/cmd/internal/ids"
	pushv1 "chatcore/shared/contracts/push/v1"
)

type dispatched struct {
	ev         Event
	recipients []string
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []dispatched
}

func (d *recordingDispatcher) Dispatch(ev Event, recipients []string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, dispatched{ev: ev, recipients: slices.Clone(recipients)})
	return true
}

func (d *recordingDispatcher) ofType(typ string) []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []dispatched
	for _, e := range d.events {
		if e.ev.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc   *Service
	store *InMemoryStore
	disp  *recordingDispatcher
	clock *testClock
}

func newHarness(t *testing.T, opts ...Option) harness {
	t.Helper()

	h := harness{
		store: NewInMemoryStore(),
		disp:  &recordingDispatcher{},
		clock: &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	base := []Option{
		WithDispatcher(h.disp),
		WithClock(h.clock.Now),
		WithLimiter(NewSendLimiter(10_000, time.Minute)),
		WithProfiles(StaticProfiles{"alice": {Name: "Alice", Verified: true}}),
	}
	svc, err := NewService(h.store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Close)
	h.svc = svc
	return h
}

func (h harness) direct(t *testing.T, a, b string) Conversation {
	t.Helper()
	conv, err := h.svc.FindOrCreateDirect(context.Background(), a, b)
	if err != nil {
		t.Fatalf("FindOrCreateDirect: %v", err)
	}
	return conv
}

func (h harness) group(t *testing.T, creator string, members ...string) Conversation {
	t.Helper()
	conv, err := h.svc.CreateGroup(context.Background(), creator, "team", members)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	return conv
}

func (h harness) send(t *testing.T, convID, sender, content string) Message {
	t.Helper()
	res, err := h.svc.Send(context.Background(), SendInput{ConversationID: convID, SenderID: sender, Content: content})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return res.Message
}

func (h harness) history(t *testing.T, convID, viewer string) []Message {
	t.Helper()
	page, err := h.svc.History(context.Background(), HistoryInput{ConversationID: convID, ViewerID: viewer, Limit: maxHistoryLimit})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return page.Messages
}

func TestFindOrCreateDirect_SelfIsInvalidParticipant(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.svc.FindOrCreateDirect(context.Background(), "alice", "alice")
	if !errors.Is(err, ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant, got %v", err)
	}
}

func TestFindOrCreateDirect_ConcurrentCallersConverge(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	const n = 40
	got := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := h.svc.FindOrCreateDirect(context.Background(), a, b)
			if err != nil {
				t.Errorf("FindOrCreateDirect: %v", err)
				return
			}
			got[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for _, id := range got {
		if id != got[0] {
			t.Fatalf("conversations diverged: %v", got)
		}
	}
	convs, _ := h.store.ListConversations(context.Background(), "bob")
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if created := h.disp.ofType(EventConversationCreated); len(created) != 1 {
		t.Fatalf("expected one conversation:created event, got %d", len(created))
	}
}

func TestFindOrCreateDirect_ReactivatesCaller(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	conv := h.direct(t, "alice", "bob")
	if err := h.svc.LeaveConversation(ctx, conv.ID, "alice"); err != nil {
		t.Fatalf("LeaveConversation: %v", err)
	}

	again := h.direct(t, "alice", "bob")
	if again.ID != conv.ID || !again.IsActiveParticipant("alice") {
		t.Fatalf("expected same conversation with alice active, got %+v", again)
	}
}

func TestCreateGroup_Participants(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.svc.CreateGroup(context.Background(), "alice", "x", []string{"bob", "alice", "bob"})
	if !errors.Is(err, ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant for two distinct users, got %v", err)
	}

	conv := h.group(t, "alice", "bob", "carol", "bob")
	if conv.Kind != KindGroup || len(conv.Participants) != 3 {
		t.Fatalf("unexpected group: %+v", conv)
	}
	if conv.DirectKey != "" {
		t.Fatalf("groups carry no direct key")
	}
}

func TestSend_IdempotentClientID(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")

	in := SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "hello", ClientID: "tmp-1"}
	first, err := h.svc.Send(ctx, in)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if first.Duplicated || first.Outcome() != nil {
		t.Fatalf("first send must not be a duplicate")
	}
	if first.Message.ClientID != "tmp-1" {
		t.Fatalf("sender should see their client id, got %q", first.Message.ClientID)
	}

	h.clock.Advance(time.Second)
	second, err := h.svc.Send(ctx, in)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if !second.Duplicated || !errors.Is(second.Outcome(), ErrDuplicateSuppressed) {
		t.Fatalf("resend should be suppressed")
	}
	if second.Message.ID != first.Message.ID {
		t.Fatalf("resend returned %s, want %s", second.Message.ID, first.Message.ID)
	}

	got, _ := h.store.GetConversation(ctx, conv.ID)
	if got.MessageCount != 1 {
		t.Fatalf("expected messageCount=1, got %d", got.MessageCount)
	}
	if n := len(h.disp.ofType(pushv1.EventMessageNew)); n != 1 {
		t.Fatalf("expected one message:new fan-out, got %d", n)
	}
	if msgs := h.history(t, conv.ID, "bob"); len(msgs) != 1 || msgs[0].ClientID != "" {
		t.Fatalf("bob should see one message without the client id, got %+v", msgs)
	}
}

func TestSend_FanOutAndDelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conv := h.group(t, "alice", "bob", "carol")

	m := h.send(t, conv.ID, "alice", "hi all")
	if m.Status != StatusDelivered {
		t.Fatalf("expected delivered status, got %s", m.Status)
	}
	if len(m.DeliveredTo) != 2 || m.DeliveredToUser("alice") {
		t.Fatalf("delivery receipts should cover other participants only: %+v", m.DeliveredTo)
	}

	evs := h.disp.ofType(pushv1.EventMessageNew)
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	recipients := slices.Clone(evs[0].recipients)
	slices.Sort(recipients)
	if !slices.Equal(recipients, []string{"bob", "carol"}) {
		t.Fatalf("unexpected recipients %v", recipients)
	}
	payload, ok := evs[0].ev.Payload.(MessageNewEvent)
	if !ok {
		t.Fatalf("unexpected payload %T", evs[0].ev.Payload)
	}
	if payload.Sender.Name != "Alice" || !payload.Sender.Verified {
		t.Fatalf("sender profile not denormalized: %+v", payload.Sender)
	}

	got, _ := h.store.GetConversation(context.Background(), conv.ID)
	if got.LastMessageID != m.ID || !got.LastActivityAt.Equal(m.CreatedAt) {
		t.Fatalf("conversation activity not updated: %+v", got)
	}
}

func TestSend_Rejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	conv := h.direct(t, "alice", "bob")
	other := h.direct(t, "alice", "carol")
	foreign := h.send(t, other.ID, "alice", "elsewhere")
	missing, _ := ids.NewULID(time.Now())

	long := make([]rune, maxContentRunes+1)
	for i := range long {
		long[i] = 'x'
	}

	cases := []struct {
		name string
		in   SendInput
		want error
	}{
		{"empty", SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "   "}, ErrInvalidArgument},
		{"malformed conversation id", SendInput{ConversationID: "nope", SenderID: "alice", Content: "x"}, ErrInvalidArgument},
		{"unknown type", SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "x", Type: "video"}, ErrInvalidArgument},
		{"too long", SendInput{ConversationID: conv.ID, SenderID: "alice", Content: string(long)}, ErrInvalidArgument},
		{"bad attachment", SendInput{ConversationID: conv.ID, SenderID: "alice", Attachments: []Attachment{{URL: "", Mime: "image/png"}}}, ErrInvalidArgument},
		{"reply in other conversation", SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "x", ReplyTo: foreign.ID}, ErrInvalidArgument},
		{"reply missing", SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "x", ReplyTo: missing}, ErrInvalidArgument},
		{"non participant", SendInput{ConversationID: conv.ID, SenderID: "mallory", Content: "x"}, ErrUnauthorized},
		{"missing conversation", SendInput{ConversationID: missing, SenderID: "alice", Content: "x"}, ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Send(ctx, tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := h.svc.Send(ctx, SendInput{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Attachments:    []Attachment{{URL: "https://cdn.example/p.png", Mime: "image/png", Size: 10}},
		Type:           TypeImage,
	}); err != nil {
		t.Fatalf("attachment-only send should be accepted: %v", err)
	}
}

func TestSend_LeftParticipantIsUnauthorized(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	conv := h.group(t, "alice", "bob", "carol")

	if err := h.svc.LeaveConversation(ctx, conv.ID, "carol"); err != nil {
		t.Fatalf("LeaveConversation: %v", err)
	}
	if err := h.svc.LeaveConversation(ctx, conv.ID, "carol"); err != nil {
		t.Fatalf("leaving twice should be a no-op: %v", err)
	}

	_, err := h.svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "carol", Content: "back?"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	m := h.send(t, conv.ID, "alice", "after carol left")
	if m.DeliveredToUser("carol") {
		t.Fatalf("inactive participants get no delivery receipt")
	}
	evs := h.disp.ofType(pushv1.EventMessageNew)
	if slices.Contains(evs[len(evs)-1].recipients, "carol") {
		t.Fatalf("inactive participants get no fan-out")
	}

	// The remaining participants have read; carol's absence does not hold status back.
	if _, err := h.svc.MarkAsRead(ctx, m.ID, "bob"); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	got, _ := h.svc.GetMessage(ctx, m.ID, "alice")
	if got.Status != StatusRead {
		t.Fatalf("expected read, got %s", got.Status)
	}
}

func TestLeftParticipant_CannotMarkReadOrDelete(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	conv := h.group(t, "alice", "bob", "carol")

	own := h.send(t, conv.ID, "alice", "mine")
	other := h.send(t, conv.ID, "bob", "for alice")

	if err := h.svc.LeaveConversation(ctx, conv.ID, "alice"); err != nil {
		t.Fatalf("LeaveConversation: %v", err)
	}
	readEvents := len(h.disp.ofType(pushv1.EventMessageRead))
	deleteEvents := len(h.disp.ofType(pushv1.EventMessageDeleted))

	err := h.svc.SoftDelete(ctx, DeleteInput{MessageID: own.ID, RequesterID: "alice", ForEveryone: true})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("delete-for-everyone after leaving: expected ErrUnauthorized, got %v", err)
	}
	err = h.svc.SoftDelete(ctx, DeleteInput{MessageID: other.ID, RequesterID: "alice"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("delete-for-self after leaving: expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.svc.MarkAsRead(ctx, other.ID, "alice"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("MarkAsRead after leaving: expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.svc.MarkConversationRead(ctx, conv.ID, "alice"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("MarkConversationRead after leaving: expected ErrUnauthorized, got %v", err)
	}

	got, err := h.svc.GetMessage(ctx, own.ID, "bob")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Deleted || got.Content != "mine" {
		t.Fatalf("message must survive for the remaining members, got %+v", got)
	}
	if got, _ := h.svc.GetMessage(ctx, other.ID, "bob"); got.ReadByUser("alice") {
		t.Fatalf("no receipt may be recorded for a participant who left")
	}
	if n := len(h.disp.ofType(pushv1.EventMessageRead)); n != readEvents {
		t.Fatalf("no message:read may be fanned out, got %d new", n-readEvents)
	}
	if n := len(h.disp.ofType(pushv1.EventMessageDeleted)); n != deleteEvents {
		t.Fatalf("no message:deleted may be fanned out, got %d new", n-deleteEvents)
	}

	// Reading history stays allowed.
	if _, err := h.svc.History(ctx, HistoryInput{ConversationID: conv.ID, ViewerID: "alice"}); err != nil {
		t.Fatalf("History after leaving: %v", err)
	}
}

func TestSend_RateLimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithLimiter(NewSendLimiter(2, time.Minute)))
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")

	h.send(t, conv.ID, "alice", "1")
	h.send(t, conv.ID, "alice", "2")

	_, err := h.svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "alice", Content: "3"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	got, _ := h.store.GetConversation(ctx, conv.ID)
	if got.MessageCount != 2 {
		t.Fatalf("rate-limited send must not persist, count=%d", got.MessageCount)
	}

	// Limits are per user.
	h.send(t, conv.ID, "bob", "mine")

	h.clock.Advance(time.Minute)
	h.send(t, conv.ID, "alice", "later")
}

func TestMarkAsRead_MonotonicAndSenderNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")
	m := h.send(t, conv.ID, "alice", "read me")

	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Second)
		got, err := h.svc.MarkAsRead(ctx, m.ID, "bob")
		if err != nil {
			t.Fatalf("MarkAsRead: %v", err)
		}
		if len(got.ReadBy) != 1 {
			t.Fatalf("expected exactly one receipt, got %+v", got.ReadBy)
		}
	}
	if n := len(h.disp.ofType(pushv1.EventMessageRead)); n != 1 {
		t.Fatalf("expected one message:read event, got %d", n)
	}

	got, err := h.svc.MarkAsRead(ctx, m.ID, "alice")
	if err != nil {
		t.Fatalf("sender MarkAsRead should be a silent no-op, got %v", err)
	}
	if got.ReadByUser("alice") {
		t.Fatalf("sender must never appear in readBy")
	}
	if got.Status != StatusRead {
		t.Fatalf("expected read status, got %s", got.Status)
	}

	conv, _ = h.store.GetConversation(ctx, conv.ID)
	bob, _ := conv.Participant("bob")
	if bob.LastReadAt == nil {
		t.Fatalf("lastReadAt should advance on read")
	}

	if _, err := h.svc.MarkAsRead(ctx, m.ID, "mallory"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for outsider, got %v", err)
	}
}

func TestUnread_MatchesMessageState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	users := []string{"alice", "bob", "carol"}
	conv := h.group(t, users[0], users[1:]...)

	rng := rand.New(rand.NewSource(7))
	var sent []Message
	for step := 0; step < 200; step++ {
		h.clock.Advance(time.Millisecond)
		u := users[rng.Intn(len(users))]
		switch op := rng.Intn(10); {
		case op < 5 || len(sent) == 0:
			sent = append(sent, h.send(t, conv.ID, u, "m"))
		case op < 9:
			m := sent[rng.Intn(len(sent))]
			if _, err := h.svc.MarkAsRead(ctx, m.ID, u); err != nil {
				t.Fatalf("MarkAsRead: %v", err)
			}
		default:
			if _, err := h.svc.MarkConversationRead(ctx, conv.ID, u); err != nil {
				t.Fatalf("MarkConversationRead: %v", err)
			}
		}

		for _, v := range users {
			want := 0
			for _, m := range h.history(t, conv.ID, v) {
				if m.SenderID != v && !m.ReadByUser(v) {
					want++
				}
			}
			got, err := h.svc.UnreadCount(ctx, conv.ID, v)
			if err != nil {
				t.Fatalf("UnreadCount: %v", err)
			}
			if got != want {
				t.Fatalf("step %d: unread(%s)=%d, derived %d", step, v, got, want)
			}
		}
	}
}

func TestMarkConversationRead_RecomputesCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")

	for i := 0; i < 3; i++ {
		h.send(t, conv.ID, "bob", "ping")
	}
	h.send(t, conv.ID, "alice", "own")

	if n, _ := h.svc.TotalUnread(ctx, "alice"); n != 3 {
		t.Fatalf("expected total unread 3, got %d", n)
	}

	n, err := h.svc.MarkConversationRead(ctx, conv.ID, "alice")
	if err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 after sweep, got %d", n)
	}
	evs := h.disp.ofType(pushv1.EventMessageRead)
	if len(evs) != 1 || len(evs[0].ev.Payload.(MessageReadEvent).MessageIDs) != 3 {
		t.Fatalf("expected one bulk read event with 3 ids, got %+v", evs)
	}
	if n, _ := h.svc.TotalUnread(ctx, "alice"); n != 0 {
		t.Fatalf("expected total unread 0, got %d", n)
	}
	if n, _ := h.svc.UnreadCount(ctx, conv.ID, "bob"); n != 1 {
		t.Fatalf("bob's count is independent, got %d", n)
	}
}

func TestSoftDelete_ForEveryoneTombstones(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")

	keep := h.send(t, conv.ID, "alice", "keep")
	secret := h.send(t, conv.ID, "alice", "secret plan")
	if _, err := h.svc.AddReaction(ctx, secret.ID, "bob", "😮"); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}

	if err := h.svc.SoftDelete(ctx, DeleteInput{MessageID: secret.ID, RequesterID: "alice", ForEveryone: true}); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if err := h.svc.SoftDelete(ctx, DeleteInput{MessageID: secret.ID, RequesterID: "alice", ForEveryone: true}); err != nil {
		t.Fatalf("repeat SoftDelete should be a no-op: %v", err)
	}

	for _, viewer := range []string{"alice", "bob"} {
		msgs := h.history(t, conv.ID, viewer)
		if len(msgs) != 2 {
			t.Fatalf("%s: tombstone should stay in history, got %d messages", viewer, len(msgs))
		}
		tomb := msgs[1]
		if tomb.ID != secret.ID || !tomb.Deleted || tomb.Content != "" || tomb.Reactions != nil {
			t.Fatalf("%s: expected stripped tombstone, got %+v", viewer, tomb)
		}
	}

	if res, _ := h.svc.Search(ctx, SearchInput{Term: "secret", RequesterID: "bob"}); len(res) != 0 {
		t.Fatalf("deleted content must not be searchable")
	}
	if n := len(h.disp.ofType(pushv1.EventMessageDeleted)); n != 1 {
		t.Fatalf("expected one message:deleted event, got %d", n)
	}

	got, _ := h.store.GetConversation(ctx, conv.ID)
	if got.LastMessageID != keep.ID || got.MessageCount != 2 {
		t.Fatalf("expected lastMessageId=%s count=2, got %s %d", keep.ID, got.LastMessageID, got.MessageCount)
	}

	reply, err := h.svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "bob", Content: "what plan?", ReplyTo: secret.ID})
	if err != nil {
		t.Fatalf("reply to tombstone should be accepted: %v", err)
	}
	if reply.Message.ReplyToID != secret.ID {
		t.Fatalf("reply reference lost")
	}

	if _, err := h.svc.AddReaction(ctx, secret.ID, "bob", "👍"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reacting to a deleted message: expected ErrNotFound, got %v", err)
	}
	if n, _ := h.svc.UnreadCount(ctx, conv.ID, "bob"); n != 1 {
		t.Fatalf("deleted messages do not count as unread, got %d", n)
	}
}

func TestSoftDelete_WindowBoundary(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")

	atEdge := h.send(t, conv.ID, "alice", "edge")
	h.clock.Advance(DefaultDeleteWindow)
	if err := h.svc.SoftDelete(ctx, DeleteInput{MessageID: atEdge.ID, RequesterID: "alice", ForEveryone: true}); err != nil {
		t.Fatalf("delete exactly at the window edge should succeed: %v", err)
	}

	late := h.send(t, conv.ID, "alice", "late")
	h.clock.Advance(DefaultDeleteWindow + time.Nanosecond)
	err := h.svc.SoftDelete(ctx, DeleteInput{MessageID: late.ID, RequesterID: "alice", ForEveryone: true})
	if !errors.Is(err, ErrDeleteWindowExpired) {
		t.Fatalf("expected ErrDeleteWindowExpired, got %v", err)
	}

	if err := h.svc.SoftDelete(ctx, DeleteInput{MessageID: late.ID, RequesterID: "alice"}); err != nil {
		t.Fatalf("delete-for-self has no window: %v", err)
	}
}

func TestSoftDelete_OnlySenderForEveryone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conv := h.direct(t, "alice", "bob")
	m := h.send(t, conv.ID, "alice", "mine")

	err := h.svc.SoftDelete(context.Background(), DeleteInput{MessageID: m.ID, RequesterID: "bob", ForEveryone: true})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSoftDelete_ForSelfHidesOnlyForRequester(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")
	m := h.send(t, conv.ID, "alice", "hello bob")

	if err := h.svc.SoftDelete(ctx, DeleteInput{MessageID: m.ID, RequesterID: "bob"}); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if err := h.svc.SoftDelete(ctx, DeleteInput{MessageID: m.ID, RequesterID: "bob"}); err != nil {
		t.Fatalf("repeat delete-for-self should be a no-op: %v", err)
	}

	if msgs := h.history(t, conv.ID, "bob"); len(msgs) != 0 {
		t.Fatalf("bob should no longer see the message, got %d", len(msgs))
	}
	if msgs := h.history(t, conv.ID, "alice"); len(msgs) != 1 || msgs[0].Content != "hello bob" {
		t.Fatalf("alice should still see the message, got %+v", msgs)
	}
	if _, err := h.svc.MarkAsRead(ctx, m.ID, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("hidden message should be NotFound for bob, got %v", err)
	}
	if n, _ := h.svc.UnreadCount(ctx, conv.ID, "bob"); n != 0 {
		t.Fatalf("hidden message should not count as unread, got %d", n)
	}
	if n := len(h.disp.ofType(pushv1.EventMessageDeleted)); n != 0 {
		t.Fatalf("delete-for-self is not fanned out, got %d events", n)
	}
}

func TestReactions_OnePerUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	conv := h.group(t, "alice", "bob", "carol")
	m := h.send(t, conv.ID, "alice", "vote")

	if _, err := h.svc.AddReaction(ctx, m.ID, "bob", "👍"); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	h.clock.Advance(time.Second)
	got, err := h.svc.AddReaction(ctx, m.ID, "bob", "❤️")
	if err != nil {
		t.Fatalf("AddReaction: %v", err)
	}
	if len(got.Reactions) != 1 || got.Reactions["bob"].Emoji != "❤️" {
		t.Fatalf("expected one replaced reaction, got %+v", got.Reactions)
	}

	got, err = h.svc.RemoveReaction(ctx, m.ID, "bob")
	if err != nil {
		t.Fatalf("RemoveReaction: %v", err)
	}
	if len(got.Reactions) != 0 {
		t.Fatalf("expected no reactions, got %+v", got.Reactions)
	}
	if _, err := h.svc.RemoveReaction(ctx, m.ID, "bob"); err != nil {
		t.Fatalf("removing an absent reaction should be a no-op: %v", err)
	}

	evs := h.disp.ofType(pushv1.EventMessageReaction)
	var actions []string
	for _, e := range evs {
		actions = append(actions, e.ev.Payload.(ReactionEvent).Action)
	}
	if !slices.Equal(actions, []string{pushv1.ReactionAdd, pushv1.ReactionAdd, pushv1.ReactionRemove}) {
		t.Fatalf("unexpected reaction events %v", actions)
	}

	if _, err := h.svc.AddReaction(ctx, m.ID, "bob", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty emoji: expected ErrInvalidArgument, got %v", err)
	}
}

func TestSearch_ScopedAndOrdered(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	mine := h.direct(t, "alice", "bob")
	theirs := h.direct(t, "carol", "dave")

	first := h.send(t, mine.ID, "bob", "Lunch today?")
	h.clock.Advance(time.Second)
	second := h.send(t, mine.ID, "alice", "lunch sounds good")
	h.send(t, theirs.ID, "carol", "lunch without alice")

	got, err := h.svc.Search(ctx, SearchInput{Term: "LUNCH", RequesterID: "alice"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if ids := messageIDs(got); !slices.Equal(ids, []string{second.ID, first.ID}) {
		t.Fatalf("expected newest first %v, got %v", []string{second.ID, first.ID}, ids)
	}

	if _, err := h.svc.Search(ctx, SearchInput{Term: "lunch", RequesterID: "alice", ConversationID: theirs.ID}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign scope, got %v", err)
	}
	if _, err := h.svc.Search(ctx, SearchInput{Term: " ", RequesterID: "alice"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for blank term, got %v", err)
	}
}

func TestHistory_PagingOldestFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")

	var sent []Message
	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Second)
		sent = append(sent, h.send(t, conv.ID, "alice", "m"))
	}

	page, err := h.svc.History(ctx, HistoryInput{ConversationID: conv.ID, ViewerID: "bob", Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !page.HasMore || !slices.Equal(messageIDs(page.Messages), []string{sent[3].ID, sent[4].ID}) {
		t.Fatalf("page 1: %+v", messageIDs(page.Messages))
	}

	before := sent[3].CreatedAt
	page, _ = h.svc.History(ctx, HistoryInput{ConversationID: conv.ID, ViewerID: "bob", Before: &before, Limit: 2})
	if !page.HasMore || !slices.Equal(messageIDs(page.Messages), []string{sent[1].ID, sent[2].ID}) {
		t.Fatalf("before page: %+v", messageIDs(page.Messages))
	}

	if _, err := h.svc.History(ctx, HistoryInput{ConversationID: conv.ID, ViewerID: "mallory"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestHistory_CursorBreaksTimestampTies(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")

	// Same instant for every send.
	want := []string{
		h.send(t, conv.ID, "alice", "one").ID,
		h.send(t, conv.ID, "bob", "two").ID,
		h.send(t, conv.ID, "alice", "three").ID,
	}

	page, err := h.svc.History(ctx, HistoryInput{ConversationID: conv.ID, ViewerID: "bob", Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !page.HasMore || len(page.Messages) != 2 {
		t.Fatalf("page 1: hasMore=%v ids=%v", page.HasMore, messageIDs(page.Messages))
	}
	oldest := page.Messages[0]

	timeOnly, _ := h.svc.History(ctx, HistoryInput{ConversationID: conv.ID, ViewerID: "bob", Before: &oldest.CreatedAt, Limit: 2})
	if len(timeOnly.Messages) != 0 {
		t.Fatalf("time-only cursor should exclude the shared instant, got %v", messageIDs(timeOnly.Messages))
	}

	next, err := h.svc.History(ctx, HistoryInput{
		ConversationID: conv.ID,
		ViewerID:       "bob",
		Before:         &oldest.CreatedAt,
		BeforeID:       oldest.ID,
		Limit:          2,
	})
	if err != nil {
		t.Fatalf("History with cursor: %v", err)
	}
	if next.HasMore || len(next.Messages) != 1 {
		t.Fatalf("page 2: hasMore=%v ids=%v", next.HasMore, messageIDs(next.Messages))
	}

	got := append(messageIDs(next.Messages), messageIDs(page.Messages)...)
	slices.Sort(got)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Fatalf("pages should cover every message once: got %v want %v", got, want)
	}
}

func TestSend_TimestampsStoredAtMicrosecondPrecision(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")

	h.clock.Advance(1500 * time.Nanosecond)
	m := h.send(t, conv.ID, "alice", "precise")

	wantAt := time.Date(2026, 3, 1, 12, 0, 0, 1000, time.UTC)
	if !m.CreatedAt.Equal(wantAt) {
		t.Fatalf("CreatedAt = %s, want %s", m.CreatedAt.Format(time.RFC3339Nano), wantAt.Format(time.RFC3339Nano))
	}

	// The returned timestamp must round-trip as a cursor without dropping the message itself.
	h.clock.Advance(time.Second)
	later := h.send(t, conv.ID, "alice", "later")
	page, err := h.svc.History(ctx, HistoryInput{ConversationID: conv.ID, ViewerID: "bob", Before: &later.CreatedAt, BeforeID: later.ID})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !slices.Equal(messageIDs(page.Messages), []string{m.ID}) {
		t.Fatalf("cursor page: %v", messageIDs(page.Messages))
	}
}

func TestListConversations_ArchiveIsPerParticipant(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	withBob := h.direct(t, "alice", "bob")
	h.clock.Advance(time.Second)
	withCarol := h.direct(t, "alice", "carol")
	h.clock.Advance(time.Second)
	h.send(t, withBob.ID, "bob", "newest activity")

	list, err := h.svc.ListConversations(ctx, "alice", false)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 2 || list[0].ID != withBob.ID {
		t.Fatalf("expected most recent activity first, got %+v", list)
	}
	if list[0].UnreadCount != 1 || list[0].LastMessage == nil || list[0].LastMessage.Content != "newest activity" {
		t.Fatalf("unexpected summary %+v", list[0])
	}

	sum, err := h.svc.SetArchiveStatus(ctx, withBob.ID, "alice", true)
	if err != nil {
		t.Fatalf("SetArchiveStatus: %v", err)
	}
	if !sum.IsArchived {
		t.Fatalf("summary should report archived")
	}

	list, _ = h.svc.ListConversations(ctx, "alice", false)
	if len(list) != 1 || list[0].ID != withCarol.ID {
		t.Fatalf("archived conversation should be hidden by default, got %+v", list)
	}
	list, _ = h.svc.ListConversations(ctx, "alice", true)
	if len(list) != 2 {
		t.Fatalf("includeArchived should list both, got %d", len(list))
	}
	if n, _ := h.svc.TotalUnread(ctx, "alice"); n != 0 {
		t.Fatalf("archived conversations are excluded from total unread, got %d", n)
	}

	list, _ = h.svc.ListConversations(ctx, "bob", false)
	if len(list) != 1 || list[0].IsArchived {
		t.Fatalf("bob's view must be unaffected, got %+v", list)
	}

	if err := h.svc.LeaveConversation(ctx, withCarol.ID, "alice"); err != nil {
		t.Fatalf("LeaveConversation: %v", err)
	}
	list, _ = h.svc.ListConversations(ctx, "alice", true)
	if len(list) != 1 {
		t.Fatalf("left conversations are not listed, got %d", len(list))
	}
	list, _ = h.svc.ListConversations(ctx, "carol", false)
	if len(list) != 1 {
		t.Fatalf("carol keeps the conversation, got %d", len(list))
	}
}

func TestUpdateLastRead_NeverMovesBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")

	later := h.clock.Now().Add(time.Hour)
	if err := h.svc.UpdateLastRead(ctx, conv.ID, "alice", later); err != nil {
		t.Fatalf("UpdateLastRead: %v", err)
	}
	if err := h.svc.UpdateLastRead(ctx, conv.ID, "alice", later.Add(-time.Minute)); err != nil {
		t.Fatalf("UpdateLastRead: %v", err)
	}
	got, _ := h.svc.GetConversation(ctx, conv.ID, "alice")
	p, _ := got.Participant("alice")
	if p.LastReadAt == nil || !p.LastReadAt.Equal(later) {
		t.Fatalf("expected lastReadAt=%v, got %v", later, p.LastReadAt)
	}
	if q, _ := got.Participant("bob"); q.LastReadAt != nil {
		t.Fatalf("bob's lastReadAt must be untouched")
	}
}

type mapTyping struct {
	mu sync.Mutex
	m  map[string]bool
}

func (m *mapTyping) SetTyping(_ context.Context, convID, userID string, typing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.m == nil {
		m.m = make(map[string]bool)
	}
	m.m[convID+"/"+userID] = typing
	return nil
}

func (m *mapTyping) TypingUsers(_ context.Context, convID string, candidates []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, u := range candidates {
		if m.m[convID+"/"+u] {
			out = append(out, u)
		}
	}
	return out, nil
}

func TestTyping_EphemeralFanOut(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithTyping(&mapTyping{}))
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")

	if err := h.svc.Typing(ctx, conv.ID, "alice", true); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	users, err := h.svc.TypingUsers(ctx, conv.ID, "bob")
	if err != nil {
		t.Fatalf("TypingUsers: %v", err)
	}
	if !slices.Equal(users, []string{"alice"}) {
		t.Fatalf("expected alice typing, got %v", users)
	}
	if users, _ := h.svc.TypingUsers(ctx, conv.ID, "alice"); len(users) != 0 {
		t.Fatalf("callers do not see themselves, got %v", users)
	}

	evs := h.disp.ofType(pushv1.TypeTyping)
	if len(evs) != 1 || !evs[0].ev.Ephemeral || !slices.Equal(evs[0].recipients, []string{"bob"}) {
		t.Fatalf("unexpected typing fan-out %+v", evs)
	}
}

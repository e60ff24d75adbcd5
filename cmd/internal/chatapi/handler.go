// Package chatapi exposes the messaging core over REST.
//
// Every route under /api is authenticated. Successful responses are wrapped as
// {"success":true,"data":...}; failures as {"success":false,"message":...,"code":...}.
package chatapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"chatcore/cmd/internal/auth"
	"chatcore/cmd/internal/chat"
)

// Service is the subset of *chat.Service the REST layer calls.
type Service interface {
	Send(ctx context.Context, in chat.SendInput) (chat.SendResult, error)
	History(ctx context.Context, in chat.HistoryInput) (chat.HistoryPage, error)
	GetMessage(ctx context.Context, messageID, userID string) (chat.Message, error)
	MarkAsRead(ctx context.Context, messageID, userID string) (chat.Message, error)
	AddReaction(ctx context.Context, messageID, userID, emoji string) (chat.Message, error)
	RemoveReaction(ctx context.Context, messageID, userID string) (chat.Message, error)
	SoftDelete(ctx context.Context, in chat.DeleteInput) error
	Search(ctx context.Context, in chat.SearchInput) ([]chat.Message, error)

	FindOrCreateDirect(ctx context.Context, userA, userB string) (chat.Conversation, error)
	CreateGroup(ctx context.Context, creatorID, title string, memberIDs []string) (chat.Conversation, error)
	GetConversation(ctx context.Context, conversationID, userID string) (chat.Conversation, error)
	ListConversations(ctx context.Context, userID string, includeArchived bool) ([]chat.Summary, error)
	SetArchiveStatus(ctx context.Context, conversationID, userID string, archived bool) (chat.Summary, error)
	MarkConversationRead(ctx context.Context, conversationID, userID string) (int, error)
	LeaveConversation(ctx context.Context, conversationID, userID string) error
	TotalUnread(ctx context.Context, userID string) (int, error)
	Typing(ctx context.Context, conversationID, userID string, isTyping bool) error
	TypingUsers(ctx context.Context, conversationID, userID string) ([]string, error)
}

// Handler serves the chat REST API.
type Handler struct {
	log      *slog.Logger
	svc      Service
	auth     *auth.Authenticator
	validate *validator.Validate
}

func NewHandler(log *slog.Logger, svc Service, authn *auth.Authenticator) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, svc: svc, auth: authn, validate: newValidator()}
}

// Register mounts the API under /api on r.
func (h *Handler) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.authenticate)

	api.HandleFunc("/messages", h.sendMessage).Methods(http.MethodPost)
	api.HandleFunc("/messages/search", h.searchMessages).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id}", h.getMessage).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id}", h.deleteMessage).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{id}/read", h.markRead).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/reactions", h.addReaction).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/reactions", h.removeReaction).Methods(http.MethodDelete)

	api.HandleFunc("/conversations", h.listConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/direct/{otherUserId}", h.findOrCreateDirect).Methods(http.MethodPost)
	api.HandleFunc("/conversations/group", h.createGroup).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}", h.getConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", h.history).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/archive", h.archive).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/read", h.markConversationRead).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/leave", h.leave).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/typing", h.typingUsers).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/typing", h.typing).Methods(http.MethodPost)

	api.HandleFunc("/unread", h.totalUnread).Methods(http.MethodGet)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.auth.Authenticate(r)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func userID(r *http.Request) string {
	c, _ := auth.FromContext(r.Context())
	return c.UserID
}

// bind decodes and validates a JSON body. It writes the 400 itself and reports false on failure.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	decode := decodeJSON
	if optional {
		decode = decodeOptionalJSON
	}
	if err := decode(w, r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", validationMessage(err))
		return false
	}
	return true
}

// ---- messages ----

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !h.bind(w, r, &req, false) {
		return
	}

	res, err := h.svc.Send(r.Context(), chat.SendInput{
		ConversationID: req.ConversationID,
		SenderID:       userID(r),
		Type:           chat.MessageType(req.Type),
		Content:        req.Content,
		Attachments:    req.Attachments,
		ReplyTo:        req.ReplyTo,
		ClientID:       req.ClientID,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, res.Message)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	in := chat.HistoryInput{
		ConversationID: mux.Vars(r)["id"],
		ViewerID:       userID(r),
	}
	var ok bool
	if in.Page, ok = queryInt(q.Get("page")); !ok {
		writeError(w, http.StatusBadRequest, "invalid_argument", "page must be a positive integer")
		return
	}
	if in.Limit, ok = queryInt(q.Get("limit")); !ok {
		writeError(w, http.StatusBadRequest, "invalid_argument", "limit must be a positive integer")
		return
	}
	if raw := strings.TrimSpace(q.Get("before")); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_argument", "before must be an RFC 3339 timestamp")
			return
		}
		before = before.UTC()
		in.Before = &before
		in.BeforeID = strings.TrimSpace(q.Get("beforeId"))
	}

	page, err := h.svc.History(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetMessage(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.MarkAsRead(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) addReaction(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if !h.bind(w, r, &req, false) {
		return
	}
	m, err := h.svc.AddReaction(r.Context(), mux.Vars(r)["id"], userID(r), req.Emoji)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) removeReaction(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.RemoveReaction(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !h.bind(w, r, &req, true) {
		return
	}
	if err := h.svc.SoftDelete(r.Context(), chat.DeleteInput{
		MessageID:   mux.Vars(r)["id"],
		RequesterID: userID(r),
		ForEveryone: req.DeleteForEveryone,
	}); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) searchMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(q.Get("limit"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_argument", "limit must be a positive integer")
		return
	}

	msgs, err := h.svc.Search(r.Context(), chat.SearchInput{
		Term:           q.Get("q"),
		RequesterID:    userID(r),
		ConversationID: q.Get("conversationId"),
		Limit:          limit,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Messages: msgs})
}

// ---- conversations ----

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("includeArchived"))

	list, err := h.svc.ListConversations(r.Context(), userID(r), includeArchived)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) findOrCreateDirect(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.FindOrCreateDirect(r.Context(), userID(r), mux.Vars(r)["otherUserId"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !h.bind(w, r, &req, false) {
		return
	}
	conv, err := h.svc.CreateGroup(r.Context(), userID(r), req.Title, req.MemberIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.GetConversation(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) archive(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if !h.bind(w, r, &req, false) {
		return
	}
	sum, err := h.svc.SetArchiveStatus(r.Context(), mux.Vars(r)["id"], userID(r), *req.Archived)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) markConversationRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.MarkConversationRead(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{UnreadCount: n})
}

func (h *Handler) leave(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.LeaveConversation(r.Context(), mux.Vars(r)["id"], userID(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) typingUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.TypingUsers(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, typingResponse{UserIDs: users})
}

func (h *Handler) typing(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if !h.bind(w, r, &req, false) {
		return
	}
	if err := h.svc.Typing(r.Context(), mux.Vars(r)["id"], userID(r), req.IsTyping); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) totalUnread(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.TotalUnread(r.Context(), userID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totalUnreadResponse{Total: n})
}

// queryInt parses an optional positive integer; empty means zero.
func queryInt(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

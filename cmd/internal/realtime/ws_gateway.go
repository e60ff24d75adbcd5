package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"chatcore/cmd/internal/auth"
	"chatcore/cmd/internal/chat"
	v1 "chatcore/shared/contracts/push/v1"
)

// Service is the subset of the messaging core reachable over the socket.
type Service interface {
	Send(ctx context.Context, in chat.SendInput) (chat.SendResult, error)
	MarkAsRead(ctx context.Context, messageID, userID string) (chat.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, userID string) (int, error)
	Typing(ctx context.Context, conversationID, userID string, isTyping bool) error
}

// GatewayConfig tunes the WebSocket gateway. Zero values take the defaults.
type GatewayConfig struct {
	// AllowedOrigins is the browser origin allowlist ("*" allows any).
	AllowedOrigins []string
	OriginRequired bool
	// DevInsecure disables websocket.Accept's own origin verification.
	DevInsecure bool

	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	HelloTimeout      time.Duration
	SendQueueSize     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		OriginRequired:    true,
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		HelloTimeout:      wsDefaultHelloTimeout,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = d.HelloTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the push channel entrypoint.
//
// It enforces origin policy, subprotocol selection, authentication, rate limits and
// heartbeats, registers each session with the Hub under its user id, and routes
// inbound frames to the messaging core.
type WSGateway struct {
	log  *slog.Logger
	hub  *Hub
	svc  Service
	auth *auth.Authenticator
	cfg  GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, hub *Hub, svc Service, authn *auth.Authenticator, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	cfg = cfg.withDefaults()

	return &WSGateway{
		log:  log,
		hub:  hub,
		svc:  svc,
		auth: authn,
		cfg:  cfg,

		// websocket.Accept enforces its own origin policy (same-host ok, cross-origin
		// requires OriginPatterns). Deriving patterns from the allowlist keeps both layers in agreement.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a push session and runs the session loop.
//
// Credentials may arrive on the upgrade request (Authorization header, ?token= or the
// dev user header). Presented-but-invalid credentials fail the upgrade with 401.
// Without any, the first frame must be a hello carrying the token.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	claims, presented, err := g.upgradeClaims(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var helloRef string
	if !presented {
		claims, helloRef, err = g.awaitHello(ctx, conn)
		if err != nil {
			g.log.Info("ws.reject.hello", "err", err, "remote", r.RemoteAddr)
			g.writeErrorDirect(ctx, conn, "unauthenticated", "hello with a valid token required", helloRef)
			_ = conn.Close(websocket.StatusPolicyViolation, "authentication required")
			return
		}
	}

	now := time.Now().UTC()
	sessionID, err := newSessionID(now)
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(claims.UserID, sessionID, g.cfg.SendQueueSize)
	g.hub.Register(client)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unregister(client)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	g.log.Info("ws.session.open", "session_id", sessionID, "user_id", claims.UserID)
	g.sendHelloAck(client, helloRef)

	rl := newFrameLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, "bad_json", "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.sendError(client, "rate_limited", "too many frames", env.ID)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error(), env.ID)
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			g.sendHelloAck(client, env.ID)
		case v1.TypeMessageSend:
			g.onMessageSend(ctx, client, env)
		case v1.TypeMessageRead:
			g.onMessageRead(ctx, client, env)
		case v1.TypeTyping:
			g.onTyping(ctx, client, env)
		default:
			g.sendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type), env.ID)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.session.close", "session_id", sessionID, "user_id", claims.UserID)
}

// ---- authentication ----

// upgradeClaims authenticates credentials carried by the upgrade request.
// presented is false when the request carries none.
func (g *WSGateway) upgradeClaims(r *http.Request) (auth.Claims, bool, error) {
	if g.auth == nil {
		return auth.Claims{}, false, auth.ErrConfig
	}
	if tok := auth.BearerToken(r); tok != "" {
		c, err := g.auth.VerifyToken(tok)
		return c, true, err
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		c, err := g.auth.VerifyToken(tok)
		return c, true, err
	}
	if strings.TrimSpace(r.Header.Get(auth.DevUserHeader)) != "" {
		c, err := g.auth.Authenticate(r)
		return c, true, err
	}
	return auth.Claims{}, false, nil
}

// awaitHello reads the first frame, which must be a hello with a valid token.
func (g *WSGateway) awaitHello(ctx context.Context, conn *websocket.Conn) (auth.Claims, string, error) {
	helloCtx, cancel := context.WithTimeout(ctx, g.cfg.HelloTimeout)
	defer cancel()

	env, err := readEnvelope(helloCtx, conn)
	if err != nil {
		return auth.Claims{}, "", err
	}
	if err := env.Validate(); err != nil {
		return auth.Claims{}, env.ID, err
	}
	if env.Type != v1.TypeHello {
		return auth.Claims{}, env.ID, fmt.Errorf("expected %s, got %s", v1.TypeHello, env.Type)
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return auth.Claims{}, env.ID, fmt.Errorf("invalid payload: %w", err)
	}
	c, err := g.auth.VerifyToken(p.Token)
	return c, env.ID, err
}

// ---- handlers ----

func (g *WSGateway) sendHelloAck(client *Client, ref string) {
	p, _ := json.Marshal(v1.HelloAckPayload{SessionID: client.SessionID, UserID: client.UserID})
	env := newEnvelope(v1.TypeHelloAck, "", p, time.Now().UTC())
	if ref != "" {
		env.ID = ref
	}
	g.enqueue(client, env)
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, chat.ErrInvalidArgument.Error(), "invalid payload", env.ID)
		return
	}

	atts := make([]chat.Attachment, 0, len(p.Attachments))
	for _, a := range p.Attachments {
		atts = append(atts, chat.Attachment{URL: a.URL, Mime: a.Mime, Size: a.Size, Name: a.Name})
	}

	res, err := g.svc.Send(ctx, chat.SendInput{
		ConversationID: p.ConversationID,
		SenderID:       client.UserID,
		Type:           chat.MessageType(p.Type),
		Content:        p.Content,
		Attachments:    atts,
		ReplyTo:        p.ReplyTo,
		ClientID:       p.ClientID,
	})
	if err != nil {
		g.sendServiceError(client, err, env.ID)
		return
	}

	ack, _ := json.Marshal(v1.MessageAckPayload{
		ConversationID: res.Message.ConversationID,
		ClientID:       res.Message.ClientID,
		MessageID:      res.Message.ID,
		Duplicate:      res.Duplicated,
		CreatedAt:      res.Message.CreatedAt,
	})
	out := newEnvelope(v1.TypeMessageAck, res.Message.ConversationID, ack, time.Now().UTC())
	out.ID = env.ID
	g.enqueue(client, out)
}

func (g *WSGateway) onMessageRead(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.MessageReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, chat.ErrInvalidArgument.Error(), "invalid payload", env.ID)
		return
	}

	var err error
	switch {
	case p.MessageID != "":
		_, err = g.svc.MarkAsRead(ctx, p.MessageID, client.UserID)
	case p.ConversationID != "":
		_, err = g.svc.MarkConversationRead(ctx, p.ConversationID, client.UserID)
	default:
		g.sendError(client, chat.ErrInvalidArgument.Error(), "messageId or conversationId required", env.ID)
		return
	}
	if err != nil {
		g.sendServiceError(client, err, env.ID)
	}
}

func (g *WSGateway) onTyping(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.sendError(client, chat.ErrInvalidArgument.Error(), "invalid payload", env.ID)
		return
	}
	if err := g.svc.Typing(ctx, p.ConversationID, client.UserID, p.IsTyping); err != nil {
		g.sendServiceError(client, err, env.ID)
	}
}

// ---- send helpers ----

func (g *WSGateway) sendServiceError(client *Client, err error, ref string) {
	kind := chat.KindOf(err)
	if kind == nil {
		g.log.Error("ws.request.fail", "session_id", client.SessionID, "ref", ref, "err", err)
		g.sendError(client, "internal", "internal error", ref)
		return
	}
	msg := kind.Error()
	var op chat.OpError
	if errors.As(err, &op) && op.Msg != "" {
		msg = op.Msg
	}
	g.sendError(client, kind.Error(), msg, ref)
}

func (g *WSGateway) sendError(client *Client, code, msg, ref string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg, RefID: ref})
	g.enqueue(client, newEnvelope(v1.TypeError, "", p, time.Now().UTC()))
}

// writeErrorDirect writes an error frame on a connection that has no writer goroutine yet.
func (g *WSGateway) writeErrorDirect(ctx context.Context, conn *websocket.Conn, code, msg, ref string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg, RefID: ref})
	_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, "", p, time.Now().UTC()), g.cfg.WriteTimeout)
}

func (g *WSGateway) enqueue(client *Client, env v1.Envelope) {
	if !client.offer(env) {
		g.log.Warn("ws.enqueue.drop", "session_id", client.SessionID, "type", env.Type)
	}
}

// ---- envelope IO ----

var errBadFrame = errors.New("bad frame")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %w", errBadFrame, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case errors.Is(err, errBadFrame):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins extracts the hosts websocket.Accept matches
// OriginPatterns against. A "*" entry becomes the match-all pattern.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

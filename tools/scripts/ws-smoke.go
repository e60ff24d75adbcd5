// Package main provides a CI-friendly WebSocket smoke test for the chat push channel.
//
// It runs against a server started with CHAT_DEV_AUTH=true and validates:
//   - direct conversation creation over REST
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - send -> ack
//   - fanout message:new to the other participant
//   - read receipt -> message:read to the sender
//   - history fetch over REST
//   - idempotent dedupe by clientId
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "chatcore/shared/contracts/push/v1"

	"github.com/coder/websocket"
)

const (
	devUserHeader = "X-User-ID"
	maxReadBytes  = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

type wireMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	ClientID       string    `json:"clientId"`
	CreatedAt      time.Time `json:"createdAt"`
}

type messageNewPayload struct {
	Message wireMessage `json:"message"`
}

type messageReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	Reader         struct {
		UserID string `json:"userId"`
	} `json:"reader"`
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("a", "smoke-alice", "User id of the sender")
		userB   = flag.String("b", "smoke-bob", "User id of the recipient")
		text    = flag.String("text", "hello chat 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	apiBase := apiBaseURL(*wsURL)

	root := context.Background()

	convID := mustCreateDirect(root, apiBase, *userA, *userB, *timeout)

	a := mustConnect(root, "A", *userA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s conv_id=%s origin=%q\n", a.sessionID, b.sessionID, convID, *origin)
	}

	clientID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	msgID, dup := mustSendAndAssertAck(root, a, convID, clientID, *text, *timeout)
	if dup {
		fatalf("first send reported duplicate")
	}

	mustAssertNew(root, b, convID, clientID, msgID, *userA, *text, *timeout)

	mustRead(root, b, convID, msgID, *timeout)
	mustAssertReadReceipt(root, a, convID, msgID, *userB, *timeout)

	mustHistoryContains(root, apiBase, *userB, convID, msgID, *text, *timeout)

	msgID2, dup2 := mustSendAndAssertAck(root, a, convID, clientID, *text, *timeout)
	if msgID2 != msgID || !dup2 {
		fatalf("dedupe: first=%s second=%s duplicate=%v", msgID, msgID2, dup2)
	}

	mustAssertNoType(root, b, v1.EventMessageNew, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s conv_id=%s message_id=%s\n", a.sessionID, b.sessionID, convID, msgID)
}

// apiBaseURL derives the REST base from the WebSocket URL (ws -> http, wss -> https, path dropped).
func apiBaseURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse -url: %v", err)
	}
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustCreateDirect(parent context.Context, apiBase, userA, userB string, stepTimeout time.Duration) string {
	var conv struct {
		ID string `json:"id"`
	}
	mustAPI(parent, http.MethodPost, apiBase+"/api/conversations/direct/"+url.PathEscape(userB), userA, stepTimeout, &conv)
	if strings.TrimSpace(conv.ID) == "" {
		fatalf("direct conversation missing id")
	}
	return conv.ID
}

func mustHistoryContains(parent context.Context, apiBase, userID, convID, msgID, text string, stepTimeout time.Duration) {
	var page struct {
		Messages []wireMessage `json:"messages"`
	}
	mustAPI(parent, http.MethodGet, apiBase+"/api/conversations/"+url.PathEscape(convID)+"/messages?limit=50", userID, stepTimeout, &page)

	for _, m := range page.Messages {
		if m.ID == msgID && m.ConversationID == convID && m.Content == text && !m.CreatedAt.IsZero() {
			return
		}
	}
	fatalf("history missing expected message %s", msgID)
}

func mustAPI(parent context.Context, method, rawURL, userID string, stepTimeout time.Duration, out any) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		fatalf("build request %s %s: %v", method, rawURL, err)
	}
	req.Header.Set(devUserHeader, userID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("read %s %s: %v", method, rawURL, err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		fatalf("decode %s %s (status=%d): %v", method, rawURL, resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		fatalf("%s %s: status=%d code=%q msg=%q", method, rawURL, resp.StatusCode, env.Code, env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			fatalf("decode data %s %s: %v", method, rawURL, err)
		}
	}
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	// Dev auth accepts the raw user id as the hello token.
	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Token: userID}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing sessionId (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello_ack userId mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convID, clientID, text string, stepTimeout time.Duration) (messageID string, duplicate bool) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			ConversationID: convID,
			ClientID:       clientID,
			Type:           "text",
			Content:        text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.EventMessageNew: {}, v1.EventMessageRead: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	if ack.ID != env.ID {
		fatalf("ack id mismatch (%s): got=%q want=%q", c.name, ack.ID, env.ID)
	}

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("ack conversationId mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ClientID != clientID {
		fatalf("ack clientId mismatch (%s): got=%q want=%q", c.name, p.ClientID, clientID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing messageId (%s)", c.name)
	}
	return p.MessageID, p.Duplicate
}

func mustAssertNew(parent context.Context, c *smokeClient, convID, clientID, msgID, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.EventMessageNew, stepTimeout, nil)

	if env.ConvID != convID {
		fatalf("message:new convId mismatch (%s): got=%q want=%q", c.name, env.ConvID, convID)
	}

	var p messageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message:new payload (%s): %v", c.name, err)
	}
	m := p.Message
	if m.ID != msgID {
		fatalf("message:new id mismatch (%s): got=%q want=%q", c.name, m.ID, msgID)
	}
	if m.ClientID != clientID {
		fatalf("message:new clientId mismatch (%s): got=%q want=%q", c.name, m.ClientID, clientID)
	}
	if m.SenderID != senderID {
		fatalf("message:new sender mismatch (%s): got=%q want=%q", c.name, m.SenderID, senderID)
	}
	if m.Content != text {
		fatalf("message:new content mismatch (%s): got=%q want=%q", c.name, m.Content, text)
	}
	if m.CreatedAt.IsZero() {
		fatalf("message:new createdAt missing (%s)", c.name)
	}
}

func mustRead(parent context.Context, c *smokeClient, convID, msgID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageRead,
		ID:   fmt.Sprintf("%s-read-%s", c.name, msgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageReadPayload{
			ConversationID: convID,
			MessageID:      msgID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertReadReceipt(parent context.Context, c *smokeClient, convID, msgID, readerID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.EventMessageRead, stepTimeout, map[string]struct{}{v1.EventMessageNew: {}})

	var p messageReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message:read payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("message:read conversationId mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.Reader.UserID != readerID {
		fatalf("message:read reader mismatch (%s): got=%q want=%q", c.name, p.Reader.UserID, readerID)
	}
	for _, id := range p.MessageIDs {
		if id == msgID {
			return
		}
	}
	fatalf("message:read missing %s (%s): %v", msgID, c.name, p.MessageIDs)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

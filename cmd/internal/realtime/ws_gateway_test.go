package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"

	"chatcore/cmd/internal/auth"
	"chatcore/cmd/internal/chat"
	v1 "chatcore/shared/contracts/push/v1"
)

type wsEnv struct {
	svc *chat.Service
	hub *Hub
	ts  *httptest.Server
}

func newWSEnv(t *testing.T, authn *auth.Authenticator, cfg GatewayConfig) wsEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(log)
	fan := chat.NewFanout(log, hub, chat.FanoutConfig{Workers: 2})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = fan.Close(ctx)
	})

	svc, err := chat.NewService(chat.NewInMemoryStore(),
		chat.WithLogger(log),
		chat.WithDispatcher(fan),
		chat.WithLimiter(chat.NewSendLimiter(10_000, time.Minute)),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Close)

	gw := NewWSGateway(log, hub, svc, authn, cfg)
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return wsEnv{svc: svc, hub: hub, ts: ts}
}

func devGatewayConfig() GatewayConfig {
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	return cfg
}

func dialWS(t *testing.T, baseHTTPURL, origin, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearerToken) != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, baseHTTPURL, bearerToken string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseHTTPURL, "", bearerToken)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read waiting for %q: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func frame(t *testing.T, typ, id string, payload any) v1.Envelope {
	t.Helper()
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: mustJSONRaw(t, payload)}
}

func TestWSGateway_SendReadAndPush(t *testing.T) {
	env := newWSEnv(t, auth.NewAuthenticator(nil, true), devGatewayConfig())

	conv, err := env.svc.FindOrCreateDirect(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreateDirect: %v", err)
	}

	// alice authenticates on the upgrade request, bob with a hello frame.
	alice := mustDial(t, env.ts.URL, "alice")
	aliceAck := readUntilType(t, alice, v1.TypeHelloAck, 1)
	var ap v1.HelloAckPayload
	if err := json.Unmarshal(aliceAck.Payload, &ap); err != nil {
		t.Fatalf("decode hello ack: %v", err)
	}
	if ap.UserID != "alice" || ap.SessionID == "" {
		t.Fatalf("unexpected hello ack: %+v", ap)
	}

	bob := mustDial(t, env.ts.URL, "")
	writeEnvelopeWS(t, bob, frame(t, v1.TypeHello, "hello-1", v1.HelloPayload{Token: "bob"}))
	bobAck := readUntilType(t, bob, v1.TypeHelloAck, 1)
	if bobAck.ID != "hello-1" {
		t.Fatalf("hello ack should echo the hello id, got %q", bobAck.ID)
	}

	writeEnvelopeWS(t, alice, frame(t, v1.TypeMessageSend, "send-1", v1.MessageSendPayload{
		ConversationID: conv.ID,
		ClientID:       "client-1",
		Content:        "hello bob",
	}))

	ack := readUntilType(t, alice, v1.TypeMessageAck, 4)
	var ackP v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &ackP); err != nil {
		t.Fatalf("decode message ack: %v", err)
	}
	if ack.ID != "send-1" || ackP.ConversationID != conv.ID || ackP.ClientID != "client-1" || ackP.Duplicate {
		t.Fatalf("unexpected ack: id=%q %+v", ack.ID, ackP)
	}

	pushed := readUntilType(t, bob, v1.EventMessageNew, 4)
	var newEv chat.MessageNewEvent
	if err := json.Unmarshal(pushed.Payload, &newEv); err != nil {
		t.Fatalf("decode message:new: %v", err)
	}
	if newEv.Message.ID != ackP.MessageID || newEv.Message.Content != "hello bob" {
		t.Fatalf("unexpected push: %+v", newEv.Message)
	}
	if newEv.Message.ClientID != "" {
		t.Fatalf("clientId must not reach recipients")
	}

	// Resend is acknowledged as a duplicate with the same id.
	writeEnvelopeWS(t, alice, frame(t, v1.TypeMessageSend, "send-2", v1.MessageSendPayload{
		ConversationID: conv.ID,
		ClientID:       "client-1",
		Content:        "hello bob",
	}))
	dup := readUntilType(t, alice, v1.TypeMessageAck, 4)
	var dupP v1.MessageAckPayload
	if err := json.Unmarshal(dup.Payload, &dupP); err != nil {
		t.Fatalf("decode duplicate ack: %v", err)
	}
	if !dupP.Duplicate || dupP.MessageID != ackP.MessageID {
		t.Fatalf("expected duplicate ack for %s, got %+v", ackP.MessageID, dupP)
	}

	writeEnvelopeWS(t, bob, frame(t, v1.TypeMessageRead, "read-1", v1.MessageReadPayload{MessageID: ackP.MessageID}))
	read := readUntilType(t, alice, v1.EventMessageRead, 4)
	var readEv chat.MessageReadEvent
	if err := json.Unmarshal(read.Payload, &readEv); err != nil {
		t.Fatalf("decode message:read: %v", err)
	}
	if readEv.Reader.UserID != "bob" || len(readEv.MessageIDs) != 1 || readEv.MessageIDs[0] != ackP.MessageID {
		t.Fatalf("unexpected read event: %+v", readEv)
	}
}

func TestWSGateway_ServiceErrorsBecomeErrorFrames(t *testing.T) {
	env := newWSEnv(t, auth.NewAuthenticator(nil, true), devGatewayConfig())

	conv, err := env.svc.FindOrCreateDirect(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreateDirect: %v", err)
	}

	mallory := mustDial(t, env.ts.URL, "mallory")
	_ = readUntilType(t, mallory, v1.TypeHelloAck, 1)

	writeEnvelopeWS(t, mallory, frame(t, v1.TypeMessageSend, "send-x", v1.MessageSendPayload{
		ConversationID: conv.ID,
		Content:        "let me in",
	}))
	got := readUntilType(t, mallory, v1.TypeError, 4)
	var p v1.ErrorPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if p.Code != chat.ErrUnauthorized.Error() || p.RefID != "send-x" {
		t.Fatalf("unexpected error payload: %+v", p)
	}

	writeEnvelopeWS(t, mallory, v1.Envelope{V: "v9", Type: v1.TypeTyping, ID: "bad-v"})
	got = readUntilType(t, mallory, v1.TypeError, 4)
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if p.Code != "bad_envelope" {
		t.Fatalf("expected bad_envelope, got %+v", p)
	}
}

func TestWSGateway_TypingIsPushed(t *testing.T) {
	env := newWSEnv(t, auth.NewAuthenticator(nil, true), devGatewayConfig())

	conv, err := env.svc.FindOrCreateDirect(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreateDirect: %v", err)
	}

	alice := mustDial(t, env.ts.URL, "alice")
	_ = readUntilType(t, alice, v1.TypeHelloAck, 1)
	bob := mustDial(t, env.ts.URL, "bob")
	_ = readUntilType(t, bob, v1.TypeHelloAck, 1)

	writeEnvelopeWS(t, alice, frame(t, v1.TypeTyping, "typing-1", v1.TypingPayload{ConversationID: conv.ID, IsTyping: true}))

	got := readUntilType(t, bob, v1.TypeTyping, 4)
	var ev chat.TypingEvent
	if err := json.Unmarshal(got.Payload, &ev); err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	if ev.User.UserID != "alice" || !ev.IsTyping || got.ConvID != conv.ID {
		t.Fatalf("unexpected typing event: %+v conv=%q", ev, got.ConvID)
	}
}

// signAccessToken issues a one-minute v4.public token for issuer "chat-test".
func signAccessToken(secret paseto.V4AsymmetricSecretKey, userID string, now time.Time) string {
	tok := paseto.NewToken()
	tok.SetIssuer("chat-test")
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(time.Minute))
	_ = tok.Set("uid", userID)
	_ = tok.Set("sid", "sess-1")
	return tok.V4Sign(secret, nil)
}

func TestWSGateway_Authentication(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	verifier, err := auth.NewPasetoVerifier(secret.Public().ExportHex(), "chat-test", 0)
	if err != nil {
		t.Fatalf("NewPasetoVerifier: %v", err)
	}
	env := newWSEnv(t, auth.NewAuthenticator(verifier, false), devGatewayConfig())

	t.Run("invalid bearer rejected on upgrade", func(t *testing.T) {
		_, resp, err := dialWS(t, env.ts.URL, "", "not-a-valid-token")
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatalf("expected unauthorized handshake failure")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got resp=%v err=%v", resp, err)
		}
	})

	t.Run("expired bearer rejected on upgrade", func(t *testing.T) {
		tok := signAccessToken(secret, "user-1", time.Now().Add(-time.Hour))
		_, resp, err := dialWS(t, env.ts.URL, "", tok)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 for expired token, err=%v", err)
		}
	})

	t.Run("valid bearer accepted", func(t *testing.T) {
		tok := signAccessToken(secret, "user-1", time.Now())
		conn := mustDial(t, env.ts.URL, tok)
		ack := readUntilType(t, conn, v1.TypeHelloAck, 1)
		var p v1.HelloAckPayload
		if err := json.Unmarshal(ack.Payload, &p); err != nil {
			t.Fatalf("decode hello ack: %v", err)
		}
		if p.UserID != "user-1" {
			t.Fatalf("expected user-1, got %q", p.UserID)
		}
	})

	t.Run("bad hello closes the session", func(t *testing.T) {
		conn := mustDial(t, env.ts.URL, "")
		writeEnvelopeWS(t, conn, frame(t, v1.TypeHello, "hello-bad", v1.HelloPayload{Token: "forged"}))

		got := readUntilType(t, conn, v1.TypeError, 1)
		var p v1.ErrorPayload
		if err := json.Unmarshal(got.Payload, &p); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if p.Code != "unauthenticated" || p.RefID != "hello-bad" {
			t.Fatalf("unexpected error payload: %+v", p)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _, err := conn.Read(ctx)
		if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
			t.Fatalf("expected policy violation close, got %v", err)
		}
	})
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	cfg := DefaultGatewayConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	env := newWSEnv(t, auth.NewAuthenticator(nil, true), cfg)

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"missing origin", "", false},
		{"foreign origin", "https://evil.example.net", false},
		{"allowed origin", "https://app.example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := dialWS(t, env.ts.URL, tt.origin, "alice")
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if tt.ok {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				return
			}
			if err == nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				t.Fatalf("expected rejection")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Fatalf("expected 403, got resp=%v err=%v", resp, err)
			}
		})
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost:3000", "https://b.example.com", "http://localhost"})
	if len(got) != 2 || got[0] != "b.example.com" || got[1] != "localhost" {
		t.Fatalf("unexpected patterns: %v", got)
	}
	if got := deriveOriginPatternsFromAllowedOrigins([]string{"*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected wildcard pattern, got %v", got)
	}
}

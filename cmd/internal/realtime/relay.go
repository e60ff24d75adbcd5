package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"chatcore/cmd/internal/chat"
	v1 "chatcore/shared/contracts/push/v1"
)

// DefaultRelayPrefix is the subject prefix push events are relayed under.
const DefaultRelayPrefix = "chat.push"

// natsConn is the part of *nats.Conn the relay uses.
type natsConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// DialNATS connects to url, reconnecting indefinitely.
func DialNATS(url, name string, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats.disconnect", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats.reconnect", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// NATSRelay is the chat.Notifier for multi-node deployments. Every push event is
// published on <prefix>.<user>; every node subscribes to <prefix>.* and delivers
// relayed events to its local sessions, including the node that published.
//
// Notify cannot observe whether any node holds a session, so it never reports
// chat.ErrNotConnected.
type NATSRelay struct {
	log    *slog.Logger
	nc     natsConn
	hub    *Hub
	prefix string

	sub *nats.Subscription
}

// NewNATSRelay returns a relay delivering into hub. Call Start to begin receiving.
func NewNATSRelay(log *slog.Logger, nc natsConn, hub *Hub, prefix string) *NATSRelay {
	if log == nil {
		log = slog.Default()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultRelayPrefix
	}
	return &NATSRelay{log: log, nc: nc, hub: hub, prefix: prefix}
}

// Start subscribes to relayed events.
func (r *NATSRelay) Start() error {
	if r.nc == nil {
		return errors.New("realtime: nil nats connection")
	}
	sub, err := r.nc.Subscribe(r.prefix+".*", r.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s.*: %w", r.prefix, err)
	}
	r.sub = sub
	return nil
}

// Close drops the subscription. The connection belongs to the caller.
func (r *NATSRelay) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}

// Notify publishes ev for userID.
func (r *NATSRelay) Notify(_ context.Context, userID string, ev chat.Event) error {
	env, err := EventEnvelope(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.nc.Publish(r.subject(userID), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (r *NATSRelay) handle(msg *nats.Msg) {
	userID, ok := r.userFromSubject(msg.Subject)
	if !ok {
		r.log.Warn("relay.subject.invalid", "subject", msg.Subject)
		return
	}
	var env v1.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.log.Warn("relay.decode.fail", "subject", msg.Subject, "err", err)
		return
	}
	r.hub.Deliver(userID, env)
}

func (r *NATSRelay) subject(userID string) string {
	return r.prefix + "." + subjectToken(userID)
}

func (r *NATSRelay) userFromSubject(subj string) (string, bool) {
	tok, ok := strings.CutPrefix(subj, r.prefix+".")
	if !ok || tok == "" {
		return "", false
	}
	return parseSubjectToken(tok)
}

// subjectToken returns userID as a single subject token. IDs that are not safe as a
// token are base64url-encoded behind a "~" marker.
func subjectToken(userID string) string {
	if safeSubjectToken(userID) {
		return userID
	}
	return "~" + base64.RawURLEncoding.EncodeToString([]byte(userID))
}

func parseSubjectToken(tok string) (string, bool) {
	enc, ok := strings.CutPrefix(tok, "~")
	if !ok {
		return tok, true
	}
	b, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func safeSubjectToken(s string) bool {
	if s == "" || strings.HasPrefix(s, "~") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Package presence keeps ephemeral per-conversation typing indicators.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultTypingTTL is how long a typing indicator survives without a refresh.
const DefaultTypingTTL = 5 * time.Second

// RedisTyping stores indicators as expiring keys typing:conv:<c>:user:<u>, so every
// node sees the same set and stale indicators vanish on their own.
type RedisTyping struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("presence: empty redis address")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// NewRedisTyping returns a tracker over rdb. A non-positive ttl means DefaultTypingTTL.
func NewRedisTyping(rdb redis.Cmdable, ttl time.Duration) *RedisTyping {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &RedisTyping{rdb: rdb, ttl: ttl}
}

func typingKey(conversationID, userID string) string {
	return "typing:conv:" + conversationID + ":user:" + userID
}

func (t *RedisTyping) SetTyping(ctx context.Context, conversationID, userID string, typing bool) error {
	key := typingKey(conversationID, userID)
	if !typing {
		return t.rdb.Del(ctx, key).Err()
	}
	return t.rdb.Set(ctx, key, "1", t.ttl).Err()
}

func (t *RedisTyping) TypingUsers(ctx context.Context, conversationID string, candidates []string) ([]string, error) {
	out := []string{}
	if len(candidates) == 0 {
		return out, nil
	}

	keys := make([]string, len(candidates))
	for i, u := range candidates {
		keys[i] = typingKey(conversationID, u)
	}
	vals, err := t.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v != nil {
			out = append(out, candidates[i])
		}
	}
	return out, nil
}

// MemoryTyping is the single-node tracker used when no Redis is configured.
type MemoryTyping struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	expires map[string]time.Time
}

// NewMemoryTyping returns an in-process tracker. now may be nil.
func NewMemoryTyping(ttl time.Duration, now func() time.Time) *MemoryTyping {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryTyping{ttl: ttl, now: now, expires: make(map[string]time.Time)}
}

func (t *MemoryTyping) SetTyping(_ context.Context, conversationID, userID string, typing bool) error {
	key := typingKey(conversationID, userID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if !typing {
		delete(t.expires, key)
		return nil
	}
	t.expires[key] = t.now().Add(t.ttl)
	t.sweepLocked()
	return nil
}

func (t *MemoryTyping) TypingUsers(_ context.Context, conversationID string, candidates []string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := []string{}
	for _, u := range candidates {
		if exp, ok := t.expires[typingKey(conversationID, u)]; ok && now.Before(exp) {
			out = append(out, u)
		}
	}
	return out, nil
}

// sweepLocked drops expired entries so abandoned indicators do not accumulate.
func (t *MemoryTyping) sweepLocked() {
	now := t.now()
	for k, exp := range t.expires {
		if !now.Before(exp) {
			delete(t.expires, k)
		}
	}
}

package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultSendLimit  = 30
	defaultSendWindow = time.Minute

	limiterIdleTTL       = 10 * time.Minute
	limiterCleanupPeriod = time.Minute
)

// SendLimiter enforces a per-user send rate: Limit sends per Window, with bursts up to Limit.
// Each user gets an independent token bucket; buckets idle for longer than the TTL are evicted.
type SendLimiter struct {
	limit  rate.Limit
	burst  int
	ttl    time.Duration
	period time.Duration

	mu sync.Mutex
	m  map[string]*limiterEntry

	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// NewSendLimiter returns a limiter allowing n sends per window per user.
func NewSendLimiter(n int, window time.Duration) *SendLimiter {
	if n <= 0 {
		n = defaultSendLimit
	}
	if window <= 0 {
		window = defaultSendWindow
	}
	return &SendLimiter{
		limit:  rate.Every(window / time.Duration(n)),
		burst:  n,
		ttl:    limiterIdleTTL,
		period: limiterCleanupPeriod,
		m:      make(map[string]*limiterEntry),
		stop:   make(chan struct{}),
	}
}

// Allow reports whether userID may send at now, consuming a token when it may.
func (l *SendLimiter) Allow(userID string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.startOnce.Do(func() { go l.cleanupLoop() })

	l.mu.Lock()
	e, ok := l.m[userID]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(l.limit, l.burst)}
		l.m[userID] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.l.AllowN(now, 1)
}

// Close stops the background eviction loop.
func (l *SendLimiter) Close() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *SendLimiter) cleanupLoop() {
	t := time.NewTicker(l.period)
	defer t.Stop()

	for {
		select {
		case <-l.stop:
			return
		case now := <-t.C:
			l.evictIdle(now)
		}
	}
}

func (l *SendLimiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, e := range l.m {
		if now.Sub(e.lastSeen) > l.ttl {
			delete(l.m, k)
		}
	}
}

func (l *SendLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

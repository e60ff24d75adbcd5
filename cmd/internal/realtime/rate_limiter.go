package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// frameLimiter bounds inbound frames on one connection: events per window with a
// burst of the full budget.
type frameLimiter struct {
	l *rate.Limiter
}

func newFrameLimiter(events int, window time.Duration) *frameLimiter {
	if events <= 0 {
		events = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &frameLimiter{l: rate.NewLimiter(rate.Every(window/time.Duration(events)), events)}
}

// Allow reports whether a frame arriving at now is within budget.
func (f *frameLimiter) Allow(now time.Time) bool {
	return f.l.AllowN(now, 1)
}

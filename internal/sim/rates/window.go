// Package rates implements fixed-window counters for per-participant message limits.
package rates

import "time"

// Allow advances one fixed window. It returns the updated window state, whether the event
// fits, and how long until the window reopens when it doesn't.
func Allow(now, start time.Time, count int, window time.Duration, max int) (newStart time.Time, newCount int, ok bool, retryAfter time.Duration) {
	newStart = start
	newCount = count
	if window <= 0 || max <= 0 {
		return newStart, newCount, true, 0
	}

	if now.Sub(newStart) >= window {
		newStart = now
		newCount = 0
	}
	newCount++
	if newCount <= max {
		return newStart, newCount, true, 0
	}
	return newStart, newCount, false, newStart.Add(window).Sub(now)
}

type state struct {
	start time.Time
	count int
}

// Limiter keeps one window per key. It is not safe for concurrent use; the session
// actor owns it.
type Limiter struct {
	Window time.Duration
	Max    int

	m map[string]state
}

func NewLimiter(window time.Duration, max int) *Limiter {
	return &Limiter{Window: window, Max: max, m: map[string]state{}}
}

func (l *Limiter) Allow(key string, now time.Time) (bool, time.Duration) {
	s := l.m[key]
	start, count, ok, retry := Allow(now, s.start, s.count, l.Window, l.Max)
	l.m[key] = state{start: start, count: count}
	return ok, retry
}

func (l *Limiter) Forget(key string) { delete(l.m, key) }

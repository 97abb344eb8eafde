// Package ratelimit bounds handler invocations over a sliding hour.
package ratelimit

import (
	"sync"
	"time"
)

// HourlyLimiter allows at most max invocations in any trailing hour.
// A max of zero disables the limit.
type HourlyLimiter struct {
	mu     sync.Mutex
	max    int
	window []time.Time
	now    func() time.Time
}

func NewHourlyLimiter(max int) *HourlyLimiter {
	return &HourlyLimiter{max: max, now: func() time.Time { return time.Now().UTC() }}
}

// Allow records an invocation attempt and reports whether it may proceed.
func (l *HourlyLimiter) Allow() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-time.Hour)
	kept := l.window[:0]
	for _, at := range l.window {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	l.window = kept

	if len(l.window) >= l.max {
		return false
	}
	l.window = append(l.window, l.now())
	return true
}

// Package server throttles inbound events per connection with a token
// bucket so one noisy client cannot monopolize the dispatcher.
package server

import (
	"sync"
	"time"
)

type rateLimiter struct {
	mu       sync.Mutex
	tokens   int
	capacity int
	perToken time.Duration
	last     time.Time
}

// newRateLimiter allows capacity events per interval, refilled continuously.
func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &rateLimiter{
		tokens:   capacity,
		capacity: capacity,
		perToken: interval / time.Duration(capacity),
		last:     time.Now(),
	}
}

func (l *rateLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if refill := int(now.Sub(l.last) / l.perToken); refill > 0 {
		l.tokens += refill
		if l.tokens >= l.capacity {
			l.tokens = l.capacity
			l.last = now
		} else {
			l.last = l.last.Add(time.Duration(refill) * l.perToken)
		}
	}

	if l.tokens <= 0 {
		return false
	}
	l.tokens--
	return true
}

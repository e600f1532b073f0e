package websocket

import "time"

const (
	minPostInterval = 500 * time.Millisecond
	// posts discarded after this many rapid attempts stay discarded for the connection
	discardThreshold = 3
)

// PostLimiter throttles comment posts on one watch session. It is used by the
// receiver goroutine only.
type PostLimiter struct {
	minInterval time.Duration
	threshold   int
	now         func() time.Time

	last     time.Time
	discards int
}

func NewPostLimiter() *PostLimiter {
	return &PostLimiter{
		minInterval: minPostInterval,
		threshold:   discardThreshold,
		now:         time.Now,
	}
}

// Allow records a post attempt and reports whether it may be stored. The
// attempt time is updated either way, so a steady stream of fast posts keeps
// being discarded.
func (l *PostLimiter) Allow() bool {
	now := l.now()
	discard := (!l.last.IsZero() && now.Sub(l.last) < l.minInterval) || l.discards > l.threshold
	l.last = now
	if discard {
		l.discards++
	}
	return !discard
}

// Muted reports whether the connection has been discarded for good.
func (l *PostLimiter) Muted() bool {
	return l.discards > l.threshold
}

// Package ratelimit implements the process-wide admission control applied to
// outbound generation calls.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidLimit is returned when a limiter is built with non-positive bounds.
var ErrInvalidLimit = errors.New("invalid rate limit")

// SlidingWindow admits at most maxCalls calls within any trailing period.
//
// Admission timestamps are kept in a fixed-size ring ordered oldest first.
// A timestamp whose age is at least period has left the window.
type SlidingWindow struct {
	mu       sync.Mutex
	maxCalls int
	period   time.Duration
	now      func() time.Time

	ring  []time.Time
	head  int
	count int
}

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *SlidingWindow) {
		if now != nil {
			w.now = now
		}
	}
}

// NewSlidingWindow creates a limiter admitting maxCalls per period.
func NewSlidingWindow(maxCalls int, period time.Duration, opts ...Option) (*SlidingWindow, error) {
	if maxCalls <= 0 {
		return nil, fmt.Errorf("%w: max calls must be positive, got %d", ErrInvalidLimit, maxCalls)
	}
	if period <= 0 {
		return nil, fmt.Errorf("%w: period must be positive, got %s", ErrInvalidLimit, period)
	}
	w := &SlidingWindow{
		maxCalls: maxCalls,
		period:   period,
		now:      time.Now,
		ring:     make([]time.Time, maxCalls),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Allow reports whether a call may proceed now and records it if so.
// A denied call leaves the window untouched.
func (w *SlidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.expire(now)
	if w.count >= w.maxCalls {
		return false
	}
	w.ring[(w.head+w.count)%w.maxCalls] = now
	w.count++
	return true
}

// Len returns the number of admissions still inside the window.
func (w *SlidingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expire(w.now())
	return w.count
}

// MaxCalls is the number of admissions allowed per period.
func (w *SlidingWindow) MaxCalls() int { return w.maxCalls }

// Period is the length of the sliding window.
func (w *SlidingWindow) Period() time.Duration { return w.period }

// expire drops leading timestamps that have aged out. Caller holds mu.
func (w *SlidingWindow) expire(now time.Time) {
	for w.count > 0 {
		if now.Sub(w.ring[w.head]) < w.period {
			return
		}
		w.ring[w.head] = time.Time{}
		w.head = (w.head + 1) % w.maxCalls
		w.count--
	}
}

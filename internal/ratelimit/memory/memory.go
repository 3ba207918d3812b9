// Package memory is a process-local fixed-window limiter. It bounds traffic per
// process only; once several instances share load use the shared limiters in
// package ratelimit.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AlexKimmel/quotagate/internal/clock"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
)

type window struct {
	mu    sync.Mutex
	count int
	start int64 // unix seconds
}

// Limiter allows max requests per identity per window. Windows open on an
// identity's first request and are locked per identity.
type Limiter struct {
	max     int
	length  int64 // seconds
	now     clock.TimeSource
	windows sync.Map // identity -> *window
}

var _ ratelimit.Limiter = (*Limiter)(nil)

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the system clock.
func WithClock(ts clock.TimeSource) Option {
	return func(l *Limiter) { l.now = ts }
}

// New returns a Limiter allowing max requests per length. length is rounded
// down to whole seconds, minimum one.
func New(max int, length time.Duration, opts ...Option) *Limiter {
	secs := int64(length / time.Second)
	if secs < 1 {
		secs = 1
	}
	l := &Limiter{max: max, length: secs, now: clock.System}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check implements ratelimit.Limiter.
func (l *Limiter) Check(_ context.Context, identity string) (ratelimit.Decision, error) {
	now := l.now.Now().Unix()

	v, _ := l.windows.LoadOrStore(identity, &window{start: now})
	w := v.(*window)

	w.mu.Lock()
	defer w.mu.Unlock()

	if now-w.start >= l.length {
		w.count = 0
		w.start = now
	}
	w.count++

	return ratelimit.Decision{
		Allowed:      w.count <= l.max,
		Limit:        l.max,
		Remaining:    max(0, l.max-w.count),
		ResetUnixSec: w.start + l.length,
	}, nil
}

// Prune drops windows that have elapsed, returning how many were removed.
// Their identities start a fresh window on the next request either way.
func (l *Limiter) Prune() int {
	now := l.now.Now().Unix()
	n := 0
	l.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		expired := now-w.start >= l.length
		w.mu.Unlock()
		if expired {
			l.windows.CompareAndDelete(k, v)
			n++
		}
		return true
	})
	return n
}

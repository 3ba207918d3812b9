// Package clock provides the time source used by window and expiry math, and a
// settable fake for tests.
package clock

import (
	"sync"
	"time"
)

// System is the TimeSource backed by the wall clock.
var System TimeSource = systemTimeSource{}

// TimeSource returns the current time. Tests replace it with a Fake.
type TimeSource interface {
	Now() time.Time
}

type systemTimeSource struct{}

func (systemTimeSource) Now() time.Time { return time.Now() }

// Fake is a TimeSource whose time only moves when told to. Safe for concurrent use.
type Fake struct {
	mu  sync.RWMutex
	now time.Time
}

// NewFake returns a Fake reporting t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.now
}

// Set moves the fake to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Advance moves the fake forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// PeriodStart returns the epoch-aligned start of the period containing now,
// i.e. now - (now mod period), at one second resolution.
func PeriodStart(now time.Time, period time.Duration) int64 {
	sec := now.Unix()
	p := int64(period / time.Second)
	if p <= 0 {
		return sec
	}
	return sec - sec%p
}

// Package ratelimit implements the quota limiters: a shared fixed window, a
// single-tier token bucket and the tiered token bucket used for admission. All
// of them keep their state in a store.Store so that every service instance
// sees the same counters. The process-local fixed window lives in the memory
// subpackage.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/quotagate/internal/clock"
)

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed      bool
	Limit        int
	Remaining    int   // never negative
	ResetUnixSec int64 // when the current window's quota replenishes
}

// Limiter checks one identity against a single policy.
type Limiter interface {
	Check(ctx context.Context, identity string) (Decision, error)
}

// TierLimiter checks one identity against the policy of a named tier.
type TierLimiter interface {
	Check(ctx context.Context, identity, tierName string) (Decision, error)
}

// Recorder receives limiter events worth counting.
type Recorder interface {
	Compensated(tier string)
	StoreError(op string)
}

type noopRecorder struct{}

func (noopRecorder) Compensated(string) {}
func (noopRecorder) StoreError(string)  {}

const defaultDetachedTimeout = 2 * time.Second

type options struct {
	prefix          string
	now             clock.TimeSource
	log             zerolog.Logger
	rec             Recorder
	atomicTake      bool
	detachedTimeout time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		now:             clock.System,
		log:             zerolog.Nop(),
		rec:             noopRecorder{},
		detachedTimeout: defaultDetachedTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures the shared limiters.
type Option func(*options)

// WithPrefix prefixes every store key.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithClock replaces the system clock.
func WithClock(ts clock.TimeSource) Option {
	return func(o *options) { o.now = ts }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.rec = r
		}
	}
}

// WithAtomicTake lets the tiered limiter use store.TokenTaker when the store
// implements it, replacing decrement-and-compensate with a single call.
func WithAtomicTake(enabled bool) Option {
	return func(o *options) { o.atomicTake = enabled }
}

// WithDetachedTimeout bounds the store calls that run after a bucket has been
// touched. Those calls ignore caller cancellation so that a decrement is always
// paired with its compensation.
func WithDetachedTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.detachedTimeout = d
		}
	}
}

// BucketKey addresses the tiered quota window of identity in tier starting at
// periodStart.
func BucketKey(prefix, identity, tierName string, periodStart int64) string {
	return prefix + "tb:" + identity + ":" + tierName + ":" + strconv.FormatInt(periodStart, 10)
}

func periodEnd(periodStart int64, period time.Duration) time.Time {
	return time.Unix(periodStart+int64(period/time.Second), 0)
}

// windowTTL is the lifetime of a window created at now: the time left until
// the aligned period ends, never below one second.
func windowTTL(now time.Time, periodStart int64, period time.Duration) time.Duration {
	ttl := periodEnd(periodStart, period).Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// resetAt converts a store TTL into an epoch second. A missing TTL means the
// key vanished mid-check; that is treated as a fresh period.
func resetAt(now time.Time, ttl time.Duration, ok bool, period time.Duration) int64 {
	if !ok || ttl <= 0 {
		return now.Add(period).Unix()
	}
	return now.Add(ttl).Round(time.Second).Unix()
}

func remaining(n int64) int {
	if n < 0 {
		return 0
	}
	return int(n)
}

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/AlexKimmel/quotagate/internal/clock"
	"github.com/AlexKimmel/quotagate/internal/store"
)

// TokenBucket grants Limit tokens per epoch-aligned Period to each identity.
//
// It reads the bucket and then decrements it in two separate store calls, so
// concurrent callers can all see a token and all take it. The count is clamped
// when reported but the bucket can be overdrawn; Tiered does not have this
// problem.
type TokenBucket struct {
	options
	store  store.Store
	limit  int
	period time.Duration
}

// NewTokenBucket returns a TokenBucket holding limit tokens per period.
func NewTokenBucket(st store.Store, limit int, period time.Duration, opts ...Option) *TokenBucket {
	return &TokenBucket{
		options: newOptions(opts),
		store:   st,
		limit:   limit,
		period:  period,
	}
}

// Check implements Limiter.
func (l *TokenBucket) Check(ctx context.Context, identity string) (Decision, error) {
	now := l.now.Now()
	ps := clock.PeriodStart(now, l.period)
	key := l.prefix + "tb:" + identity + ":" + strconv.FormatInt(ps, 10)
	dec := Decision{
		Limit:        l.limit,
		ResetUnixSec: periodEnd(ps, l.period).Unix(),
	}

	if _, err := l.store.SetNX(ctx, key, strconv.Itoa(l.limit), windowTTL(now, ps, l.period)); err != nil {
		l.rec.StoreError("setnx")
		return Decision{}, fmt.Errorf("token bucket init: %w", err)
	}
	v, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.rec.StoreError("get")
		return Decision{}, fmt.Errorf("token bucket read: %w", err)
	}
	if !ok {
		// Expired between init and read; a bare DECR would recreate it
		// without a TTL.
		if _, err := l.store.SetNX(ctx, key, strconv.Itoa(l.limit), time.Second); err != nil {
			l.rec.StoreError("setnx")
			return Decision{}, fmt.Errorf("token bucket init: %w", err)
		}
		v = strconv.Itoa(l.limit)
	}
	tokens, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket read %q: %w", key, store.ErrNotInteger)
	}
	if tokens <= 0 {
		return dec, nil
	}
	n, err := l.store.Decr(ctx, key)
	if err != nil {
		l.rec.StoreError("decr")
		return Decision{}, fmt.Errorf("token bucket decr: %w", err)
	}
	dec.Allowed = true
	dec.Remaining = remaining(n)
	return dec, nil
}

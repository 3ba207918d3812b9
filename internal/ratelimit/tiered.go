package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/AlexKimmel/quotagate/internal/clock"
	"github.com/AlexKimmel/quotagate/internal/store"
	"github.com/AlexKimmel/quotagate/internal/tier"
)

// Tiered keeps one token bucket per (identity, tier, period start), sized by
// the tier table. It is the limiter used for admission.
//
// Each check creates the bucket with SETNX (so an in-progress bucket is never
// re-armed), decrements it, and admits the request iff the decremented value
// is non-negative. A negative value means concurrent callers overdrew the
// bucket; the caller puts its token back with INCR and is denied. Hence at most
// Limit checks per window are ever admitted, and the counter settles at Limit
// minus the number of admissions.
type Tiered struct {
	options
	store store.Store
	table *tier.Table
}

var _ TierLimiter = (*Tiered)(nil)

// NewTiered returns a Tiered limiter over st using the limits in table.
func NewTiered(st store.Store, table *tier.Table, opts ...Option) *Tiered {
	return &Tiered{
		options: newOptions(opts),
		store:   st,
		table:   table,
	}
}

// Check implements TierLimiter. Unknown tier names are checked against the
// free tier.
func (l *Tiered) Check(ctx context.Context, identity, tierName string) (Decision, error) {
	t := l.table.Fallback(tierName)
	now := l.now.Now()
	ps := clock.PeriodStart(now, t.Period)
	key := BucketKey(l.prefix, identity, t.Name, ps)
	ttl := windowTTL(now, ps, t.Period)

	// From here on the bucket may be mutated. Run against a context that
	// outlives the caller so a decrement is never left uncompensated.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.detachedTimeout)
	defer cancel()

	if tt, ok := l.store.(store.TokenTaker); ok && l.atomicTake {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		take, err := tt.TakeToken(dctx, key, int64(t.Limit), ttl)
		if err != nil {
			l.rec.StoreError("take")
			return Decision{}, fmt.Errorf("tiered take: %w", err)
		}
		return Decision{
			Allowed:      take.Allowed,
			Limit:        t.Limit,
			Remaining:    remaining(take.Remaining),
			ResetUnixSec: resetAt(now, take.TTL, take.TTL > 0, t.Period),
		}, nil
	}

	if _, err := l.store.SetNX(ctx, key, strconv.Itoa(t.Limit), ttl); err != nil {
		l.rec.StoreError("setnx")
		return Decision{}, fmt.Errorf("tiered init: %w", err)
	}

	n, err := l.store.Decr(dctx, key)
	if err != nil {
		l.rec.StoreError("decr")
		return Decision{}, fmt.Errorf("tiered decr: %w", err)
	}

	rem, ok, err := l.store.TTL(dctx, key)
	if err != nil {
		l.rec.StoreError("ttl")
		l.log.Debug().Err(err).Str("key", key).Msg("ratelimit: ttl unavailable")
	} else if !ok {
		// The bucket expired between SETNX and DECR, so DECR recreated it
		// without a TTL. Start a fresh bucket and re-arm its expiry.
		return l.rearm(dctx, key, t, n, ps), nil
	}

	dec := Decision{
		Allowed:      n >= 0,
		Limit:        t.Limit,
		Remaining:    remaining(n),
		ResetUnixSec: resetAt(now, rem, ok && err == nil, t.Period),
	}
	if !dec.Allowed {
		l.compensate(dctx, key, t.Name)
	}
	return dec, nil
}

// rearm restores the expiry of a bucket that DECR left without one. A negative
// n means the key had vanished and this request opens a fresh period.
func (l *Tiered) rearm(ctx context.Context, key string, t tier.Tier, n int64, ps int64) Decision {
	now := l.now.Now()
	if n < 0 {
		n = int64(t.Limit) - 1
	}
	if err := l.store.Set(ctx, key, strconv.FormatInt(n, 10), windowTTL(now, ps, t.Period)); err != nil {
		l.rec.StoreError("set")
		l.log.Error().Err(err).Str("key", key).Msg("ratelimit: re-arming bucket failed")
	}
	return Decision{
		Allowed:      true,
		Limit:        t.Limit,
		Remaining:    remaining(n),
		ResetUnixSec: periodEnd(clock.PeriodStart(now, t.Period), t.Period).Unix(),
	}
}

func (l *Tiered) compensate(ctx context.Context, key, tierName string) {
	l.rec.Compensated(tierName)
	n, err := l.store.Incr(ctx, key)
	if err != nil {
		l.rec.StoreError("incr")
		l.log.Error().Err(err).Str("key", key).Msg("ratelimit: compensation failed")
		return
	}
	l.log.Debug().Str("key", key).Int64("value", n).Msg("ratelimit: compensated overdraw")
}

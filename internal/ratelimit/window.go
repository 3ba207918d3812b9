package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/AlexKimmel/quotagate/internal/store"
)

// FixedWindow is a fixed-window counter in the shared store. The window opens
// on the first request of an identity and lasts Window; every request in it
// counts, admitted or not.
type FixedWindow struct {
	options
	store  store.Store
	max    int
	window time.Duration
}

// NewFixedWindow returns a FixedWindow allowing max requests per window.
func NewFixedWindow(st store.Store, max int, window time.Duration, opts ...Option) *FixedWindow {
	return &FixedWindow{
		options: newOptions(opts),
		store:   st,
		max:     max,
		window:  window,
	}
}

// Check implements Limiter.
func (l *FixedWindow) Check(ctx context.Context, identity string) (Decision, error) {
	now := l.now.Now()
	key := l.prefix + "win:" + identity

	if _, err := l.store.SetNX(ctx, key, "0", l.window); err != nil {
		l.rec.StoreError("setnx")
		return Decision{}, fmt.Errorf("fixed window init: %w", err)
	}
	count, err := l.store.Incr(ctx, key)
	if err != nil {
		l.rec.StoreError("incr")
		return Decision{}, fmt.Errorf("fixed window incr: %w", err)
	}
	ttl, ok, err := l.store.TTL(ctx, key)
	if err != nil {
		l.rec.StoreError("ttl")
		ok = false
	}
	if err == nil && !ok {
		// The window expired between SETNX and INCR, so INCR recreated the key
		// without a TTL. Re-arm it or it would never reset.
		if err := l.store.Set(ctx, key, strconv.FormatInt(count, 10), l.window); err != nil {
			l.rec.StoreError("set")
			l.log.Error().Err(err).Msg("ratelimit: re-arming window failed")
		}
	}

	return Decision{
		Allowed:      count <= int64(l.max),
		Limit:        l.max,
		Remaining:    remaining(int64(l.max) - count),
		ResetUnixSec: resetAt(now, ttl, ok, l.window),
	}, nil
}

package ratelimit

import (
	"context"

	"github.com/AlexKimmel/quotagate/internal/tier"
)

// ByTier turns single-policy limiters into a TierLimiter: one limiter per
// configured tier, picked by name with the same free-tier fallback as Tiered.
type ByTier struct {
	table    *tier.Table
	limiters map[string]Limiter
}

var _ TierLimiter = (*ByTier)(nil)

// NewByTier calls build once for every tier in table.
func NewByTier(table *tier.Table, build func(tier.Tier) Limiter) *ByTier {
	b := &ByTier{table: table, limiters: make(map[string]Limiter)}
	for _, t := range table.Tiers() {
		b.limiters[t.Name] = build(t)
	}
	return b
}

// Check implements TierLimiter.
func (b *ByTier) Check(ctx context.Context, identity, tierName string) (Decision, error) {
	t := b.table.Fallback(tierName)
	return b.limiters[t.Name].Check(ctx, identity)
}

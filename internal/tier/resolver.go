package tier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/quotagate/internal/account"
	"github.com/AlexKimmel/quotagate/internal/store"
)

var (
	// ErrInvalidTier is returned by SetTier for tier names not in the table.
	ErrInvalidTier = errors.New("invalid tier")
	// ErrEmptyIdentity is returned by SetTier for an empty identity.
	ErrEmptyIdentity = errors.New("empty identity")
)

// CacheKey is the shared store key holding the cached tier of identity.
func CacheKey(prefix, identity string) string {
	return prefix + "user:" + identity + ":tier"
}

// Resolver decides the tier of an identity. First match wins:
//
//  1. the tier on the identity's account in the system of record,
//  2. the tier cached in the shared store,
//  3. the static test-key mapping,
//  4. the default tier.
//
// A candidate only matches if it names a configured tier. Dependency errors
// are logged and skipped, so resolution never fails.
type Resolver struct {
	table    *Table
	accounts account.Directory
	store    store.Store
	prefix   string
	cacheTTL time.Duration
	log      zerolog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithKeyPrefix sets the prefix of the tier cache keys.
func WithKeyPrefix(prefix string) ResolverOption {
	return func(r *Resolver) { r.prefix = prefix }
}

// WithCacheTTL sets the lifetime of cache entries written by SetTier. Zero
// means they never expire.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) { r.cacheTTL = ttl }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = l }
}

// NewResolver builds a Resolver. accounts and st may be nil, in which case the
// corresponding steps are skipped.
func NewResolver(table *Table, accounts account.Directory, st store.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		table:    table,
		accounts: accounts,
		store:    st,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the tier for identity.
func (r *Resolver) Resolve(ctx context.Context, identity string) Tier {
	if r.accounts != nil {
		acct, err := r.accounts.Find(ctx, identity)
		switch {
		case err == nil:
			return r.ResolveAccount(ctx, acct)
		case !errors.Is(err, account.ErrNotFound):
			r.log.Warn().Err(err).Msg("tier: system of record lookup failed")
		}
	}
	return r.fromCache(ctx, identity)
}

// ResolveAccount resolves the tier for an account the caller already fetched
// from the system of record.
func (r *Resolver) ResolveAccount(ctx context.Context, acct account.Account) Tier {
	if tr, ok := r.table.Lookup(acct.Tier); ok {
		return tr
	}
	if acct.Tier != "" {
		r.log.Debug().Str("tier", acct.Tier).Msg("tier: account tier not configured")
	}
	return r.fromCache(ctx, acct.Identity)
}

func (r *Resolver) fromCache(ctx context.Context, identity string) Tier {
	if r.store != nil {
		name, ok, err := r.store.Get(ctx, CacheKey(r.prefix, identity))
		if err != nil {
			r.log.Warn().Err(err).Msg("tier: cache lookup failed")
		} else if ok {
			if tr, valid := r.table.Lookup(name); valid {
				return tr
			}
		}
	}
	if name, ok := r.table.TestKey(identity); ok {
		if tr, valid := r.table.Lookup(name); valid {
			return tr
		}
	}
	return r.table.Default()
}

// SetTier writes the cached tier for identity. It rejects tier names that are
// not configured without touching the cache.
func (r *Resolver) SetTier(ctx context.Context, identity, name string) error {
	if identity == "" {
		return ErrEmptyIdentity
	}
	if !r.table.Valid(name) {
		return fmt.Errorf("%w %q, valid: %v", ErrInvalidTier, name, r.table.Names())
	}
	if r.store == nil {
		return errors.New("tier: no shared store configured")
	}
	if err := r.store.Set(ctx, CacheKey(r.prefix, identity), name, r.cacheTTL); err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	r.log.Info().Str("tier", name).Msg("tier: cached tier updated")
	return nil
}

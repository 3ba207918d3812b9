// Package store defines the shared counter store the quota engine coordinates
// through, plus in-memory and Redis implementations.
//
// The interface exposes only the primitives the engine needs: GET, SET,
// SET-if-absent with a TTL, INCR, DECR and TTL. All cross-process coordination
// goes through the atomicity of these operations; no locks are taken.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotInteger is returned by Incr and Decr when the stored value is not an
// integer.
var ErrNotInteger = errors.New("store: value is not an integer")

// Store is the shared counter store.
type Store interface {
	// Get returns the value at key. ok is false when the key does not exist.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set writes value at key, replacing any previous value. A ttl <= 0 means
	// the key does not expire.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes value at key with the given ttl only if key does not exist.
	// It reports whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments the integer at key and returns the new value.
	// A missing key counts as 0 and is created without expiry.
	Incr(ctx context.Context, key string) (int64, error)

	// Decr atomically decrements the integer at key and returns the new value.
	Decr(ctx context.Context, key string) (int64, error)

	// TTL returns the remaining lifetime of key. ok is false when the key is
	// missing or has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
}

// Take is the outcome of TokenTaker.TakeToken.
type Take struct {
	// Allowed reports whether a token was removed.
	Allowed bool
	// Remaining is the token count after the call, never negative.
	Remaining int64
	// TTL is the bucket's remaining lifetime, 0 if unknown.
	TTL time.Duration
}

// TokenTaker is implemented by stores that can, in one atomic step, create a
// bucket holding capacity tokens if it is absent, remove one token unless the
// bucket is empty, and report the bucket's TTL.
type TokenTaker interface {
	TakeToken(ctx context.Context, key string, capacity int64, ttl time.Duration) (Take, error)
}

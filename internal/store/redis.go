package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed take_token.lua
var takeTokenSource string

var takeTokenScript = redis.NewScript(takeTokenSource)

// Redis is a Store backed by a Redis server or cluster.
type Redis struct {
	c       redis.Cmdable
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithTimeout bounds every store operation. Zero leaves the caller's context
// untouched.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.timeout = d }
}

// NewRedis wraps a go-redis client. Any of *redis.Client, *redis.ClusterClient
// or *redis.Ring works.
func NewRedis(c redis.Cmdable, opts ...RedisOption) *Redis {
	r := &Redis{c: c}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load preloads the token script so later calls only send its hash.
func (r *Redis) Load(ctx context.Context) error {
	return takeTokenScript.Load(ctx, r.c).Err()
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	v, err := r.c.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return v, true, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	if err := r.c.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// SetNX implements Store.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.c.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Incr implements Store.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	n, err := r.c.Incr(ctx, key).Result()
	if err != nil {
		return 0, counterErr("incr", key, err)
	}
	return n, nil
}

// Decr implements Store.
func (r *Redis) Decr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	n, err := r.c.Decr(ctx, key).Result()
	if err != nil {
		return 0, counterErr("decr", key, err)
	}
	return n, nil
}

// TTL implements Store. Redis reports -2 for a missing key and -1 for a key
// without expiry; both map to ok == false.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	d, err := r.c.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis ttl %q: %w", key, err)
	}
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

// TakeToken implements TokenTaker with a single script round trip.
func (r *Redis) TakeToken(ctx context.Context, key string, capacity int64, ttl time.Duration) (Take, error) {
	if ttl < time.Millisecond {
		return Take{}, fmt.Errorf("redis take %q: ttl %v below 1ms", key, ttl)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	res, err := takeTokenScript.Run(ctx, r.c, []string{key}, capacity, ttl.Milliseconds()).Result()
	if err != nil {
		return Take{}, counterErr("take", key, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Take{}, fmt.Errorf("redis take %q: invalid script response %T", key, res)
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	pttl, _ := vals[2].(int64)
	take := Take{Allowed: allowed == 1, Remaining: remaining}
	if pttl > 0 {
		take.TTL = time.Duration(pttl) * time.Millisecond
	}
	return take, nil
}

func counterErr(op, key string, err error) error {
	if strings.Contains(err.Error(), "not an integer") {
		return fmt.Errorf("redis %s %q: %w", op, key, ErrNotInteger)
	}
	return fmt.Errorf("redis %s %q: %w", op, key, err)
}

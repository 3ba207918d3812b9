package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/AlexKimmel/quotagate/internal/clock"
)

type entry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

// Memory is an in-process Store. Each operation is atomic with respect to the
// others, mirroring a single Redis node. Expired keys are dropped lazily on
// access.
//
// Memory is meant for tests and single-instance deployments; its state is not
// shared across processes.
type Memory struct {
	mu   sync.Mutex
	now  clock.TimeSource
	data map[string]entry
}

// NewMemory returns an empty Memory using ts for expiry. A nil ts uses the
// system clock.
func NewMemory(ts clock.TimeSource) *Memory {
	if ts == nil {
		ts = clock.System
	}
	return &Memory{now: ts, data: make(map[string]entry)}
}

// lookupLocked returns the live entry at key, evicting it if expired.
func (m *Memory) lookupLocked(key string) (entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expireAt.IsZero() && !m.now.Now().Before(e.expireAt) {
		delete(m.data, key)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now.Now().Add(ttl)
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(key)
	return e.value, ok, nil
}

// Set implements Store.
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = entry{value: value, expireAt: m.expiry(ttl)}
	return nil
}

// SetNX implements Store.
func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookupLocked(key); ok {
		return false, nil
	}
	m.data[key] = entry{value: value, expireAt: m.expiry(ttl)}
	return true, nil
}

// Incr implements Store.
func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	return m.add(ctx, key, 1)
}

// Decr implements Store.
func (m *Memory) Decr(ctx context.Context, key string) (int64, error) {
	return m.add(ctx, key, -1)
}

func (m *Memory) add(ctx context.Context, key string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.lookupLocked(key)
	var n int64
	if e.value != "" {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		n = v
	}
	n += delta
	e.value = strconv.FormatInt(n, 10)
	m.data[key] = e
	return n, nil
}

// TTL implements Store.
func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(key)
	if !ok || e.expireAt.IsZero() {
		return 0, false, nil
	}
	return e.expireAt.Sub(m.now.Now()), true, nil
}

// TakeToken implements TokenTaker.
func (m *Memory) TakeToken(ctx context.Context, key string, capacity int64, ttl time.Duration) (Take, error) {
	if err := ctx.Err(); err != nil {
		return Take{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(key)
	if !ok {
		e = entry{value: strconv.FormatInt(capacity, 10), expireAt: m.expiry(ttl)}
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return Take{}, ErrNotInteger
	}
	take := Take{}
	if n > 0 {
		n--
		take.Allowed = true
	}
	e.value = strconv.FormatInt(n, 10)
	m.data[key] = e
	take.Remaining = max(n, 0)
	if !e.expireAt.IsZero() {
		take.TTL = e.expireAt.Sub(m.now.Now())
	}
	return take, nil
}

// Len returns the number of live keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.data {
		if _, ok := m.lookupLocked(k); ok {
			n++
		}
	}
	return n
}

package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/quotagate/internal/clock"
)

func TestLimiter_Exhaustion(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Unix(1000, 0))
	l := New(3, time.Minute, WithClock(fc))

	for want := 2; want >= 0; want-- {
		dec, err := l.Check(ctx, "k")
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.Equal(t, want, dec.Remaining)
		assert.Equal(t, 3, dec.Limit)
		assert.Equal(t, int64(1060), dec.ResetUnixSec)
	}

	dec, err := l.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 0, dec.Remaining)

	other, _ := l.Check(ctx, "other")
	assert.True(t, other.Allowed, "identities have independent windows")
}

func TestLimiter_WindowReset(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Unix(1000, 0))
	l := New(1, time.Minute, WithClock(fc))

	dec, _ := l.Check(ctx, "k")
	require.True(t, dec.Allowed)
	dec, _ = l.Check(ctx, "k")
	require.False(t, dec.Allowed)

	fc.Advance(59 * time.Second)
	dec, _ = l.Check(ctx, "k")
	assert.False(t, dec.Allowed)

	fc.Advance(time.Second)
	dec, _ = l.Check(ctx, "k")
	assert.True(t, dec.Allowed)
	assert.Equal(t, 0, dec.Remaining)
	assert.Equal(t, int64(1120), dec.ResetUnixSec)
}

func TestLimiter_Concurrent(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Unix(1000, 0))
	l := New(100, time.Minute, WithClock(fc))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 250 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := l.Check(ctx, "k")
			if err == nil && dec.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), allowed.Load())
}

func TestLimiter_Prune(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(time.Unix(1000, 0))
	l := New(5, 10*time.Second, WithClock(fc))

	_, _ = l.Check(ctx, "a")
	fc.Advance(5 * time.Second)
	_, _ = l.Check(ctx, "b")
	fc.Advance(5 * time.Second)

	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 0, l.Prune())
}

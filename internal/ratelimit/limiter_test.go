// ABOUTME: Tests for the sliding-window limiter on miniredis and the local fallback

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newRedisLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(client, nil)
	l.now = clock.now
	return l, mr, clock
}

func newLocalLimiter() (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(nil, nil)
	l.now = clock.now
	return l, clock
}

func exceeded(t *testing.T, err error) *RateLimitExceededError {
	t.Helper()
	var rle *RateLimitExceededError
	require.True(t, errors.As(err, &rle), "expected RateLimitExceededError, got %v", err)
	return rle
}

func TestLimitPlusOneIsRejected(t *testing.T) {
	redisLimiter, _, redisClock := newRedisLimiter(t)
	localLimiter, localClock := newLocalLimiter()

	for name, tc := range map[string]struct {
		l     *Limiter
		clock *fakeClock
	}{
		"redis": {redisLimiter, redisClock},
		"local": {localLimiter, localClock},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for range 5 {
				require.NoError(t, tc.l.Allow(ctx, "whatsapp", "wa-1", 5))
				tc.clock.advance(time.Second)
			}

			err := tc.l.Allow(ctx, "whatsapp", "wa-1", 5)
			rle := exceeded(t, err)
			assert.Equal(t, "whatsapp:wa-1", rle.Key)
			assert.GreaterOrEqual(t, rle.RetryAfter, 1)
			assert.Equal(t, 55, rle.RetryAfter, "oldest send leaves the window 55s from now")
		})
	}
}

func TestWindowSlides(t *testing.T) {
	l, _, clock := newRedisLimiter(t)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "email", "", 2))
	require.NoError(t, l.Allow(ctx, "email", "", 2))
	exceeded(t, l.Allow(ctx, "email", "", 2))

	clock.advance(Window + time.Second)
	assert.NoError(t, l.Allow(ctx, "email", "", 2))
}

func TestRejectedAttemptsDoNotConsumeSlots(t *testing.T) {
	l, _, clock := newRedisLimiter(t)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "email", "", 1))
	for range 3 {
		clock.advance(10 * time.Second)
		exceeded(t, l.Allow(ctx, "email", "", 1))
	}
	clock.advance(31 * time.Second)
	assert.NoError(t, l.Allow(ctx, "email", "", 1))
}

func TestRetryAfterMinimumIsOne(t *testing.T) {
	l, clock := newLocalLimiter()
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "email", "", 1))
	clock.advance(Window - 100*time.Millisecond)

	rle := exceeded(t, l.Allow(ctx, "email", "", 1))
	assert.Equal(t, 1, rle.RetryAfter)
}

func TestNonPositiveLimitIsUnlimited(t *testing.T) {
	l, _, _ := newRedisLimiter(t)
	ctx := context.Background()
	for range 100 {
		require.NoError(t, l.Allow(ctx, "email", "", 0))
		require.NoError(t, l.Allow(ctx, "email", "", -1))
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _, _ := newRedisLimiter(t)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "whatsapp", "wa-1", 1))
	require.NoError(t, l.Allow(ctx, "whatsapp", "wa-2", 1))
	require.NoError(t, l.Allow(ctx, "email", "wa-1", 1))
	exceeded(t, l.Allow(ctx, "whatsapp", "wa-1", 1))
}

func TestFallsBackWhenRedisIsDown(t *testing.T) {
	l, mr, _ := newRedisLimiter(t)
	ctx := context.Background()
	mr.Close()

	require.NoError(t, l.Allow(ctx, "email", "support", 1))
	exceeded(t, l.Allow(ctx, "email", "support", 1))
}

func TestRedisWindowIsShared(t *testing.T) {
	mr := miniredis.RunT(t)
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	var limiters []*Limiter
	for range 2 {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		l := New(client, nil)
		l.now = clock.now
		limiters = append(limiters, l)
	}
	ctx := context.Background()

	require.NoError(t, limiters[0].Allow(ctx, "email", "", 2))
	clock.advance(time.Millisecond)
	require.NoError(t, limiters[1].Allow(ctx, "email", "", 2))
	clock.advance(time.Millisecond)
	exceeded(t, limiters[0].Allow(ctx, "email", "", 2))
	assert.True(t, mr.Exists(keyPrefix+"email:default"))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "email:default", Key("email", ""))
	assert.Equal(t, "whatsapp:wa-1", Key("whatsapp", "wa-1"))
}

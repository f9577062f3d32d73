// ABOUTME: Sliding-window limiter for outbound sends keyed by channel and target
// ABOUTME: Redis sorted sets when available, in-process windows otherwise

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Window is the trailing period sends are counted over.
const Window = 60 * time.Second

const keyPrefix = "coven-inbox:ratelimit:"

// RateLimitExceededError is returned when a send would exceed the limit.
type RateLimitExceededError struct {
	Key        string
	Limit      int
	RetryAfter int // seconds, at least 1
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d per %s, retry after %ds", e.Key, e.Limit, Window, e.RetryAfter)
}

// Key returns the limiter key for a channel and optional target.
func Key(channel, targetID string) string {
	if targetID == "" {
		targetID = "default"
	}
	return channel + ":" + targetID
}

// Limiter counts sends per key. The zero value is not usable; use New.
type Limiter struct {
	client redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	local map[string][]time.Time
}

// New creates a limiter. client may be nil to use only the in-process windows.
func New(client redis.UniversalClient, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		client: client,
		logger: logger.With("component", "ratelimit"),
		now:    time.Now,
		local:  make(map[string][]time.Time),
	}
}

// Allow records a send for channel/target and returns
// *RateLimitExceededError if it exceeds limit within the window.
// A limit of zero or less is unlimited.
func (l *Limiter) Allow(ctx context.Context, channel, targetID string, limit int) error {
	if limit <= 0 {
		return nil
	}
	key := Key(channel, targetID)
	now := l.now()

	if l.client != nil {
		err := l.allowRedis(ctx, key, limit, now)
		if err == nil {
			return nil
		}
		var rle *RateLimitExceededError
		if errors.As(err, &rle) {
			return err
		}
		l.logger.Warn("shared rate limit store unavailable, using local window", "key", key, "error", err)
	}
	return l.allowLocal(key, limit, now)
}

func (l *Limiter) allowRedis(ctx context.Context, key string, limit int, now time.Time) error {
	rkey := keyPrefix + key
	nowMicros := now.UnixMicro()
	cutoff := nowMicros - Window.Microseconds()
	member := strconv.FormatInt(nowMicros, 10) + "-" + uuid.New().String()

	var count *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, rkey, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(nowMicros), Member: member})
		count = pipe.ZCard(ctx, rkey)
		oldest = pipe.ZRangeWithScores(ctx, rkey, 0, 0)
		pipe.Expire(ctx, rkey, Window+time.Second)
		return nil
	})
	if err != nil {
		return err
	}

	if count.Val() <= int64(limit) {
		return nil
	}

	// The rejected attempt must not hold a slot.
	if err := l.client.ZRem(ctx, rkey, member).Err(); err != nil {
		l.logger.Warn("failed to release rejected slot", "key", key, "error", err)
	}

	oldestAt := now
	if zs := oldest.Val(); len(zs) > 0 {
		oldestAt = time.UnixMicro(int64(zs[0].Score))
	}
	return &RateLimitExceededError{Key: key, Limit: limit, RetryAfter: retryAfter(oldestAt, now)}
}

func (l *Limiter) allowLocal(key string, limit int, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-Window)
	stamps := l.local[key]
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	stamps = stamps[i:]

	if len(stamps) >= limit {
		l.local[key] = stamps
		return &RateLimitExceededError{Key: key, Limit: limit, RetryAfter: retryAfter(stamps[0], now)}
	}

	l.local[key] = append(stamps, now)
	return nil
}

// retryAfter is the whole seconds until oldest leaves the window, minimum 1.
func retryAfter(oldest, now time.Time) int {
	secs := int(math.Ceil(oldest.Add(Window).Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Reset clears the in-process windows.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.local = make(map[string][]time.Time)
	l.mu.Unlock()
}

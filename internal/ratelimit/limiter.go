package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/courierhq/courier/internal/cache"
)

// window is the fixed rate-limit window length. Counting is fixed-window,
// not sliding: bursts can occur at window boundaries, accepted for
// implementation simplicity.
const window = time.Hour

// Unlimited is the Remaining value reported for profiles with no cap.
const Unlimited = -1

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Limiter enforces a per-SMTP-profile hourly send quota shared across all
// worker processes through the cache. The increment-and-compare is a single
// atomic increment against the store so concurrent workers cannot both
// observe "under quota" and overshoot.
type Limiter struct {
	cache     cache.Cache
	keyPrefix string
	logger    *slog.Logger
	now       func() time.Time
}

// NewLimiter creates a limiter over the shared cache
func NewLimiter(c cache.Cache) *Limiter {
	return &Limiter{
		cache:     c,
		keyPrefix: "courier:ratelimit:",
		logger:    slog.Default().With("component", "ratelimit"),
		now:       time.Now,
	}
}

// Check atomically counts one send attempt against the profile's current
// hourly window and reports whether it is within quota. A cap of zero or
// less means the profile is unbounded and always allowed.
func (l *Limiter) Check(ctx context.Context, profileID string, maxHourlyRate int) (Result, error) {
	windowStart, resetAt := l.currentWindow()

	if maxHourlyRate <= 0 {
		return Result{Allowed: true, Remaining: Unlimited, ResetAt: resetAt}, nil
	}

	key := l.windowKey(profileID, windowStart)

	count, err := l.cache.Increment(ctx, key, 1)
	if err != nil {
		return Result{}, fmt.Errorf("failed to increment rate-limit counter: %w", err)
	}

	// First hit creates the key; its expiry clears the window without any
	// manual cleanup
	if count == 1 {
		if err := l.cache.Expire(ctx, key, window); err != nil {
			l.logger.Warn("failed to set rate-limit window expiry",
				"profile_id", profileID,
				"error", err)
		}
	}

	result := Result{
		Allowed:   count <= int64(maxHourlyRate),
		Remaining: remaining(maxHourlyRate, count),
		ResetAt:   resetAt,
	}

	if !result.Allowed {
		l.logger.Debug("rate limit exceeded",
			"profile_id", profileID,
			"max_hourly_rate", maxHourlyRate,
			"count", count,
			"reset_at", resetAt)
	}

	return result, nil
}

// Status performs the same computation as Check without incrementing.
func (l *Limiter) Status(ctx context.Context, profileID string, maxHourlyRate int) (Result, error) {
	windowStart, resetAt := l.currentWindow()

	if maxHourlyRate <= 0 {
		return Result{Allowed: true, Remaining: Unlimited, ResetAt: resetAt}, nil
	}

	var count int64
	val, err := l.cache.Get(ctx, l.windowKey(profileID, windowStart))
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return Result{}, fmt.Errorf("failed to read rate-limit counter: %w", err)
	}
	if err == nil {
		count, err = strconv.ParseInt(val, 10, 64)
		if err != nil {
			return Result{}, fmt.Errorf("corrupt rate-limit counter: %w", err)
		}
	}

	return Result{
		Allowed:   count < int64(maxHourlyRate),
		Remaining: remaining(maxHourlyRate, count),
		ResetAt:   resetAt,
	}, nil
}

// Reset clears the profile's window counters (operational/testing use).
// Only the current and previous windows can exist; older keys have expired.
func (l *Limiter) Reset(ctx context.Context, profileID string) error {
	windowStart, _ := l.currentWindow()

	for _, start := range []int64{windowStart, windowStart - int64(window.Seconds())} {
		err := l.cache.Delete(ctx, l.windowKey(profileID, start))
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			return fmt.Errorf("failed to reset rate-limit counter: %w", err)
		}
	}

	return nil
}

// currentWindow returns the start of the current fixed window (unix
// seconds) and the moment the window resets
func (l *Limiter) currentWindow() (int64, time.Time) {
	windowStart := l.now().Unix() / int64(window.Seconds()) * int64(window.Seconds())
	return windowStart, time.Unix(windowStart, 0).Add(window)
}

func (l *Limiter) windowKey(profileID string, windowStart int64) string {
	return fmt.Sprintf("%s%s:%d", l.keyPrefix, profileID, windowStart)
}

func remaining(cap int, count int64) int {
	left := int64(cap) - count
	if left < 0 {
		return 0
	}
	return int(left)
}

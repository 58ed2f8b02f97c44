// internal/pkg/ratelimit/limiter.go
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy is a fixed window capped at MaxAttempts. Going over the cap blocks
// the key until BlockDuration after the window's reset time.
type Policy struct {
	Window        time.Duration
	MaxAttempts   int
	BlockDuration time.Duration
}

// DefaultPolicy allows 5 attempts per 15 minutes and blocks for an hour.
var DefaultPolicy = Policy{
	Window:        15 * time.Minute,
	MaxAttempts:   5,
	BlockDuration: time.Hour,
}

// Entry is the per-key counter. ResetTime is epoch milliseconds.
type Entry struct {
	Count     int   `json:"count"`
	ResetTime int64 `json:"reset_time"`
}

// Result is the outcome of one Check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Store holds entries. Hit must apply the policy atomically per key.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, p Policy) (Entry, error)
	Sweep(ctx context.Context, now time.Time, p Policy) (int, error)
}

type Limiter struct {
	store              Store
	policy             Policy
	cleanupProbability float64
	logger             *zap.Logger

	now  func() time.Time
	roll func() float64
}

func NewLimiter(store Store, policy Policy, cleanupProbability float64, logger *zap.Logger) *Limiter {
	return &Limiter{
		store:              store,
		policy:             policy,
		cleanupProbability: cleanupProbability,
		logger:             logger,
		now:                time.Now,
		roll:               rand.Float64,
	}
}

// Policy returns the limiter's policy.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Check counts one request from clientID against endpoint.
func (l *Limiter) Check(ctx context.Context, clientID, endpoint string) (Result, error) {
	now := l.now()

	if l.cleanupProbability > 0 && l.roll() < l.cleanupProbability {
		if n, err := l.store.Sweep(ctx, now, l.policy); err != nil {
			l.logger.Warn("rate limit sweep failed", zap.Error(err))
		} else if n > 0 {
			l.logger.Debug("rate limit entries swept", zap.Int("count", n))
		}
	}

	entry, err := l.store.Hit(ctx, key(endpoint, clientID), now, l.policy)
	if err != nil {
		return Result{Allowed: true, Limit: l.policy.MaxAttempts}, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return l.policy.result(entry, now), nil
}

func key(endpoint, clientID string) string {
	return "ratelimit:" + endpoint + ":" + clientID
}

// apply advances e for one request at now. It is the single source of the
// window/block rules; RedisStore's script mirrors it.
func (p Policy) apply(e Entry, exists bool, now time.Time) Entry {
	nowMs := now.UnixMilli()
	fresh := Entry{Count: 0, ResetTime: nowMs + p.Window.Milliseconds()}

	switch {
	case !exists:
		e = fresh
	case e.Count > p.MaxAttempts:
		if nowMs < e.ResetTime+p.BlockDuration.Milliseconds() {
			return e
		}
		e = fresh
	case nowMs >= e.ResetTime:
		e = fresh
	}

	e.Count++
	return e
}

// expired reports whether the entry can be dropped by a sweep.
func (p Policy) expired(e Entry, now time.Time) bool {
	return now.UnixMilli() >= e.ResetTime+p.BlockDuration.Milliseconds()
}

func (p Policy) result(e Entry, now time.Time) Result {
	res := Result{
		Allowed:   e.Count <= p.MaxAttempts,
		Limit:     p.MaxAttempts,
		Remaining: p.MaxAttempts - e.Count,
		ResetAt:   time.UnixMilli(e.ResetTime),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.ResetAt = time.UnixMilli(e.ResetTime + p.BlockDuration.Milliseconds())
		res.RetryAfter = res.ResetAt.Sub(now)
	}
	return res
}

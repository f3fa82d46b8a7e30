package secpipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/marcus-qen/decisiongate/internal/dgerr"
)

// RateLimitConfig configures a RateLimiter: a token bucket per
// principal+tenant, refilled continuously at RefillPerSecond up to
// BurstSize, plus a process-wide inflight request ceiling.
type RateLimitConfig struct {
	BurstSize        int
	RefillPerSecond  float64
	MaxInflight      int
}

// DefaultRateLimitConfig is a permissive starting point for local
// development; production deployments are expected to override it.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{BurstSize: 50, RefillPerSecond: 10, MaxInflight: 64}
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// RateLimiter implements pipeline step 4: token-bucket rate limiting
// per principal+tenant, plus a process-wide inflight ceiling. Grounded
// on internal/shared/ratelimit.Limiter's mutex-guarded map-of-counters
// shape, generalized from per-agent run concurrency windows to a
// continuously-refilling token bucket keyed by principal+tenant.
type RateLimiter struct {
	cfg RateLimitConfig

	mu       sync.Mutex
	buckets  map[string]*bucket
	inflight int
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.BurstSize <= 0 {
		cfg = DefaultRateLimitConfig()
	}
	return &RateLimiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

func bucketKey(principalID, tenantID string) string { return tenantID + "/" + principalID }

// Allow consumes one token from the principal+tenant bucket and
// reserves one inflight slot. Callers must call Release exactly once
// per successful Allow, regardless of how the request later resolves.
func (l *RateLimiter) Allow(principalID, tenantID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inflight >= l.cfg.MaxInflight {
		return dgerr.NewOverloaded(fmt.Sprintf("inflight ceiling reached (%d/%d)", l.inflight, l.cfg.MaxInflight))
	}

	key := bucketKey(principalID, tenantID)
	b, ok := l.buckets[key]
	now := time.Now()
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), lastRefill: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens += elapsed * l.cfg.RefillPerSecond
		if b.tokens > float64(l.cfg.BurstSize) {
			b.tokens = float64(l.cfg.BurstSize)
		}
		b.lastRefill = now
	}

	if b.tokens < 1 {
		var retryAfterMs int64 = -1 // unknown: bucket does not refill
		if l.cfg.RefillPerSecond > 0 {
			retryAfterMs = int64((1 - b.tokens) / l.cfg.RefillPerSecond * 1000)
		}
		return dgerr.NewRateLimited(fmt.Sprintf("rate limit exceeded for %s", key)).WithDetails(map[string]any{
			"retry_after_ms": retryAfterMs,
		})
	}
	b.tokens--
	l.inflight++
	return nil
}

// Release returns the inflight slot reserved by a prior successful
// Allow call.
func (l *RateLimiter) Release(principalID, tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight > 0 {
		l.inflight--
	}
}

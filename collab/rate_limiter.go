package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/formlab/collab/internal/slogging"
	"github.com/formlab/collab/internal/uuidgen"
)

const rateLimitPrefix = "collab:rate:"

// RateLimiter enforces sliding-window ceilings with a Redis sorted set per
// key: members are timestamped, the window's tail is trimmed, and the
// cardinality is the current rate. Shared Redis state keeps the ceiling
// accurate when a client reconnects to a different process.
type RateLimiter struct {
	rdb    redis.UniversalClient
	window time.Duration
}

// NewRateLimiter builds a limiter over the given window.
func NewRateLimiter(rdb redis.UniversalClient, window time.Duration) *RateLimiter {
	return &RateLimiter{rdb: rdb, window: window}
}

// Allow records one event under key and reports whether the window's
// ceiling still holds. Redis outages fail open: collaboration should not
// stall because the limiter store is down.
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now()
	redisKey := rateLimitPrefix + key
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuidgen.MustNewV4().String()[:8])

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", now.Add(-l.window).UnixNano()))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		slogging.Get().Warn("Rate limiter unavailable for %s; allowing: %v", key, err)
		return true, err
	}
	return card.Val() <= int64(limit), nil
}

// SessionRateLimits holds per-session ceilings.
type SessionRateLimits struct {
	OpsPerMinute      int
	PresencePerMinute int
	// AbuseViolationLimit is how many consecutive throttled messages a
	// session may send before it is disconnected outright.
	AbuseViolationLimit int
}

// SessionRateLimiter applies per-session ceilings to operation submissions
// and presence updates, and tracks consecutive violations so abusive
// sessions get cut instead of throttled forever.
type SessionRateLimiter struct {
	limiter *RateLimiter
	limits  SessionRateLimits
	metrics *Metrics

	mu         sync.Mutex
	violations map[string]int
}

// NewSessionRateLimiter builds the session-facing limiter over a one
// minute sliding window.
func NewSessionRateLimiter(rdb redis.UniversalClient, limits SessionRateLimits, metrics *Metrics) *SessionRateLimiter {
	return &SessionRateLimiter{
		limiter:    NewRateLimiter(rdb, time.Minute),
		limits:     limits,
		metrics:    metrics,
		violations: make(map[string]int),
	}
}

// AllowOperation checks the operation submission ceiling. kick is true
// when the session crossed the abuse threshold and must be disconnected.
func (s *SessionRateLimiter) AllowOperation(ctx context.Context, sessionID string) (allowed, kick bool) {
	return s.check(ctx, sessionID, "ops", s.limits.OpsPerMinute)
}

// AllowPresence checks the presence update ceiling.
func (s *SessionRateLimiter) AllowPresence(ctx context.Context, sessionID string) (allowed, kick bool) {
	return s.check(ctx, sessionID, "presence", s.limits.PresencePerMinute)
}

func (s *SessionRateLimiter) check(ctx context.Context, sessionID, kind string, limit int) (bool, bool) {
	if limit <= 0 {
		return true, false
	}
	ok, err := s.limiter.Allow(ctx, kind+":"+sessionID, limit)
	if err != nil {
		// Fail open; the violation counter only moves on real denials.
		return true, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		delete(s.violations, sessionID)
		return true, false
	}
	s.metrics.RateLimited.Inc()
	s.violations[sessionID]++
	kick := s.limits.AbuseViolationLimit > 0 && s.violations[sessionID] >= s.limits.AbuseViolationLimit
	if kick {
		slogging.Get().Warn("Session %s exceeded abuse threshold (%d consecutive %s violations)",
			sessionID, s.violations[sessionID], kind)
	}
	return false, kick
}

// Forget clears violation state for a departed session.
func (s *SessionRateLimiter) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.violations, sessionID)
}

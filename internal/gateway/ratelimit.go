package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dca57/MesSnippets-sub002/pkg/cache"
	"go.uber.org/zap"
)

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	// Limit is the maximum number of requests allowed per window
	Limit int64
	// Remaining is the number of requests remaining in the current window
	Remaining int64
	// ResetAt is the Unix timestamp when the window resets
	ResetAt int64
	// RetryAfter is the number of seconds to wait before retrying (only set when limited)
	RetryAfter int64
}

// RateLimiter caps requests per caller in fixed one-minute windows kept in
// Redis, so the cap holds across gateway instances.
type RateLimiter struct {
	cache          *cache.Cache
	logger         *zap.Logger
	requestsPerMin int64
	now            func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cache *cache.Cache, requestsPerMin int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		cache:          cache,
		logger:         logger,
		requestsPerMin: int64(requestsPerMin),
		now:            time.Now,
	}
}

// Allow counts a request for userID and reports whether it fits the window.
func (rl *RateLimiter) Allow(ctx context.Context, userID string) (bool, *RateLimitInfo, error) {
	now := rl.now()
	windowEnd := now.Truncate(time.Minute).Add(time.Minute)
	minuteKey := fmt.Sprintf("ratelimit:user:%s:minute:%s", userID, now.UTC().Format("2006-01-02T15:04"))

	// 65s covers clock skew between instances at the window edge.
	count, err := rl.cache.IncrWithExpiry(ctx, minuteKey, 65*time.Second)
	if err != nil {
		return false, nil, err
	}

	info := &RateLimitInfo{
		Limit:     rl.requestsPerMin,
		Remaining: rl.requestsPerMin - count,
		ResetAt:   windowEnd.Unix(),
	}
	if info.Remaining < 0 {
		info.Remaining = 0
	}

	if count > rl.requestsPerMin {
		info.RetryAfter = int64(windowEnd.Sub(now).Seconds()) + 1
		rl.logger.Warn("rate limit exceeded",
			zap.String("user_id", userID),
			zap.Int64("count", count),
			zap.Int64("limit", rl.requestsPerMin),
		)
		return false, info, nil
	}

	return true, info, nil
}

func setRateLimitHeaders(w http.ResponseWriter, info *RateLimitInfo) {
	if info == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(info.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(info.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt, 10))
	if info.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(info.RetryAfter, 10))
	}
}

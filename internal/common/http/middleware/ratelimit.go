package middleware

import (
	"context"
	"fmt"
	"time"

	"judgebox/internal/common/cache"
	pkgerrors "judgebox/pkg/errors"
	"judgebox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const defaultRateTimeout = 200 * time.Millisecond

// RateLimiter enforces fixed-window counters stored in the cache.
type RateLimiter struct {
	cache   cache.BasicOps
	timeout time.Duration
}

// NewRateLimiter creates a limiter. A zero timeout uses 200ms per check.
func NewRateLimiter(cacheClient cache.BasicOps, timeout time.Duration) *RateLimiter {
	if timeout <= 0 {
		timeout = defaultRateTimeout
	}
	return &RateLimiter{cache: cacheClient, timeout: timeout}
}

// Allow counts one hit on key and fails with TooManyRequests past max.
func (l *RateLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) error {
	if l.cache == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("rate limit cache is unavailable")
	}
	if max <= 0 || window <= 0 {
		return nil
	}

	ctxCache, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	acquired, err := l.cache.SetNX(ctxCache, key, 1, window)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit check failed")
	}
	var count int64 = 1
	if !acquired {
		count, err = l.cache.Incr(ctxCache, key)
		if err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit check failed")
		}
		// A key that lost its ttl would never reset.
		ttl, ttlErr := l.cache.TTL(ctxCache, key)
		if ttlErr == nil && ttl <= 0 {
			_ = l.cache.Expire(ctxCache, key, window)
		}
	}
	if int(count) > max {
		return pkgerrors.New(pkgerrors.TooManyRequests).WithMessage(fmt.Sprintf("rate limit exceeded for %s", key))
	}
	return nil
}

// RateLimitPolicy bounds requests per client IP within a window.
type RateLimitPolicy struct {
	Window time.Duration `yaml:"window"`
	IPMax  int           `yaml:"ipMax"`
}

// RateLimitMiddleware enforces policy per client IP on one route group.
// A nil limiter lets every request through.
func RateLimitMiddleware(limiter *RateLimiter, routeKey string, policy RateLimitPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || policy.IPMax <= 0 {
			c.Next()
			return
		}
		key := fmt.Sprintf("judgebox:rate:ip:%s:%s", c.ClientIP(), routeKey)
		if err := limiter.Allow(c.Request.Context(), key, policy.IPMax, policy.Window); err != nil {
			response.AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

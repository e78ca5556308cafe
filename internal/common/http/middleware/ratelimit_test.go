package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"judgebox/internal/common/cache"
	commonmw "judgebox/internal/common/http/middleware"
	pkgerrors "judgebox/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func newLimitedRouter(t *testing.T, limiter *commonmw.RateLimiter, max int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(commonmw.RateLimitMiddleware(limiter, "run", commonmw.RateLimitPolicy{Window: time.Minute, IPMax: max}))
	router.POST("/limited", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func hit(router *gin.Engine, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/limited", nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	router := newLimitedRouter(t, commonmw.NewRateLimiter(c, time.Second), 2)

	for i := 0; i < 2; i++ {
		if rec := hit(router, "192.0.2.1"); rec.Code != http.StatusOK {
			t.Fatalf("unexpected status on attempt %d: %d", i+1, rec.Code)
		}
	}
	rec := hit(router, "192.0.2.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var resp struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Code != int(pkgerrors.TooManyRequests) {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}

	if rec := hit(router, "192.0.2.2"); rec.Code != http.StatusOK {
		t.Fatalf("other clients must not share the counter: %d", rec.Code)
	}

	mr.FastForward(2 * time.Minute)
	if rec := hit(router, "192.0.2.1"); rec.Code != http.StatusOK {
		t.Fatalf("window must reset: %d", rec.Code)
	}
}

func TestRateLimitMiddlewareNilLimiter(t *testing.T) {
	router := newLimitedRouter(t, nil, 1)
	for i := 0; i < 3; i++ {
		if rec := hit(router, "192.0.2.1"); rec.Code != http.StatusOK {
			t.Fatalf("nil limiter must let requests through: %d", rec.Code)
		}
	}
}

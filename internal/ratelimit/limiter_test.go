package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

var errCounterDown = errors.New("counter down")

type fakeCounter struct {
	mu      sync.Mutex
	counts  map[string]int64
	failing bool
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int64)}
}

func (c *fakeCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return 0, errCounterDown
	}
	c.counts[key]++
	return c.counts[key], nil
}

func newTestLimiter(counter Counter, max int64, window time.Duration) (*Limiter, *time.Time) {
	limiter := New(counter, max, window, zerolog.Nop())
	current := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
	limiter.now = func() time.Time { return current }
	return limiter, &current
}

func TestLimiterRejectsBeyondMax(t *testing.T) {
	limiter, _ := newTestLimiter(newFakeCounter(), 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result := limiter.Allow(ctx, "/api/jobs", "user-1")
		if !result.Allowed {
			t.Fatalf("request #%d should be allowed", i+1)
		}
		if result.Remaining != int64(2-i) {
			t.Fatalf("request #%d: unexpected remaining %d", i+1, result.Remaining)
		}
	}

	result := limiter.Allow(ctx, "/api/jobs", "user-1")
	if result.Allowed {
		t.Fatal("request beyond max should be rejected")
	}
	if result.Remaining != 0 {
		t.Fatalf("unexpected remaining: %d", result.Remaining)
	}

	// resetAt はウィンドウの実際の終了時刻より前であってはならない
	windowEnd := time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC)
	if result.ResetAt.Before(windowEnd) {
		t.Fatalf("resetAt %s is earlier than window end %s", result.ResetAt, windowEnd)
	}
}

func TestLimiterNewWindowResets(t *testing.T) {
	limiter, current := newTestLimiter(newFakeCounter(), 1, time.Minute)
	ctx := context.Background()

	if result := limiter.Allow(ctx, "/api/jobs", "user-1"); !result.Allowed {
		t.Fatal("first request should be allowed")
	}
	if result := limiter.Allow(ctx, "/api/jobs", "user-1"); result.Allowed {
		t.Fatal("second request in the same window should be rejected")
	}

	*current = current.Add(time.Minute)
	if result := limiter.Allow(ctx, "/api/jobs", "user-1"); !result.Allowed {
		t.Fatal("first request of a new window should be allowed")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(newFakeCounter(), 1, time.Minute)
	ctx := context.Background()

	if result := limiter.Allow(ctx, "/api/jobs", "user-1"); !result.Allowed {
		t.Fatal("user-1 first request should be allowed")
	}
	if result := limiter.Allow(ctx, "/api/jobs", "user-2"); !result.Allowed {
		t.Fatal("user-2 must have an independent window")
	}
	if result := limiter.Allow(ctx, "/api/jobs/:id", "user-1"); !result.Allowed {
		t.Fatal("a different endpoint must have an independent window")
	}
}

func TestLimiterFailsOpenOnStoreOutage(t *testing.T) {
	counter := newFakeCounter()
	counter.failing = true
	limiter, _ := newTestLimiter(counter, 1, time.Minute)

	for i := 0; i < 5; i++ {
		if result := limiter.Allow(context.Background(), "/api/jobs", "user-1"); !result.Allowed {
			t.Fatalf("request #%d should fail open", i+1)
		}
	}
}

func TestMiddlewareSetsHeadersAndRejects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(newFakeCounter(), 2, time.Minute)

	router := gin.New()
	router.GET("/api/jobs/:id", Middleware(limiter), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	var lastRemaining string
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/j1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request #%d: unexpected status %d", i+1, rec.Code)
		}
		lastRemaining = rec.Header().Get("X-RateLimit-Remaining")
	}
	if lastRemaining != "0" {
		t.Fatalf("unexpected remaining after limit reached: %s", lastRemaining)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/j1", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("unexpected limit header: %s", rec.Header().Get("X-RateLimit-Limit"))
	}
	if _, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64); err != nil {
		t.Fatalf("X-RateLimit-Reset should be unix seconds: %v", err)
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/carabina/PeerConnectivity/pkg/config"
)

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w1 := httptest.NewRecorder()
	req1, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	req2, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected status 200 on second request, got %d", w2.Code)
	}
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// First request should pass.
	w1 := httptest.NewRecorder()
	req1, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected status 200 for first request, got %d", w1.Code)
	}

	// Second immediate request from same "IP" should be limited.
	w2 := httptest.NewRecorder()
	req2, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 for second request, got %d", w2.Code)
	}
	if got := w2.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After 1, got %q", got)
	}
}

// Test that limiters of idle clients are dropped.
func TestRateLimiterStore_EvictsIdleClients(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store := newRateLimiterStore(rate.Limit(1), 1)
	store.now = func() time.Time { return now }

	store.getLimiter("10.0.0.1")
	now = now.Add(limiterIdleTTL / 2)
	store.getLimiter("10.0.0.2")
	if n := store.size(); n != 2 {
		t.Fatalf("expected 2 limiters, got %d", n)
	}

	// 10.0.0.1 has been idle a full TTL, 10.0.0.2 only half of one.
	now = now.Add(limiterIdleTTL / 2)
	store.getLimiter("10.0.0.3")
	if n := store.size(); n != 2 {
		t.Fatalf("expected idle limiter to be evicted, got %d limiters", n)
	}

	first := store.getLimiter("10.0.0.2")
	if first != store.getLimiter("10.0.0.2") {
		t.Fatalf("expected the same limiter for an active client")
	}
}

// Test that clients behind a proxy are limited separately.
func TestHTTPRateLimitMiddleware_ForwardedClientsLimitedSeparately(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := func(xff string) int {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("X-Forwarded-For", xff)
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := request("10.0.0.1, 192.168.1.1"); code != http.StatusOK {
		t.Fatalf("expected status 200 for first client, got %d", code)
	}
	if code := request("10.0.0.2, 192.168.1.1"); code != http.StatusOK {
		t.Fatalf("expected status 200 for second client, got %d", code)
	}
	if code := request("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 for repeated client, got %d", code)
	}
}

// Test that the concurrency cap rejects requests beyond it.
func TestHTTPRateLimitMiddleware_MaxConcurrent(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.MaxConcurrent = 1

	inside := make(chan struct{})
	release := make(chan struct{})
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/slow", func(c *gin.Context) {
		close(inside)
		<-release
		c.Status(http.StatusOK)
	})
	router.GET("/fast", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	done := make(chan int)
	go func() {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/slow", nil)
		router.ServeHTTP(w, req)
		done <- w.Code
	}()
	<-inside

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/fast", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 while at capacity, got %d", w.Code)
	}

	close(release)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("expected status 200 for slow request, got %d", code)
	}
}

package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/mbd888/fitpool/internal/signer"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	l := NewWithClock(cfg, clock)
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})

	key := "signer:0xabc"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// 1 second = 1 token at 60/min
	clock.Advance(time.Second)

	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
	if limiter.Allow(key) {
		t.Error("Only one token should have been replenished")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}

	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterBurstCap(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{
		RequestsPerMinute: 600,
		BurstSize:         2,
		CleanupInterval:   time.Hour,
	})

	limiter.Allow("k")
	clock.Advance(10 * time.Minute)

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("Expected refill capped at burst size 2, got %d", allowed)
	}
}

func TestLimiterEvictsIdleKeys(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})

	limiter.Allow("idle")
	if limiter.Tracked() != 1 {
		t.Fatalf("Expected 1 tracked key, got %d", limiter.Tracked())
	}

	clock.Advance(3 * time.Minute)
	limiter.evictIdle()
	if limiter.Tracked() != 0 {
		t.Errorf("Expected idle key evicted, got %d tracked", limiter.Tracked())
	}
}

func TestMiddleware_KeysByVerifiedSigner(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})

	router := gin.New()
	// Stands in for signer.Verifier: X-Verified marks an authenticated request.
	router.Use(func(c *gin.Context) {
		if c.GetHeader("X-Verified") == "1" {
			c.Set(signer.ContextKeySigner, signer.Identity(c.GetHeader(signer.HeaderAddress)))
		}
		c.Next()
	})
	router.Use(limiter.Middleware())
	router.POST("/v1/challenges/:id/join", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(addr string, verified bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/challenges/c1/join", nil)
		if addr != "" {
			req.Header.Set(signer.HeaderAddress, addr)
		}
		if verified {
			req.Header.Set("X-Verified", "1")
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	// A forged address header is keyed by IP and leaves the victim's bucket alone.
	if w := send("0xaaaa", false); w.Code != http.StatusOK {
		t.Fatalf("forged header: got %d", w.Code)
	}
	if w := send("0xAAAA", true); w.Code != http.StatusOK {
		t.Fatalf("verified signer after forgery: got %d", w.Code)
	}
	w := send("0xaaaa", true)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("same signer (any case) should share a bucket, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Error("Expected Retry-After header")
	}
	if w := send("0xbbbb", true); w.Code != http.StatusOK {
		t.Errorf("different signer should have its own bucket, got %d", w.Code)
	}
	if w := send("", false); w.Code != http.StatusTooManyRequests {
		t.Errorf("IP bucket was spent by the forged request, got %d", w.Code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 120 {
		t.Errorf("Expected 120 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 20 {
		t.Errorf("Expected burst size 20, got %d", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
}

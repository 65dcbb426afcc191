package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/herald/internal/gateway"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func limiter(rpm, burst int) (*gateway.RateLimiter, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := gateway.NewRateLimiter(rpm, burst)
	rl.SetClock(c.now)
	return rl, c
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(handler http.Handler, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitBurstThenRetryAfter(t *testing.T) {
	rl, _ := limiter(6, 3)
	handler := rl.Wrap(okHandler())

	for i := 0; i < 3; i++ {
		if rec := requestFrom(handler, "/api/commands", "10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: got %d", i, rec.Code)
		}
	}
	rec := requestFrom(handler, "/api/commands", "10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	// 6 rpm refills one token every 10s.
	if got := rec.Header().Get("Retry-After"); got != "10" {
		t.Fatalf("Retry-After = %q, want 10", got)
	}
}

func TestRateLimitRefill(t *testing.T) {
	rl, c := limiter(60, 1)

	if ok, _ := rl.Allow("a"); !ok {
		t.Fatal("first request denied")
	}
	ok, wait := rl.Allow("a")
	if ok || wait != time.Second {
		t.Fatalf("second request = %v, wait %v; want denied with 1s", ok, wait)
	}
	c.advance(500 * time.Millisecond)
	if ok, wait := rl.Allow("a"); ok || wait != 500*time.Millisecond {
		t.Fatalf("half refill = %v, wait %v", ok, wait)
	}
	c.advance(500 * time.Millisecond)
	if ok, _ := rl.Allow("a"); !ok {
		t.Fatal("expected a token after a full second")
	}
	c.advance(time.Hour)
	if ok, _ := rl.Allow("a"); !ok {
		t.Fatal("expected token after idle")
	}
	if ok, _ := rl.Allow("a"); ok {
		t.Fatal("idle refill must be capped at burst")
	}
}

func TestRateLimitPerHostAndHealthz(t *testing.T) {
	rl, _ := limiter(60, 1)
	handler := rl.Wrap(okHandler())

	requestFrom(handler, "/api/commands", "10.0.0.1:1")
	if rec := requestFrom(handler, "/api/commands", "10.0.0.1:2"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("host a: got %d", rec.Code)
	}
	if rec := requestFrom(handler, "/api/commands", "10.0.0.2:1"); rec.Code != http.StatusOK {
		t.Fatalf("host b: got %d", rec.Code)
	}
	for i := 0; i < 5; i++ {
		if rec := requestFrom(handler, "/healthz", "10.0.0.1:3"); rec.Code != http.StatusOK {
			t.Fatalf("healthz: got %d", rec.Code)
		}
	}
	if rl.BucketCount() != 2 {
		t.Fatalf("buckets = %d, want 2", rl.BucketCount())
	}
}

func TestRateLimitEvictStale(t *testing.T) {
	rl, c := limiter(60, 10)
	rl.Allow("a")
	rl.Allow("b")
	c.advance(2 * time.Minute)
	rl.Allow("c")

	rl.EvictStale(time.Minute)
	if rl.BucketCount() != 1 {
		t.Fatalf("buckets = %d, want only the recent one", rl.BucketCount())
	}
}

func TestRateLimitDisabled(t *testing.T) {
	rl := gateway.NewRateLimiter(0, 0)
	if rl != nil {
		t.Fatal("expected nil limiter when requests_per_minute is unset")
	}
	if rec := requestFrom(rl.Wrap(okHandler()), "/api/commands", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
}

package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const defaultBurst = 10

// bucket is a token bucket refilled lazily on each take.
type bucket struct {
	tokens float64
	filled time.Time
	seen   time.Time
}

// take consumes one token at now. When empty it reports how long until the
// next token is available.
func (b *bucket) take(now time.Time, perSecond, capacity float64) (bool, time.Duration) {
	b.tokens = math.Min(capacity, b.tokens+now.Sub(b.filled).Seconds()*perSecond)
	b.filled = now
	b.seen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := (1 - b.tokens) / perSecond
	return false, time.Duration(wait * float64(time.Second))
}

// RateLimiter throttles dashboard clients with one bucket per remote host.
// /healthz is never limited so external probes keep working.
type RateLimiter struct {
	perSecond float64
	capacity  float64
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter returns nil when requestsPerMinute is not positive. A nil
// limiter lets everything through.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &RateLimiter{
		perSecond: float64(requestsPerMinute) / 60,
		capacity:  float64(burst),
		now:       time.Now,
		logger:    slog.Default(),
		buckets:   make(map[string]*bucket),
	}
}

// SetClock replaces the time source.
func (rl *RateLimiter) SetClock(now func() time.Time) { rl.now = now }

func (rl *RateLimiter) setLogger(l *slog.Logger) {
	if rl != nil && l != nil {
		rl.logger = l
	}
}

// Allow charges one request to key.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.capacity, filled: now}
		rl.buckets[key] = b
	}
	return b.take(now, rl.perSecond, rl.capacity)
}

// StartEviction drops idle buckets every interval until ctx ends.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets not used within maxAge.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if b.seen.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("rate limiter evicted idle clients", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ok, wait := rl.Allow(host); !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

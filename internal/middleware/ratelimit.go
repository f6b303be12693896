package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter keyed by an arbitrary string.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
	done     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter allowing limit requests per window and
// starts the background eviction goroutine. Call Stop to end it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow reports whether a request for key fits in the current window and
// records it when it does.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := r.fresh(r.requests[key], now)

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

func (r *RateLimiter) fresh(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	var out []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// startEviction periodically drops keys without recent requests.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.evict()
			case <-r.done:
				return
			}
		}
	}()
}

func (r *RateLimiter) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for key, times := range r.requests {
		if fresh := r.fresh(times, now); len(fresh) == 0 {
			delete(r.requests, key)
		} else {
			r.requests[key] = fresh
		}
	}
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// Limit returns middleware that rejects requests over the limit with 429.
// keyFn derives the limiter key from the request.
func (r *RateLimiter) Limit(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !r.Allow(keyFn(req)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(r.window.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

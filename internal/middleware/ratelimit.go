package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimit represents a rate limiter configuration.
type RateLimit struct {
	RequestsPerMinute int
	BurstLimit        int
}

// RateLimiter implements a token bucket rate limiter per client IP.
type RateLimiter struct {
	config  RateLimit
	buckets map[string]*tokenBucket
	mutex   sync.Mutex
	now     func() time.Time

	cleanupTicker *time.Ticker
	done          chan struct{}
	stopOnce      sync.Once
}

type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(config RateLimit) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}
	if config.BurstLimit <= 0 {
		config.BurstLimit = 1
	}
	rl := &RateLimiter{
		config:        config,
		buckets:       make(map[string]*tokenBucket),
		now:           time.Now,
		cleanupTicker: time.NewTicker(5 * time.Minute),
		done:          make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Middleware returns a middleware rejecting requests over the limit with
// 429 Too Many Requests.
func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(clientIP(r)) {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Allow consumes a token for ip and reports whether one was available.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	bucket, exists := rl.buckets[ip]
	if !exists {
		bucket = &tokenBucket{
			tokens:     rl.config.BurstLimit,
			maxTokens:  rl.config.BurstLimit,
			refillRate: time.Minute / time.Duration(rl.config.RequestsPerMinute),
			lastRefill: now,
		}
		rl.buckets[ip] = bucket
	}
	return bucket.consume(now)
}

func (tb *tokenBucket) consume(now time.Time) bool {
	if tokensToAdd := int(now.Sub(tb.lastRefill) / tb.refillRate); tokensToAdd > 0 {
		tb.tokens = min(tb.maxTokens, tb.tokens+tokensToAdd)
		tb.lastRefill = tb.lastRefill.Add(time.Duration(tokensToAdd) * tb.refillRate)
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// cleanup removes idle buckets.
func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.done:
			return
		case <-rl.cleanupTicker.C:
			rl.mutex.Lock()
			cutoff := rl.now().Add(-10 * time.Minute)
			for ip, bucket := range rl.buckets {
				if bucket.lastRefill.Before(cutoff) {
					delete(rl.buckets, ip)
				}
			}
			rl.mutex.Unlock()
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.done)
	})
}

// clientIP uses the connection address; forwarding headers are ignored.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

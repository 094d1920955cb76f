package gateway

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/basket/go-diary/internal/config"
)

// Request classes limited independently. Writes hold the single SQLite
// writer and a sweep walks a whole source directory.
const (
	classRead  = "read"
	classWrite = "write"
	classSweep = "sweep"
)

const sweepRoute = "/api/v1/sweeps/:name/run"

func requestClass(c *gin.Context) string {
	if c.FullPath() == sweepRoute {
		return classSweep
	}
	switch c.Request.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return classRead
	}
	return classWrite
}

// TokenBucket implements a simple token bucket rate limiter.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time // tracks last request for eviction
	mu         sync.Mutex
}

// NewTokenBucket creates a token bucket with the given rate and burst capacity.
func NewTokenBucket(requestsPerMinute, burstSize int) *TokenBucket {
	rate := float64(requestsPerMinute) / 60.0
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: rate,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow consumes a token if one is available. When none is, it reports how
// long until the next one.
func (tb *TokenBucket) Allow() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens = math.Min(tb.maxTokens, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, 0
	}
	if tb.refillRate <= 0 {
		return false, time.Minute
	}
	return false, time.Duration((1.0 - tb.tokens) / tb.refillRate * float64(time.Second))
}

// LastAccess returns the time of the last Allow call.
func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

type classLimit struct {
	perMinute, burst int
}

// RateLimitMiddleware keeps one token bucket per client and request class.
type RateLimitMiddleware struct {
	enabled bool
	limits  map[string]classLimit
	buckets map[string]*TokenBucket
	mu      sync.RWMutex
}

// NewRateLimitMiddleware creates a rate limit middleware from config. Reads
// default to 60/min with a burst of 10, writes to the read rate, and sweep
// triggers to 2/min with no burst.
func NewRateLimitMiddleware(cfg config.RateLimitConfig) *RateLimitMiddleware {
	orDefault := func(v, def int) int {
		if v == 0 {
			return def
		}
		return v
	}
	rpm := orDefault(cfg.RequestsPerMinute, 60)
	burst := orDefault(cfg.BurstSize, 10)
	return &RateLimitMiddleware{
		enabled: cfg.Enabled,
		limits: map[string]classLimit{
			classRead:  {rpm, burst},
			classWrite: {orDefault(cfg.WritesPerMinute, rpm), burst},
			classSweep: {orDefault(cfg.SweepsPerMinute, 2), 1},
		},
		buckets: make(map[string]*TokenBucket),
	}
}

// StartEviction periodically removes buckets with no requests in the last
// maxAge until ctx is done.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
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

// EvictStale removes buckets that haven't been accessed within maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, bucket := range rl.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

// BucketCount returns the number of tracked buckets.
func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

// Handle rate limits requests by API token, falling back to the client IP.
func (rl *RateLimitMiddleware) Handle(c *gin.Context) {
	if !rl.enabled {
		c.Next()
		return
	}
	key := ExtractAPIKey(c.Request)
	if key == "" {
		key = c.ClientIP()
	}
	class := requestClass(c)
	ok, wait := rl.getBucket(class, key).Allow()
	if !ok {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.Header("X-RateLimit-Class", class)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": errorBody{Code: "rate_limited", Message: class + " rate limit exceeded"}})
		return
	}
	c.Next()
}

func (rl *RateLimitMiddleware) getBucket(class, key string) *TokenBucket {
	id := class + "|" + key
	rl.mu.RLock()
	bucket, exists := rl.buckets[id]
	rl.mu.RUnlock()
	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, exists = rl.buckets[id]; exists {
		return bucket
	}

	lim := rl.limits[class]
	bucket = NewTokenBucket(lim.perMinute, lim.burst)
	rl.buckets[id] = bucket
	return bucket
}

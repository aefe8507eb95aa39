package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"squadx/pkg/cache"
	"squadx/pkg/config"
	"squadx/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Limiters hands out one token bucket per key. Buckets that go unused for the
// idle window are evicted, so short lived participants do not accumulate.
type Limiters struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *cache.Cache[string, *rate.Limiter]
}

func NewLimiters(perSecond float64, burst int, idle time.Duration) *Limiters {
	if burst <= 0 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Limiters{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: cache.New[string, *rate.Limiter](idle),
	}
}

// Allow takes one token from key's bucket.
func (l *Limiters) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// RetryAfter is how long key has to wait for its next token.
func (l *Limiters) RetryAfter(key string) time.Duration {
	r := l.bucket(key).Reserve()
	defer r.Cancel()
	return r.Delay()
}

func (l *Limiters) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
	}
	// every use pushes the eviction deadline out
	l.buckets.Set(key, b)
	return b
}

// Len is the number of tracked keys.
func (l *Limiters) Len() int { return l.buckets.Len() }

func (l *Limiters) Stop() { l.buckets.Stop() }

// NewHTTPRateLimitMiddleware limits requests per client address and, when
// configured, the number of requests in flight.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	limits := NewLimiters(cfg.RateLimiting.HTTP.RequestsPerSecond, cfg.RateLimiting.HTTP.Burst, 0)
	var inflight chan struct{}
	if n := cfg.RateLimiting.HTTP.MaxConcurrent; n > 0 {
		inflight = make(chan struct{}, n)
	}

	return func(c *gin.Context) {
		if inflight != nil {
			select {
			case inflight <- struct{}{}:
				defer func() { <-inflight }()
			default:
				appErr := errors.NewServiceUnavailableError("too many concurrent requests")
				c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{"error": string(appErr.Code), "message": appErr.Message})
				return
			}
		}

		key := c.ClientIP()
		if !limits.Allow(key) {
			wait := limits.RetryAfter(key)
			seconds := int(wait.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			appErr := errors.NewRateLimitError()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": string(appErr.Code), "message": appErr.Message})
			return
		}
		c.Next()
	}
}

package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/eventide/eventide/backend/go-services/pkg/metrics"
)

const defaultLimiterKeys = 10000

// limiterStore holds per-key token buckets. It is bounded so that a stream of
// distinct client IPs cannot grow memory without limit; evicted keys simply
// start with a full bucket.
type limiterStore struct {
	cache *lru.Cache[string, *rate.Limiter]
	rps   float64
	burst int
}

func newLimiterStore(rps float64, burst, maxKeys int) *limiterStore {
	if maxKeys <= 0 {
		maxKeys = defaultLimiterKeys
	}
	cache, err := lru.New[string, *rate.Limiter](maxKeys)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &limiterStore{cache: cache, rps: rps, burst: burst}
}

// get returns (and lazily creates) the limiter for key
func (s *limiterStore) get(key string) *rate.Limiter {
	if lim, ok := s.cache.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(s.rps), s.burst)
	if prev, ok, _ := s.cache.PeekOrAdd(key, lim); ok {
		return prev
	}
	return lim
}

// rateLimitKey prefers the authenticated subject (NAT-friendly per-user
// limiting) and falls back to the client IP.
func rateLimitKey(c *gin.Context) string {
	if claims, ok := ClaimsFrom(c); ok && claims.SubjectID() != "" {
		return "sub:" + claims.SubjectID()
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

// RateLimitMiddleware returns a Gin middleware enforcing a token-bucket per-key limit.
// rps = allowed events per second, burst = maximum tokens in bucket, maxKeys
// bounds the number of tracked keys (0 means a default).
func RateLimitMiddleware(rps float64, burst, maxKeys int) gin.HandlerFunc {
	store := newLimiterStore(rps, burst, maxKeys)
	return func(c *gin.Context) {
		lim := store.get(rateLimitKey(c))
		if !lim.Allow() {
			c.Header("Retry-After", "1")
			metrics.RateLimitRejected.WithLabelValues("memory").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "message": "Rate limit exceeded"})
			return
		}
		metrics.RateLimitAllowed.WithLabelValues("memory").Inc()
		c.Next()
	}
}

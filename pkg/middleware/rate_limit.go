package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/pagemill/pagemill/pkg/metrics"
)

// per-key limiter store (simple in-memory token-bucket)
var limiterStore sync.Map // map[string]*rate.Limiter

// getLimiter returns (and lazily creates) a token-bucket limiter for the given key
func getLimiter(key string, rps float64, burst int) *rate.Limiter {
	v, ok := limiterStore.Load(key)
	if ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	limiterStore.Store(key, lim)
	return lim
}

// RateLimit returns a Gin middleware enforcing a token-bucket per-client-IP
// limit. Render submissions are browser launches in disguise, so the limiter
// sits in front of every API route.
// rps = allowed events per second, burst = maximum tokens in bucket.
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		lim := getLimiter("ip:"+ip, rps, burst)
		if !lim.Allow() {
			c.Header("Retry-After", "1")
			metrics.RateLimitRejected.WithLabelValues("memory").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		metrics.RateLimitAllowed.WithLabelValues("memory").Inc()
		c.Next()
	}
}

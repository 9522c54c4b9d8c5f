package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/pagemill/pagemill/pkg/metrics"
)

// RedisRateLimit provides a coarse fixed-window Redis-backed limiter keyed by
// client IP. Algorithm: INCR a per-window key and compare against
// allowed = floor(rps*windowSeconds)+burst. Deterministic and cheap, which
// is what a render queue fronting a shared browser needs.
func RedisRateLimit(client *redis.Client, rps float64, burst int, window time.Duration) gin.HandlerFunc {
	if client == nil {
		// fallback to in-memory if no client
		return RateLimit(rps, burst)
	}
	windowSeconds := int(window.Seconds())
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	allowedPerWindow := int(rps*float64(windowSeconds)) + burst
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		bucket := time.Now().Unix() / int64(windowSeconds)
		redisKey := fmt.Sprintf("rl:ip:%s:%d", ip, bucket)

		cnt, err := client.Incr(c.Request.Context(), redisKey).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "rate limit check failed"})
			return
		}
		if cnt == 1 {
			// set expiration for the bucket
			_ = client.Expire(c.Request.Context(), redisKey, time.Duration(windowSeconds+1)*time.Second).Err()
		}
		if int(cnt) > allowedPerWindow {
			c.Header("Retry-After", fmt.Sprintf("%d", windowSeconds))
			metrics.RateLimitRejected.WithLabelValues("redis").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		metrics.RateLimitAllowed.WithLabelValues("redis").Inc()
		c.Next()
	}
}

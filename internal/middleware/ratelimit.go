package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RateLimit 返回一个基于客户端 IP 的固定窗口限流中间件。
// keyPrefix 与状态存储共用，便于多个环境共享一个 Redis。
func RateLimit(redisClient *redis.Client, keyPrefix string, maxRequests int, window time.Duration) gin.HandlerFunc {
	if redisClient == nil {
		panic("Redis client cannot be nil for RateLimit middleware")
	}
	if maxRequests <= 0 {
		panic("maxRequests must be positive for RateLimit middleware")
	}
	if window <= 0 {
		panic("window duration must be positive for RateLimit middleware")
	}

	return func(c *gin.Context) {
		key := keyPrefix + "ratelimit:ip:" + c.ClientIP()
		ctx := c.Request.Context()

		var (
			incrCmd *redis.IntCmd
			ttlCmd  *redis.DurationCmd
		)
		_, err := redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incrCmd = pipe.Incr(ctx, key)
			ttlCmd = pipe.TTL(ctx, key)
			return nil
		})
		if err != nil {
			logrus.WithError(err).Error("RateLimit: Redis pipeline failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Rate limiting error"})
			c.Abort()
			return
		}

		count := incrCmd.Val()
		// 只在窗口开始时设置过期时间，持续请求不会让窗口延长
		if count == 1 || ttlCmd.Val() < 0 {
			if err := redisClient.Expire(ctx, key, window).Err(); err != nil {
				logrus.WithError(err).Warn("RateLimit: Failed to set window expiry")
			}
		}
		remaining := int64(maxRequests) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(maxRequests) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			c.Abort()
			return
		}
		c.Next()
	}
}

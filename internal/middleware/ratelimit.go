package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"txopito/backend/internal/monitoring"
	"txopito/backend/internal/storage"
)

// RateLimiter 按客户端 IP 的固定窗口限流，计数存放在 Redis。
type RateLimiter struct {
	repo      storage.RateLimitRepository
	metrics   *monitoring.Metrics
	log       *zap.Logger
	perWindow int64
	window    time.Duration
}

// NewRateLimiter 创建限流中间件
func NewRateLimiter(repo storage.RateLimitRepository, metrics *monitoring.Metrics, log *zap.Logger, perWindow int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		repo:      repo,
		metrics:   metrics,
		log:       log.Named("ratelimit"),
		perWindow: int64(perWindow),
		window:    window,
	}
}

// Limit 限流处理
// Redis 故障时放行：限流是保护措施，不能成为单点。
func (rl *RateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("ratelimit:chat:%s", c.ClientIP())

		count, err := rl.repo.IncrementRateLimit(key, rl.window)
		if err != nil {
			rl.log.Warn("rate limit backend unavailable", zap.Error(err))
			c.Next()
			return
		}

		if count > rl.perWindow {
			if rl.metrics != nil {
				rl.metrics.RateLimitBlocks.Inc()
			}
			c.Header("Retry-After", fmt.Sprintf("%d", int(rl.window.Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "请求过于频繁，请稍后再试",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

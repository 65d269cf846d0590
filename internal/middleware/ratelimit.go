package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"timecapsule/backend/internal/cache"
)

// limiterIdleTTL 限流器闲置多久后被回收
const limiterIdleTTL = 10 * time.Minute

// RateLimiter 按客户端 IP 的令牌桶限流
type RateLimiter struct {
	limiters *cache.LocalCache
	limit    rate.Limit
	burst    int
	log      *zap.Logger
}

// NewRateLimiter 创建限流器，requestsPerMinute <= 0 时不限流
func NewRateLimiter(requestsPerMinute, burst int, limiters *cache.LocalCache, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Limit(float64(requestsPerMinute) / 60)
	}
	return &RateLimiter{
		limiters: limiters,
		limit:    limit,
		burst:    burst,
		log:      log,
	}
}

// Allow 判断 key 是否还有配额，没有时返回需要等待的时长
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	if rl.limit == rate.Inf {
		return true, 0
	}
	limiter := rl.limiters.GetOrSet(key, limiterIdleTTL, func() interface{} {
		return rate.NewLimiter(rl.limit, rl.burst)
	}).(*rate.Limiter)
	rl.limiters.Touch(key, limiterIdleTTL)

	reservation := limiter.Reserve()
	if !reservation.OK() {
		return false, time.Minute
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return false, delay
	}
	return true, 0
}

// Middleware 限流中间件，服务凭证调用不受限制
func (rl *RateLimiter) Middleware(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsService(c) {
			c.Next()
			return
		}

		key := scope + ":" + c.ClientIP()
		if userID := UserID(c); userID != "" {
			key = scope + ":user:" + userID
		}

		ok, wait := rl.Allow(key)
		if !ok {
			retry := int(math.Ceil(wait.Seconds()))
			rl.log.Warn("rate limit exceeded",
				zap.String("scope", scope),
				zap.String("ip", c.ClientIP()),
				zap.Duration("retry_after", wait),
			)
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "请求过于频繁，请稍后再试",
			})
			return
		}
		c.Next()
	}
}

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/code-100-precent/LingTalk/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiterConfig 限流配置；每轮语音对话都会调用三个付费上游，按 IP 和接口分别限流
type RateLimiterConfig struct {
	GlobalRPS   float64 // 全局每秒请求数，0 表示不限
	GlobalBurst int

	IPRPS   float64 // 单个 IP 每秒请求数，0 表示不限
	IPBurst int

	// 按完整路径配置的接口级限流，键为 c.FullPath()
	EndpointLimits map[string]EndpointLimit
}

// EndpointLimit 接口级别限流配置
type EndpointLimit struct {
	RPS   float64
	Burst int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GlobalRPS:   200,
		GlobalBurst: 400,
		IPRPS:       20,
		IPBurst:     40,
	}
}

// RateLimiter 令牌桶限流器
type RateLimiter struct {
	config          RateLimiterConfig
	globalBucket    *rate.Limiter
	ipBuckets       *xsync.MapOf[string, *rate.Limiter]
	endpointBuckets *xsync.MapOf[string, *rate.Limiter]
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		ipBuckets:       xsync.NewMapOf[string, *rate.Limiter](),
		endpointBuckets: xsync.NewMapOf[string, *rate.Limiter](),
	}
	if config.GlobalRPS > 0 {
		rl.globalBucket = rate.NewLimiter(rate.Limit(config.GlobalRPS), max(config.GlobalBurst, 1))
	}
	return rl
}

func (rl *RateLimiter) ipBucket(ip string) *rate.Limiter {
	b, _ := rl.ipBuckets.LoadOrCompute(ip, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(rl.config.IPRPS), max(rl.config.IPBurst, 1))
	})
	return b
}

func (rl *RateLimiter) endpointBucket(endpoint, ip string) *rate.Limiter {
	limit, ok := rl.config.EndpointLimits[endpoint]
	if !ok || limit.RPS <= 0 {
		return nil
	}
	b, _ := rl.endpointBuckets.LoadOrCompute(endpoint+"|"+ip, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(limit.RPS), max(limit.Burst, 1))
	})
	return b
}

// Allow 依次检查全局、IP、接口三级令牌桶，返回拒绝原因
func (rl *RateLimiter) Allow(ip, endpoint string) (bool, string) {
	if rl.globalBucket != nil && !rl.globalBucket.Allow() {
		return false, "global_rate_limit_exceeded"
	}
	if rl.config.IPRPS > 0 && !rl.ipBucket(ip).Allow() {
		return false, "ip_rate_limit_exceeded"
	}
	if b := rl.endpointBucket(endpoint, ip); b != nil && !b.Allow() {
		return false, "endpoint_rate_limit_exceeded"
	}
	return true, ""
}

// GetStats 获取限流统计信息
func (rl *RateLimiter) GetStats() map[string]any {
	stats := map[string]any{
		"ip_buckets":       rl.ipBuckets.Size(),
		"endpoint_buckets": rl.endpointBuckets.Size(),
	}
	if rl.globalBucket != nil {
		stats["global_tokens"] = rl.globalBucket.Tokens()
	}
	return stats
}

// Reset 清空按 IP 建立的桶，长时间运行时由调用方定期触发
func (rl *RateLimiter) Reset() {
	rl.ipBuckets.Clear()
	rl.endpointBuckets.Clear()
}

// RateLimitMiddleware 限流中间件
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		allowed, reason := limiter.Allow(ip, endpoint)
		if !allowed {
			logger.Warn("Rate limit exceeded",
				zap.String("ip", ip),
				zap.String("endpoint", endpoint),
				zap.String("reason", reason))

			c.Header("X-RateLimit-Limit", strconv.FormatFloat(limiter.config.IPRPS, 'f', -1, 64))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  http.StatusTooManyRequests,
				"msg":   getRateLimitMessage(reason),
				"error": reason,
				"data":  nil,
			})
			return
		}
		c.Next()
	}
}

func getRateLimitMessage(reason string) string {
	messages := map[string]string{
		"global_rate_limit_exceeded":   "系统繁忙，请稍后再试",
		"ip_rate_limit_exceeded":       "您的IP请求过于频繁，请稍后再试",
		"endpoint_rate_limit_exceeded": "该接口请求过于频繁，请稍后再试",
	}
	if msg, exists := messages[reason]; exists {
		return msg
	}
	return "请求过于频繁，请稍后再试"
}

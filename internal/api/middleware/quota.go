package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/qs3c/ui_diff_server/internal/pkg/response"
)

// QuotaCheck 按调用方限制创建类请求的速率
// 调用方取认证后的 client，未认证时退回客户端 IP
func QuotaCheck(perSecond float64, burst int) gin.HandlerFunc {
	if perSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}

	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	return func(c *gin.Context) {
		key := GetClient(c)
		if key == "" {
			key = c.ClientIP()
		}

		mu.Lock()
		limiter, ok := limiters[key]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
			limiters[key] = limiter
		}
		mu.Unlock()

		if !limiter.Allow() {
			response.ConflictError(c, "请求过于频繁，请稍后再试")
			c.Abort()
			return
		}

		c.Next()
	}
}

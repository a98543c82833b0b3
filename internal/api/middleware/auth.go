package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/ui_diff_server/internal/pkg/jwt"
	"github.com/qs3c/ui_diff_server/internal/pkg/response"
)

const (
	ClientKey = "client"
)

// Auth 服务令牌认证中间件，secret 为空时不校验
func Auth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtSecret == "" {
			c.Next()
			return
		}

		tokenString, ok := bearerToken(c)
		if !ok {
			response.AuthError(c, "请提供认证信息")
			c.Abort()
			return
		}

		claims, err := jwt.ParseToken(tokenString, jwtSecret)
		if err != nil {
			response.AuthError(c, "认证失败或已过期")
			c.Abort()
			return
		}

		c.Set(ClientKey, claims.Client)
		c.Next()
	}
}

// bearerToken 优先取 Authorization 头，WebSocket 场景回退到 ?token=
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		token := c.Query("token")
		return token, token != ""
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return "", false
	}
	return tokenString, true
}

// GetClient 从上下文获取调用方名称
func GetClient(c *gin.Context) string {
	return c.GetString(ClientKey)
}

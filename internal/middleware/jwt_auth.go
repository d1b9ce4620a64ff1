package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"txopito/backend/internal/auth/jwt"
	"txopito/backend/internal/domain"
	"txopito/backend/internal/storage"
)

// 上下文键，由认证中间件写入、处理器读取。
const (
	ContextKeyUsername = "username"
	ContextKeyRole     = "viewerRole"
)

// JWTAuth JWT认证中间件
type JWTAuth struct {
	jwtManager *jwt.Manager
	blacklist  storage.JWTRepository // 可选：Redis 黑名单，登出后令牌立即失效
	log        *zap.Logger
}

// NewJWTAuth 创建JWT认证中间件。blacklist 可为 nil（未启用 Redis 时）。
func NewJWTAuth(jwtManager *jwt.Manager, blacklist storage.JWTRepository, log *zap.Logger) *JWTAuth {
	return &JWTAuth{
		jwtManager: jwtManager,
		blacklist:  blacklist,
		log:        log.Named("jwt"),
	}
}

// RequireAuth 要求有效的JWT认证
func (ja *JWTAuth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ja.validate(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "认证失败，请重新登录",
			})
			c.Abort()
			return
		}

		c.Set(ContextKeyUsername, claims.Username)
		c.Set(ContextKeyRole, domain.ViewerRole(claims.Role))
		c.Next()
	}
}

// OptionalAuth 可选认证：无令牌或令牌无效时按普通用户处理。
// 聊天接口使用：普通用户也能生成，但只有特权会话可见错误详情。
func (ja *JWTAuth) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKeyRole, domain.RoleViewerUser)

		if claims, ok := ja.validate(c); ok {
			c.Set(ContextKeyUsername, claims.Username)
			c.Set(ContextKeyRole, domain.ViewerRole(claims.Role))
		}
		c.Next()
	}
}

// validate 提取并校验令牌，含黑名单检查。
func (ja *JWTAuth) validate(c *gin.Context) (*jwt.Claims, bool) {
	token := ja.extractToken(c)
	if token == "" {
		return nil, false
	}

	claims, err := ja.jwtManager.ValidateToken(token)
	if err != nil {
		ja.log.Warn("invalid token",
			zap.String("error", err.Error()),
			zap.String("ip", c.ClientIP()),
		)
		return nil, false
	}

	if ja.blacklist != nil && claims.ID != "" {
		blocked, err := ja.blacklist.IsBlacklisted(claims.ID)
		if err != nil {
			ja.log.Warn("jwt blacklist lookup failed", zap.Error(err))
		} else if blocked {
			return nil, false
		}
	}
	return claims, true
}

// extractToken 从请求中提取JWT token
func (ja *JWTAuth) extractToken(c *gin.Context) string {
	// 1. 从 Authorization header 提取
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}

	// 2. 从 cookie 提取
	token, err := c.Cookie("access_token")
	if err == nil && token != "" {
		return token
	}

	return ""
}

// ViewerRoleFromContext 读取会话角色，缺省按普通用户处理。
func ViewerRoleFromContext(c *gin.Context) domain.ViewerRole {
	if v, exists := c.Get(ContextKeyRole); exists {
		if role, ok := v.(domain.ViewerRole); ok {
			return role
		}
	}
	return domain.RoleViewerUser
}

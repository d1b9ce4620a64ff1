package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"txopito/backend/internal/auth"
	jwtpkg "txopito/backend/internal/auth/jwt"
	"txopito/backend/internal/storage"
)

// AuthHandler 管理员登录、登出与令牌刷新。
type AuthHandler struct {
	authService *auth.Service
	jwtManager  *jwtpkg.Manager
	blacklist   storage.JWTRepository // 可选
	log         *zap.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(authService *auth.Service, jwtManager *jwtpkg.Manager, blacklist storage.JWTRepository, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		jwtManager:  jwtManager,
		blacklist:   blacklist,
		log:         log.Named("auth"),
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 管理员登录
// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	role, err := h.authService.Authenticate(req.Username, req.Password)
	if err != nil {
		h.log.Warn("login failed",
			zap.String("username", req.Username),
			zap.String("ip", c.ClientIP()),
		)
		Unauthorized(c, GetErrorMessage(err))
		return
	}

	pair, err := h.jwtManager.GenerateTokenPair(req.Username, string(role))
	if err != nil {
		h.log.Error("generate token pair failed", zap.Error(err))
		InternalError(c, "登录失败，请稍后重试")
		return
	}

	SuccessWithMsg(c, "登录成功", gin.H{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresIn":    pair.ExpiresIn,
		"role":         role,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// Refresh 用刷新令牌换取新的访问令牌
// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	accessToken, err := h.jwtManager.RefreshAccessToken(req.RefreshToken)
	if err != nil {
		Unauthorized(c, "刷新令牌无效或已过期")
		return
	}

	Success(c, gin.H{"accessToken": accessToken})
}

// Logout 登出：把当前访问令牌加入黑名单（启用 Redis 时）。
// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	if h.blacklist == nil {
		SuccessWithMsg(c, "已登出", nil)
		return
	}

	token := extractBearer(c)
	if token == "" {
		SuccessWithMsg(c, "已登出", nil)
		return
	}
	claims, err := h.jwtManager.ValidateToken(token)
	if err != nil || claims.ID == "" || claims.ExpiresAt == nil {
		SuccessWithMsg(c, "已登出", nil)
		return
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl > 0 {
		if err := h.blacklist.AddToBlacklist(claims.ID, ttl); err != nil {
			h.log.Warn("blacklist token failed", zap.Error(err))
		}
	}
	SuccessWithMsg(c, "已登出", nil)
}

// extractBearer 从 Authorization header 提取令牌
func extractBearer(c *gin.Context) string {
	const prefix = "Bearer "
	header := c.GetHeader("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

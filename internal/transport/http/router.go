package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"txopito/backend/internal/auth"
	jwtpkg "txopito/backend/internal/auth/jwt"
	"txopito/backend/internal/config"
	"txopito/backend/internal/health"
	"txopito/backend/internal/middleware"
	"txopito/backend/internal/monitoring"
	"txopito/backend/internal/service"
	"txopito/backend/internal/storage"
	"txopito/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config            *config.Config
	KeyStoreService   *service.KeyStoreService
	RotationService   *service.RotationService
	EventService      *service.RotationEventService
	ErrorLogService   *service.ErrorLogService
	GenerationService *service.GenerationService
	AuthService       *auth.Service
	JWTManager        *jwtpkg.Manager
	KeyProber         *health.KeyProber
	HealthChecker     *health.HealthChecker
	Metrics           *monitoring.Metrics
	WebSocketHub      *websocket.Hub
	RateLimits        storage.RateLimitRepository // 可选（Redis 启用时）
	JWTBlacklist      storage.JWTRepository       // 可选（Redis 启用时）
	Logger            *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.Recovery(deps.Logger, deps.Metrics))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Monitoring(deps.Metrics))

	// 聊天请求体不大，1MB 足够
	router.Use(middleware.RequestSizeLimit(1 * 1024 * 1024))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, deps.JWTBlacklist, deps.Logger)

	authHandler := NewAuthHandler(deps.AuthService, deps.JWTManager, deps.JWTBlacklist, deps.Logger)
	chatHandler := NewChatHandler(deps.GenerationService, deps.Metrics, deps.Logger)
	keyHandler := NewKeyHandler(deps.KeyStoreService, deps.RotationService, deps.Logger)
	adminHandler := NewAdminHandler(deps.EventService, deps.ErrorLogService, deps.KeyProber, deps.Logger)

	// 运维端点
	router.GET("/live", gin.WrapH(deps.HealthChecker.Handler()))
	router.GET("/ready", gin.WrapH(deps.HealthChecker.Handler()))
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	api := router.Group("/api")

	// 认证
	authGroup := api.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.Refresh)
		authGroup.POST("/logout", authHandler.Logout)
	}

	// 聊天：匿名可用，登录后按角色展示错误详情
	chat := api.Group("/chat")
	chat.Use(jwtAuth.OptionalAuth())
	if deps.RateLimits != nil && deps.Config.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(deps.RateLimits, deps.Metrics, deps.Logger,
			deps.Config.RateLimit.PerWindow, deps.Config.RateLimit.Window)
		chat.Use(limiter.Limit())
	}
	chat.POST("", chatHandler.Generate)

	// 管理端：凭证池、事件、错误日志、诊断
	admin := api.Group("/admin")
	admin.Use(jwtAuth.RequireAuth(), middleware.RequireAdmin())
	{
		admin.GET("/keys", keyHandler.List)
		admin.POST("/keys", keyHandler.Add)
		admin.POST("/keys/batch", keyHandler.AddBatch)
		admin.DELETE("/keys/:id", keyHandler.Remove)
		admin.PUT("/keys/:id/reactivate", keyHandler.Reactivate)
		admin.POST("/keys/rotate", keyHandler.Rotate)
		admin.POST("/keys/cleanup", keyHandler.Cleanup)
		admin.GET("/keys/stats", keyHandler.Stats)

		admin.GET("/events", adminHandler.Events)
		admin.GET("/errors", adminHandler.Errors)
		admin.DELETE("/errors", adminHandler.ClearErrors)
		admin.GET("/errors/stats", adminHandler.ErrorStats)
		admin.GET("/status", adminHandler.Status)
		admin.POST("/diagnostics", adminHandler.Diagnostics)
	}

	// 管理端事件推送（令牌经 query 校验）
	api.GET("/admin/events/ws", websocket.HandleWebSocket(deps.WebSocketHub))

	return router
}

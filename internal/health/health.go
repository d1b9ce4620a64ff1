package health

import (
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"txopito/backend/internal/storage"
)

// HealthChecker 进程级健康检查器，暴露 /live 与 /ready 端点。
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.Store, rateLimits storage.RateLimitRepository, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		logger: logger,
	}

	// 存储后端连接检查
	hc.health.AddLivenessCheck("storage", func() error {
		return hc.store.Health()
	})

	// Redis 连接检查（启用时）
	if rateLimits != nil {
		hc.health.AddReadinessCheck("redis", func() error {
			_, err := rateLimits.GetRateLimit("health_check")
			return err
		})
	}

	// 凭证池就绪检查：至少一条可用凭证才算就绪
	hc.health.AddReadinessCheck("keypool", func() error {
		usable, err := hc.store.CountUsableKeys()
		if err != nil {
			return err
		}
		if usable == 0 {
			return errNoUsableKeys
		}
		return nil
	})

	return hc
}

// Handler 返回健康检查处理器
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

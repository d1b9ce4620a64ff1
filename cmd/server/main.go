package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"txopito/backend/internal/auth"
	jwtpkg "txopito/backend/internal/auth/jwt"
	"txopito/backend/internal/config"
	"txopito/backend/internal/health"
	"txopito/backend/internal/llm"
	"txopito/backend/internal/logger"
	"txopito/backend/internal/monitoring"
	"txopito/backend/internal/service"
	"txopito/backend/internal/storage"
	"txopito/backend/internal/storage/memory"
	redisstore "txopito/backend/internal/storage/redis"
	sqlstore "txopito/backend/internal/storage/sql"
	httptransport "txopito/backend/internal/transport/http"
	"txopito/backend/internal/websocket"
)

// main 启动凭证轮换网关服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting txopito gateway",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("upstream_model", cfg.Upstream.Model),
	)

	// 初始化存储层
	var store storage.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		sqlStore, err := sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		if err := sqlStore.Migrate(); err != nil {
			panic(fmt.Sprintf("failed to migrate database: %v", err))
		}
		store = sqlStore
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer store.Close()

	// 初始化 Redis（可选：限流、JWT 黑名单、统计缓存）
	var cache *redisstore.Cache
	if cfg.Redis.Enabled {
		client, err := redisstore.New(&cfg.Redis, log)
		if err != nil {
			panic(fmt.Sprintf("failed to connect redis: %v", err))
		}
		defer client.Close()
		cache = redisstore.NewCache(client)
		log.Info("redis cache initialized", zap.String("address", cfg.Redis.Address))
	}

	// 初始化监控
	metrics := monitoring.NewMetrics()

	// 初始化服务层
	events := service.NewRotationEventService(store, log)
	keyStore := service.NewKeyStoreService(store, events, log)
	rotator := service.NewRotationService(store, events, log)
	keyStore.SetRotationService(rotator)

	errorLog := service.NewErrorLogService(store, log,
		cfg.Rotation.ErrorLogMaxCount,
		cfg.Rotation.WarningThreshold,
		cfg.Rotation.CriticalThreshold,
	)

	llmClient := llm.NewGeminiClient(llm.GeminiConfig{
		BaseURL: cfg.Upstream.BaseURL,
		Model:   cfg.Upstream.Model,
		Timeout: cfg.Upstream.Timeout,
	}, log)
	generation := service.NewGenerationService(llmClient, keyStore, rotator, errorLog, log)
	prober := health.NewKeyProber(llmClient, store, keyStore, log)

	// 启动时注入配置中的种子密钥（幂等）
	if len(cfg.Upstream.Keys) > 0 {
		added, err := keyStore.AddBatch(cfg.Upstream.Keys)
		if err != nil {
			log.Error("seed keys failed", zap.Error(err))
		} else if added > 0 {
			log.Info("seeded upstream keys", zap.Int("added", added))
		}
	}

	// 认证
	authService, err := auth.NewService(&cfg.Admin, log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize auth service: %v", err))
	}
	jwtManager := jwtpkg.NewManager(
		cfg.JWT.Secret,
		cfg.JWT.Issuer,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)

	// WebSocket 事件推送
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, jwtManager, log)

	// 事件监听：指标与管理端推送都挂在事件服务上
	events.Subscribe(metrics.ObserveRotationEvent)
	events.Subscribe(wsHub.NotifyRotationEvent)

	// 健康检查
	var rateLimits storage.RateLimitRepository
	var jwtBlacklist storage.JWTRepository
	if cache != nil {
		rateLimits = cache
		jwtBlacklist = cache
	}
	healthChecker := health.NewHealthChecker(store, rateLimits, log)

	// HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:            cfg,
		KeyStoreService:   keyStore,
		RotationService:   rotator,
		EventService:      events,
		ErrorLogService:   errorLog,
		GenerationService: generation,
		AuthService:       authService,
		JWTManager:        jwtManager,
		KeyProber:         prober,
		HealthChecker:     healthChecker,
		Metrics:           metrics,
		WebSocketHub:      wsHub,
		RateLimits:        rateLimits,
		JWTBlacklist:      jwtBlacklist,
		Logger:            log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// 流式响应可能长达上游超时，写超时需覆盖整个生成过程
		WriteTimeout: cfg.Upstream.Timeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		wsHub.Run(groupCtx)
		return nil
	})

	// 定时清理：失效凭证、事件日志、错误日志
	group.Go(func() error {
		ticker := time.NewTicker(cfg.Rotation.CleanupInterval)
		defer ticker.Stop()

		log.Info("starting cleanup task", zap.Duration("interval", cfg.Rotation.CleanupInterval))
		for {
			select {
			case <-groupCtx.Done():
				log.Info("cleanup task stopped")
				return nil
			case <-ticker.C:
				if removed, err := keyStore.CleanupInvalid(); err != nil {
					log.Error("cleanup invalid keys failed", zap.Error(err))
				} else if removed > 0 {
					log.Info("removed invalid keys", zap.Int("count", removed))
				}
				if _, err := events.Prune(cfg.Rotation.EventMaxCount, cfg.Rotation.EventMaxAge); err != nil {
					log.Error("prune rotation events failed", zap.Error(err))
				}
			}
		}
	})

	// 定时刷新凭证池指标与统计缓存
	group.Go(func() error {
		ticker := time.NewTicker(cfg.Rotation.StatsRefreshEvery)
		defer ticker.Stop()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				stats, err := keyStore.Stats()
				if err != nil {
					log.Warn("refresh key pool stats failed", zap.Error(err))
					continue
				}
				metrics.UpdateKeyPoolGauges(stats)
				if cache != nil {
					if err := cache.CachePoolStats(stats, cfg.Rotation.StatsRefreshEvery*2); err != nil {
						log.Warn("cache pool stats failed", zap.Error(err))
					}
				}
			}
		}
	})

	// 周期健康探测（默认关闭：探测消耗上游配额）
	if cfg.Rotation.HealthCheckInterval > 0 {
		group.Go(func() error {
			log.Info("starting periodic key probe",
				zap.Duration("interval", cfg.Rotation.HealthCheckInterval))
			err := prober.Run(groupCtx, cfg.Rotation.HealthCheckInterval)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	// 等待关停信号后优雅退出
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Error("server exited with error", zap.Error(err))
	}
	log.Info("server stopped")
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空仅输出到控制台
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Enabled  bool   // 是否启用 Redis（限流、JWT 黑名单、统计缓存）
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// JWTConfig 定义 JWT 认证相关配置
type JWTConfig struct {
	Secret        string        // JWT 签名密钥
	Issuer        string        // JWT 签发者标识，默认 "txopito"
	AccessExpiry  time.Duration // 访问令牌有效期，默认 15 分钟
	RefreshExpiry time.Duration // 刷新令牌有效期，默认 7 天
}

// AdminConfig 定义管理员账户配置（登录后获得管理员角色）
type AdminConfig struct {
	Username     string // 管理员用户名，默认 "admin"
	PasswordHash string // bcrypt 哈希后的密码；与 Password 二选一
	Password     string // 明文密码（仅开发环境），启动时即时哈希
	CreatorName  string // 创建者账户名，匹配时角色为 creator，默认为空不启用
}

// UpstreamConfig 定义上游生成式 API 配置
type UpstreamConfig struct {
	BaseURL string        // API 基础地址，默认 Google 生成式语言 API v1beta
	Model   string        // 默认模型名
	Timeout time.Duration // 单次上游调用超时，默认 2 分钟
	Keys    []string      // 启动时自动注入池中的种子密钥（逗号分隔）
}

// RotationConfig 定义轮换子系统的运维参数
type RotationConfig struct {
	EventMaxCount       int           // 事件日志保留条数上限，默认 200
	EventMaxAge         time.Duration // 事件日志保留时长上限，默认 72h
	ErrorLogMaxCount    int           // 错误日志保留条数上限，默认 100
	CleanupInterval     time.Duration // 失效凭证/日志清理周期，默认 1h
	HealthCheckInterval time.Duration // 主动健康检查周期，0 表示关闭（默认关闭，探测会消耗上游配额）
	StatsRefreshEvery   time.Duration // 统计缓存/指标刷新周期，默认 30s
	WarningThreshold    int           // 24h 错误数达到该值时状态降为 warning，默认 10
	CriticalThreshold   int           // 24h 错误数达到该值时状态降为 critical，默认 50
}

// RateLimitConfig 定义聊天接口限流配置
type RateLimitConfig struct {
	Enabled   bool          // 是否启用按 IP 限流
	PerWindow int           // 窗口内允许的请求数，默认 60
	Window    time.Duration // 窗口时长，默认 1 分钟
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server    ServerConfig
	CORS      CORSConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Admin     AdminConfig
	Upstream  UpstreamConfig
	Rotation  RotationConfig
	RateLimit RateLimitConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: TXOPITO_
// 例如: TXOPITO_SERVER_PORT, TXOPITO_UPSTREAM_KEYS
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("txopito")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.issuer", "txopito")
	viper.SetDefault("jwt.access_expiry", "15m")
	viper.SetDefault("jwt.refresh_expiry", "168h")
	viper.SetDefault("admin.username", "admin")
	viper.SetDefault("admin.password_hash", "")
	viper.SetDefault("admin.password", "")
	viper.SetDefault("admin.creator_name", "")
	viper.SetDefault("upstream.base_url", "https://generativelanguage.googleapis.com/v1beta")
	viper.SetDefault("upstream.model", "gemini-2.0-flash")
	viper.SetDefault("upstream.timeout", "2m")
	viper.SetDefault("upstream.keys", "")
	viper.SetDefault("rotation.event_max_count", 200)
	viper.SetDefault("rotation.event_max_age", "72h")
	viper.SetDefault("rotation.error_log_max_count", 100)
	viper.SetDefault("rotation.cleanup_interval", "1h")
	viper.SetDefault("rotation.health_check_interval", "0") // 默认关闭，见 DESIGN.md
	viper.SetDefault("rotation.stats_refresh_every", "30s")
	viper.SetDefault("rotation.warning_threshold", 10)
	viper.SetDefault("rotation.critical_threshold", 50)
	viper.SetDefault("ratelimit.enabled", false)
	viper.SetDefault("ratelimit.per_window", 60)
	viper.SetDefault("ratelimit.window", "1m")

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(viper.GetString("cors.allowed_origins")),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Enabled:  viper.GetBool("redis.enabled"),
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:        viper.GetString("jwt.secret"),
			Issuer:        viper.GetString("jwt.issuer"),
			AccessExpiry:  viper.GetDuration("jwt.access_expiry"),
			RefreshExpiry: viper.GetDuration("jwt.refresh_expiry"),
		},
		Admin: AdminConfig{
			Username:     viper.GetString("admin.username"),
			PasswordHash: viper.GetString("admin.password_hash"),
			Password:     viper.GetString("admin.password"),
			CreatorName:  viper.GetString("admin.creator_name"),
		},
		Upstream: UpstreamConfig{
			BaseURL: strings.TrimRight(viper.GetString("upstream.base_url"), "/"),
			Model:   viper.GetString("upstream.model"),
			Timeout: viper.GetDuration("upstream.timeout"),
			Keys:    splitList(viper.GetString("upstream.keys")),
		},
		Rotation: RotationConfig{
			EventMaxCount:       viper.GetInt("rotation.event_max_count"),
			EventMaxAge:         viper.GetDuration("rotation.event_max_age"),
			ErrorLogMaxCount:    viper.GetInt("rotation.error_log_max_count"),
			CleanupInterval:     viper.GetDuration("rotation.cleanup_interval"),
			HealthCheckInterval: viper.GetDuration("rotation.health_check_interval"),
			StatsRefreshEvery:   viper.GetDuration("rotation.stats_refresh_every"),
			WarningThreshold:    viper.GetInt("rotation.warning_threshold"),
			CriticalThreshold:   viper.GetInt("rotation.critical_threshold"),
		},
		RateLimit: RateLimitConfig{
			Enabled:   viper.GetBool("ratelimit.enabled"),
			PerWindow: viper.GetInt("ratelimit.per_window"),
			Window:    viper.GetDuration("ratelimit.window"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate 校验配置合法性
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Database.Type != "" && c.Database.Type != "mysql" && c.Database.Type != "postgres" {
		return fmt.Errorf("invalid database.type: %s (supported: mysql, postgres)", c.Database.Type)
	}
	if c.Database.Type != "" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.type is set")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.Model == "" {
		return fmt.Errorf("upstream.model is required")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("invalid upstream.timeout: %v", c.Upstream.Timeout)
	}
	if c.Rotation.CriticalThreshold <= c.Rotation.WarningThreshold {
		return fmt.Errorf("rotation.critical_threshold must be greater than rotation.warning_threshold")
	}
	return nil
}

// loadEnvFile 尝试从当前目录或父目录加载 .env 文件
func loadEnvFile() {
	candidates := []string{".env", filepath.Join("..", ".env")}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

// splitList 解析逗号分隔的列表，去除空白项
func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

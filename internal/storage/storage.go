package storage

import (
	"errors"
	"time"

	"txopito/backend/internal/domain"
)

var (
	// ErrKeyNotFound 凭证未找到错误
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyExists 凭证已存在错误（按原始密钥精确匹配）
	ErrKeyExists = errors.New("key already exists")
)

// KeyRepository 定义凭证记录的数据存取操作。
// ListKeys 必须按插入顺序（Position 升序）返回，轮换引擎依赖该顺序。
type KeyRepository interface {
	SaveKey(key *domain.KeyRecord) error
	GetKey(id string) (*domain.KeyRecord, error)
	GetKeyBySecret(secret string) (*domain.KeyRecord, error)
	ListKeys() ([]*domain.KeyRecord, error)
	UpdateKey(key *domain.KeyRecord) error
	DeleteKey(id string) error
	CountUsableKeys() (int, error)
	// DeleteInvalidKeys 删除同时满足以下条件的记录：
	// 非激活、错误计数 >= minErrors、更新时间早于 before。返回删除数量。
	DeleteInvalidKeys(minErrors int64, before time.Time) (int, error)
}

// RotationStateRepository 定义轮换状态单例的存取操作。
type RotationStateRepository interface {
	GetRotationState() (*domain.RotationState, error)
	SaveRotationState(state *domain.RotationState) error
}

// EventRepository 定义轮换事件日志的存取操作。
type EventRepository interface {
	AppendEvent(event *domain.RotationEvent) error
	// ListEvents 按时间倒序返回最近的事件；limit <= 0 表示不限。
	ListEvents(limit int) ([]*domain.RotationEvent, error)
	// PruneEvents 裁剪事件日志：保留最近 maxCount 条，并删除早于 before 的条目。
	PruneEvents(maxCount int, before time.Time) (int, error)
}

// ErrorLogRepository 定义错误日志的存取操作。
type ErrorLogRepository interface {
	AppendError(record *domain.ErrorRecord) error
	// ListErrors 按时间倒序返回最近的错误；limit <= 0 表示不限。
	ListErrors(limit int) ([]*domain.ErrorRecord, error)
	ClearErrors() error
	CountErrorsSince(t time.Time) (int, error)
	// PruneErrors 超过 maxCount 时淘汰最老的条目，返回删除数量。
	PruneErrors(maxCount int) (int, error)
}

// RateLimitRepository 定义限流操作（Redis 后端提供）。
type RateLimitRepository interface {
	IncrementRateLimit(key string, window time.Duration) (int64, error)
	GetRateLimit(key string) (int64, error)
}

// JWTRepository 定义 JWT 黑名单操作（Redis 后端提供）。
type JWTRepository interface {
	AddToBlacklist(jti string, ttl time.Duration) error
	IsBlacklisted(jti string) (bool, error)
}

// Store 聚合网关所需的全部存储能力。
type Store interface {
	KeyRepository
	RotationStateRepository
	EventRepository
	ErrorLogRepository

	Health() error
	Close() error
}

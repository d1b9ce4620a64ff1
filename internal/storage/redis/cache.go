package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"txopito/backend/internal/domain"
)

// Cache 基于 Redis 的辅助存储：限流计数、JWT 黑名单、凭证池统计缓存。
type Cache struct {
	client *goredis.Client
	ctx    context.Context
}

// NewCache 创建 Redis 缓存实例
func NewCache(client *Client) *Cache {
	return &Cache{
		client: client.Client(),
		ctx:    context.Background(),
	}
}

// ========== 限流 ==========

// IncrementRateLimit 自增窗口计数，第一次写入时设置过期
func (c *Cache) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := c.client.Incr(c.ctx, redisKey).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := c.client.Expire(c.ctx, redisKey, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// GetRateLimit 读取窗口计数
func (c *Cache) GetRateLimit(key string) (int64, error) {
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := c.client.Get(c.ctx, redisKey).Int64()
	if err != nil {
		if err == goredis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// ========== JWT 黑名单 ==========

// AddToBlacklist 将令牌 jti 加入黑名单（按令牌剩余有效期过期）
func (c *Cache) AddToBlacklist(jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	redisKey := fmt.Sprintf("jwt:blacklist:%s", jti)
	return c.client.Set(c.ctx, redisKey, "1", ttl).Err()
}

// IsBlacklisted 查询令牌 jti 是否已被拉黑
func (c *Cache) IsBlacklisted(jti string) (bool, error) {
	redisKey := fmt.Sprintf("jwt:blacklist:%s", jti)
	_, err := c.client.Get(c.ctx, redisKey).Result()
	if err != nil {
		if err == goredis.Nil {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ========== 凭证池统计缓存 ==========

// CachePoolStats 缓存凭证池统计，供管理端状态页低成本刷新
func (c *Cache) CachePoolStats(stats *domain.KeyPoolStats, ttl time.Duration) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return c.client.Set(c.ctx, "keypool:stats", data, ttl).Err()
}

// GetCachedPoolStats 读取缓存的凭证池统计
func (c *Cache) GetCachedPoolStats() (*domain.KeyPoolStats, error) {
	data, err := c.client.Get(c.ctx, "keypool:stats").Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, fmt.Errorf("pool stats not cached")
		}
		return nil, err
	}

	var stats domain.KeyPoolStats
	if err := json.Unmarshal([]byte(data), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

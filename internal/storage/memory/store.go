package memory

import (
	"sort"
	"sync"
	"time"

	"txopito/backend/internal/domain"
	"txopito/backend/internal/storage"
)

// Store 使用内存保存凭证与日志数据，主要用于开发验证和测试。
type Store struct {
	mu       sync.RWMutex
	keys     map[string]*domain.KeyRecord // keyID -> record
	bySecret map[string]string            // secret -> keyID
	order    []string                     // 插入顺序的 keyID 列表
	nextPos  int64

	state *domain.RotationState

	events []*domain.RotationEvent // 追加顺序
	errors []*domain.ErrorRecord   // 追加顺序

	// 速率限制相关（实现 storage.RateLimitRepository，便于无 Redis 时测试）
	rateLimits map[string]*rateLimitEntry
}

// rateLimitEntry 速率限制条目
type rateLimitEntry struct {
	Count     int64
	ExpiresAt time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		keys:       make(map[string]*domain.KeyRecord),
		bySecret:   make(map[string]string),
		order:      make([]string, 0),
		nextPos:    1,
		state:      &domain.RotationState{ID: 1},
		events:     make([]*domain.RotationEvent, 0),
		errors:     make([]*domain.ErrorRecord, 0),
		rateLimits: make(map[string]*rateLimitEntry),
	}
}

// ========== KeyRepository ==========

// SaveKey 保存新的凭证记录
func (s *Store) SaveKey(key *domain.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bySecret[key.Secret]; exists {
		return storage.ErrKeyExists
	}

	cp := *key
	if cp.Position == 0 {
		cp.Position = s.nextPos
	}
	s.nextPos = cp.Position + 1

	s.keys[cp.ID] = &cp
	s.bySecret[cp.Secret] = cp.ID
	s.order = append(s.order, cp.ID)
	return nil
}

// GetKey 按 ID 获取凭证
func (s *Store) GetKey(id string) (*domain.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[id]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	cp := *key
	return &cp, nil
}

// GetKeyBySecret 按原始密钥精确匹配获取凭证
func (s *Store) GetKeyBySecret(secret string) (*domain.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySecret[secret]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	cp := *s.keys[id]
	return &cp, nil
}

// ListKeys 按插入顺序返回全部凭证
func (s *Store) ListKeys() ([]*domain.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.KeyRecord, 0, len(s.order))
	for _, id := range s.order {
		cp := *s.keys[id]
		out = append(out, &cp)
	}
	return out, nil
}

// UpdateKey 更新凭证记录
func (s *Store) UpdateKey(key *domain.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.keys[key.ID]
	if !ok {
		return storage.ErrKeyNotFound
	}

	// 密钥本身不可变更，保留原始 secret 索引
	cp := *key
	cp.Secret = old.Secret
	cp.Position = old.Position
	s.keys[key.ID] = &cp
	return nil
}

// DeleteKey 删除凭证记录
func (s *Store) DeleteKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[id]
	if !ok {
		return storage.ErrKeyNotFound
	}

	delete(s.bySecret, key.Secret)
	delete(s.keys, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// CountUsableKeys 统计可用凭证数量
func (s *Store) CountUsableKeys() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, key := range s.keys {
		if key.IsUsable() {
			count++
		}
	}
	return count, nil
}

// DeleteInvalidKeys 删除长期失效的凭证
func (s *Store) DeleteInvalidKeys(minErrors int64, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		key := s.keys[id]
		if !key.IsActive && key.ErrorCount >= minErrors && key.UpdatedAt.Before(before) {
			delete(s.bySecret, key.Secret)
			delete(s.keys, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}

// ========== RotationStateRepository ==========

// GetRotationState 获取轮换状态
func (s *Store) GetRotationState() (*domain.RotationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := *s.state
	return &cp, nil
}

// SaveRotationState 保存轮换状态
func (s *Store) SaveRotationState(state *domain.RotationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	cp.ID = 1
	cp.UpdatedAt = time.Now()
	s.state = &cp
	return nil
}

// ========== EventRepository ==========

// AppendEvent 追加轮换事件
func (s *Store) AppendEvent(event *domain.RotationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

// ListEvents 按时间倒序返回最近的事件
func (s *Store) ListEvents(limit int) ([]*domain.RotationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.RotationEvent, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0; i-- {
		cp := *s.events[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PruneEvents 裁剪事件日志
func (s *Store) PruneEvents(maxCount int, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]*domain.RotationEvent, 0, len(s.events))
	removed := 0
	for _, ev := range s.events {
		if ev.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	if maxCount > 0 && len(kept) > maxCount {
		removed += len(kept) - maxCount
		kept = kept[len(kept)-maxCount:]
	}
	s.events = kept
	return removed, nil
}

// ========== ErrorLogRepository ==========

// AppendError 追加错误记录
func (s *Store) AppendError(record *domain.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	s.errors = append(s.errors, &cp)
	return nil
}

// ListErrors 按时间倒序返回最近的错误
func (s *Store) ListErrors(limit int) ([]*domain.ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ErrorRecord, 0, len(s.errors))
	for i := len(s.errors) - 1; i >= 0; i-- {
		cp := *s.errors[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ClearErrors 清空错误日志
func (s *Store) ClearErrors() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errors = s.errors[:0]
	return nil
}

// CountErrorsSince 统计某时间之后的错误数量
func (s *Store) CountErrorsSince(t time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.errors {
		if !rec.CreatedAt.Before(t) {
			count++
		}
	}
	return count, nil
}

// PruneErrors 淘汰最老的错误条目
func (s *Store) PruneErrors(maxCount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxCount <= 0 || len(s.errors) <= maxCount {
		return 0, nil
	}
	// 追加顺序即时间顺序，保险起见按时间排序后截断
	sort.SliceStable(s.errors, func(i, j int) bool {
		return s.errors[i].CreatedAt.Before(s.errors[j].CreatedAt)
	})
	removed := len(s.errors) - maxCount
	s.errors = s.errors[removed:]
	return removed, nil
}

// ========== RateLimitRepository ==========

// IncrementRateLimit 自增并返回窗口内计数
func (s *Store) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.rateLimits[key]
	if !ok || now.After(entry.ExpiresAt) {
		s.rateLimits[key] = &rateLimitEntry{Count: 1, ExpiresAt: now.Add(window)}
		return 1, nil
	}
	entry.Count++
	return entry.Count, nil
}

// GetRateLimit 获取窗口内计数
func (s *Store) GetRateLimit(key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.rateLimits[key]
	if !ok || time.Now().After(entry.ExpiresAt) {
		return 0, nil
	}
	return entry.Count, nil
}

// ========== 运维 ==========

// Health 内存存储始终健康
func (s *Store) Health() error {
	return nil
}

// Close 释放资源（内存存储为空操作）
func (s *Store) Close() error {
	return nil
}

// 确保接口实现完整
var _ storage.Store = (*Store)(nil)
var _ storage.RateLimitRepository = (*Store)(nil)

package service

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"txopito/backend/internal/domain"
	"txopito/backend/internal/storage"
)

var (
	// ErrEmptySecret 密钥为空
	ErrEmptySecret = errors.New("secret must not be empty")
	// ErrDuplicateKey 原始密钥已存在（精确匹配）
	ErrDuplicateKey = errors.New("key already exists")
	// ErrSoleUsableKey 不允许删除最后一条可用凭证
	ErrSoleUsableKey = errors.New("cannot remove sole usable key")
)

const (
	// autoDisableErrorCount 连续失败达到该计数后自动禁用凭证
	autoDisableErrorCount = 5
	// cleanupMinErrors 失效清理要求的最小错误计数
	cleanupMinErrors = 10
	// cleanupMinAge 失效清理要求的最短静默时长
	cleanupMinAge = 24 * time.Hour
)

// KeyStoreService 封装上游凭证的簿记操作：增删、健康标记与统计。
//
// 所有写操作持有服务级互斥锁，保证"读取-判断-写回"序列的原子性；
// 凭证健康恶化（配额超限、自动禁用）会在锁外触发一次轮换。
type KeyStoreService struct {
	store  storage.Store
	events *RotationEventService
	log    *zap.Logger

	mu      sync.Mutex
	rotator *RotationService // 经 SetRotationService 注入，避免循环依赖
}

// NewKeyStoreService 创建凭证池服务。
func NewKeyStoreService(store storage.Store, events *RotationEventService, log *zap.Logger) *KeyStoreService {
	return &KeyStoreService{
		store:  store,
		events: events,
		log:    log.Named("keystore"),
	}
}

// SetRotationService 注入轮换引擎（避免循环依赖）
func (s *KeyStoreService) SetRotationService(rotator *RotationService) {
	s.rotator = rotator
}

// Add 新增一条凭证。原始密钥精确重复时拒绝。
func (s *KeyStoreService) Add(secret, name string) (*domain.KeyRecord, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrEmptySecret
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetKeyBySecret(secret); err == nil {
		return nil, ErrDuplicateKey
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return nil, err
	}

	if name = strings.TrimSpace(name); name == "" {
		name = fmt.Sprintf("key-%s", domain.MaskSecret(secret))
	}

	now := time.Now()
	key := &domain.KeyRecord{
		ID:        uuid.NewString(),
		Secret:    secret,
		Name:      name,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveKey(key); err != nil {
		if errors.Is(err, storage.ErrKeyExists) {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}

	s.events.Record(domain.EventKeyAdded, key.ID, key.Name, "")
	s.log.Info("key added",
		zap.String("keyId", key.ID),
		zap.String("name", key.Name),
	)
	return key, nil
}

// AddBatch 批量新增凭证，静默跳过重复与空白项，返回新增数量。
// 用于启动时注入配置中的种子密钥。
func (s *KeyStoreService) AddBatch(secrets []string) (int, error) {
	added := 0
	for i, secret := range secrets {
		_, err := s.Add(secret, fmt.Sprintf("seed-%d", i+1))
		switch {
		case err == nil:
			added++
		case errors.Is(err, ErrDuplicateKey), errors.Is(err, ErrEmptySecret):
			// 幂等：重复的种子密钥在每次启动时都会出现
		default:
			return added, err
		}
	}
	return added, nil
}

// Remove 删除一条凭证。
// 若删除会导致可用凭证归零则拒绝；删除后收敛轮换下标，
// 防止它指向列表末尾之外。
func (s *KeyStoreService) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.store.GetKey(id)
	if err != nil {
		return err
	}

	if key.IsUsable() {
		usable, err := s.store.CountUsableKeys()
		if err != nil {
			return err
		}
		if usable <= 1 {
			return ErrSoleUsableKey
		}
	}

	if err := s.store.DeleteKey(id); err != nil {
		return err
	}
	if err := s.clampRotationIndex(); err != nil {
		s.log.Warn("clamp rotation index failed", zap.Error(err))
	}

	s.events.Record(domain.EventKeyRemoved, key.ID, key.Name, "")
	s.log.Info("key removed",
		zap.String("keyId", key.ID),
		zap.String("name", key.Name),
	)
	return nil
}

// Reactivate 重新启用一条凭证：清除配额标记、归零错误计数。
func (s *KeyStoreService) Reactivate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.store.GetKey(id)
	if err != nil {
		return err
	}
	key.IsActive = true
	key.QuotaExceeded = false
	key.ErrorCount = 0
	key.LastError = ""
	key.UpdatedAt = time.Now()
	if err := s.store.UpdateKey(key); err != nil {
		return err
	}

	s.log.Info("key reactivated", zap.String("keyId", key.ID))
	return nil
}

// CleanupInvalid 清理长期失效的凭证：
// 非激活、错误计数 >= 10、且超过 24 小时未更新。返回删除数量。
func (s *KeyStoreService) CleanupInvalid() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.store.DeleteInvalidKeys(cleanupMinErrors, time.Now().Add(-cleanupMinAge))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		if err := s.clampRotationIndex(); err != nil {
			s.log.Warn("clamp rotation index failed", zap.Error(err))
		}
		s.log.Info("cleaned up invalid keys", zap.Int("removed", removed))
	}
	return removed, nil
}

// MarkUsed 记录一次成功调用。
func (s *KeyStoreService) MarkUsed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.store.GetKey(id)
	if err != nil {
		return err
	}
	now := time.Now()
	key.SuccessCount++
	key.LastUsedAt = &now
	key.UpdatedAt = now
	return s.store.UpdateKey(key)
}

// MarkQuotaExceeded 把凭证标记为配额超限并触发轮换。
func (s *KeyStoreService) MarkQuotaExceeded(id, reason string) error {
	s.mu.Lock()
	key, err := s.store.GetKey(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	key.QuotaExceeded = true
	key.LastError = reason
	key.UpdatedAt = time.Now()
	if err := s.store.UpdateKey(key); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.events.Record(domain.EventQuotaExceeded, key.ID, key.Name, reason)
	s.log.Warn("key quota exceeded",
		zap.String("keyId", key.ID),
		zap.String("name", key.Name),
	)
	s.rotateAfterDegradation()
	return nil
}

// MarkError 记录一次失败。
// 错误计数达到阈值时自动禁用该凭证并触发轮换。
func (s *KeyStoreService) MarkError(id, reason string) error {
	s.mu.Lock()
	key, err := s.store.GetKey(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	key.ErrorCount++
	key.LastError = reason
	key.UpdatedAt = time.Now()

	autoDisabled := false
	if key.ErrorCount >= autoDisableErrorCount && key.IsActive {
		key.IsActive = false
		autoDisabled = true
	}
	if err := s.store.UpdateKey(key); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	details := reason
	if autoDisabled {
		details = fmt.Sprintf("auto-disabled after %d errors: %s", key.ErrorCount, reason)
	}
	s.events.Record(domain.EventKeyFailed, key.ID, key.Name, details)
	s.log.Warn("key error recorded",
		zap.String("keyId", key.ID),
		zap.Int64("errorCount", key.ErrorCount),
		zap.Bool("autoDisabled", autoDisabled),
	)

	if autoDisabled {
		s.rotateAfterDegradation()
	}
	return nil
}

// ListAll 返回全部凭证的脱敏视图，按插入顺序。
func (s *KeyStoreService) ListAll() ([]domain.KeyRecordSafe, error) {
	keys, err := s.store.ListKeys()
	if err != nil {
		return nil, err
	}
	out := make([]domain.KeyRecordSafe, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.ToSafe())
	}
	return out, nil
}

// Stats 返回凭证池当前统计。
func (s *KeyStoreService) Stats() (*domain.KeyPoolStats, error) {
	keys, err := s.store.ListKeys()
	if err != nil {
		return nil, err
	}
	state, err := s.store.GetRotationState()
	if err != nil {
		return nil, err
	}

	stats := &domain.KeyPoolStats{
		TotalKeys:      len(keys),
		LastRotationAt: state.LastRotationAt,
	}
	for _, k := range keys {
		if k.IsUsable() {
			stats.ActiveKeys++
		}
		if k.QuotaExceeded {
			stats.QuotaExceededKeys++
		}
	}
	if state.CurrentIndex >= 0 && state.CurrentIndex < len(keys) {
		stats.CurrentKeyID = keys[state.CurrentIndex].ID
	}
	return stats, nil
}

// clampRotationIndex 删除凭证后收敛轮换下标，调用方需持有 s.mu。
func (s *KeyStoreService) clampRotationIndex() error {
	keys, err := s.store.ListKeys()
	if err != nil {
		return err
	}
	state, err := s.store.GetRotationState()
	if err != nil {
		return err
	}
	if state.CurrentIndex < len(keys) {
		return nil
	}
	state.CurrentIndex = 0
	state.UpdatedAt = time.Now()
	return s.store.SaveRotationState(state)
}

// rotateAfterDegradation 在凭证健康恶化后推进轮换，必须在锁外调用。
func (s *KeyStoreService) rotateAfterDegradation() {
	if s.rotator == nil {
		return
	}
	rotated, err := s.rotator.RotateNext()
	if err != nil {
		s.log.Warn("rotation after degradation failed", zap.Error(err))
		return
	}
	if !rotated {
		s.log.Warn("no usable key left after degradation")
	}
}

package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"txopito/backend/internal/domain"
	"txopito/backend/internal/storage"
)

// EventListener 轮换事件监听器，在事件落库后被同步调用。
// 监听器不得阻塞，耗时处理应自行异步化。
type EventListener func(event *domain.RotationEvent)

// RotationEventService 封装轮换事件日志与事件广播。
//
// 所有凭证池的状态变化（新增、删除、失败、配额超限、轮换）都通过
// 本服务记录为只追加的事件，并扇出给已注册的监听器。
type RotationEventService struct {
	repo storage.EventRepository
	log  *zap.Logger

	mu        sync.RWMutex
	listeners []EventListener
}

// NewRotationEventService 创建轮换事件服务。
func NewRotationEventService(repo storage.EventRepository, log *zap.Logger) *RotationEventService {
	return &RotationEventService{
		repo: repo,
		log:  log.Named("events"),
	}
}

// Subscribe 注册事件监听器。监听器在 Record 同一调用栈内被触发。
func (s *RotationEventService) Subscribe(listener EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Record 记录一条轮换事件并通知所有监听器。
// 落库失败仅记日志，不向上传播：事件日志纯粹用于观测，
// 不允许它阻断凭证池的正常变更。
func (s *RotationEventService) Record(eventType domain.RotationEventType, keyID, keyName, details string) {
	event := &domain.RotationEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		KeyID:     keyID,
		KeyName:   keyName,
		Details:   details,
		CreatedAt: time.Now(),
	}

	if err := s.repo.AppendEvent(event); err != nil {
		s.log.Warn("append rotation event failed",
			zap.String("type", string(eventType)),
			zap.String("keyId", keyID),
			zap.Error(err),
		)
	}

	s.mu.RLock()
	listeners := make([]EventListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, listener := range listeners {
		listener(event)
	}
}

// List 按时间倒序返回最近的事件。
func (s *RotationEventService) List(limit int) ([]*domain.RotationEvent, error) {
	return s.repo.ListEvents(limit)
}

// Prune 按数量与时长上限裁剪事件日志，返回删除数量。
func (s *RotationEventService) Prune(maxCount int, maxAge time.Duration) (int, error) {
	before := time.Now().Add(-maxAge)
	removed, err := s.repo.PruneEvents(maxCount, before)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Debug("pruned rotation events", zap.Int("removed", removed))
	}
	return removed, nil
}

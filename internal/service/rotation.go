package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"txopito/backend/internal/domain"
	"txopito/backend/internal/storage"
)

// ErrNoUsableKey 凭证池中没有任何可用凭证。
// 对生成调用而言这是致命的配置错误，调用方不得重试。
var ErrNoUsableKey = errors.New("no usable key available")

// RotationService 轮换引擎：决定下一次外部调用使用哪条凭证。
//
// 凭证列表按插入顺序排列，引擎维护一个指向该列表的循环下标。
// 当前凭证不可用时从下一位开始环扫，最多一整圈，取第一条可用者。
type RotationService struct {
	store  storage.Store
	events *RotationEventService
	log    *zap.Logger

	mu sync.Mutex
}

// NewRotationService 创建轮换引擎。
func NewRotationService(store storage.Store, events *RotationEventService, log *zap.Logger) *RotationService {
	return &RotationService{
		store:  store,
		events: events,
		log:    log.Named("rotation"),
	}
}

// Current 返回当前应使用的凭证。
// 当前下标处的凭证不可用时先触发一次轮换；
// 轮换后仍无可用凭证时返回 ErrNoUsableKey。
func (s *RotationService) Current() (*domain.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.store.ListKeys()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNoUsableKey
	}

	state, err := s.store.GetRotationState()
	if err != nil {
		return nil, err
	}
	idx := state.CurrentIndex
	if idx < 0 || idx >= len(keys) {
		idx = 0
	}

	if keys[idx].IsUsable() {
		return keys[idx], nil
	}

	newIdx, ok := s.scanUsable(keys, idx)
	if !ok {
		return nil, ErrNoUsableKey
	}
	if err := s.commitIndex(state, keys, idx, newIdx); err != nil {
		return nil, err
	}
	return keys[newIdx], nil
}

// RotateNext 推进到下一条可用凭证。
// 返回 true 表示找到了可用凭证（包括仅剩一条时的自轮换），
// false 表示池中已无可用凭证。仅在指向的凭证实际变化时记录
// rotation 事件。
func (s *RotationService) RotateNext() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.store.ListKeys()
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}

	state, err := s.store.GetRotationState()
	if err != nil {
		return false, err
	}
	idx := state.CurrentIndex
	if idx < 0 || idx >= len(keys) {
		idx = 0
	}

	newIdx, ok := s.scanUsable(keys, idx)
	if !ok {
		return false, nil
	}
	if err := s.commitIndex(state, keys, idx, newIdx); err != nil {
		return false, err
	}
	return true, nil
}

// scanUsable 从 from+1 开始环扫一整圈，返回第一条可用凭证的下标。
// from 自身在最后被检查，因此仅剩一条可用凭证时会"轮换到自己"。
func (s *RotationService) scanUsable(keys []*domain.KeyRecord, from int) (int, bool) {
	n := len(keys)
	for step := 1; step <= n; step++ {
		idx := (from + step) % n
		if keys[idx].IsUsable() {
			return idx, true
		}
	}
	return 0, false
}

// commitIndex 持久化新下标；指向实际变化时更新轮换时间并记录事件。
func (s *RotationService) commitIndex(state *domain.RotationState, keys []*domain.KeyRecord, oldIdx, newIdx int) error {
	changed := newIdx != oldIdx
	now := time.Now()

	state.CurrentIndex = newIdx
	state.UpdatedAt = now
	if changed {
		state.LastRotationAt = &now
	}
	if err := s.store.SaveRotationState(state); err != nil {
		return err
	}

	if changed {
		selected := keys[newIdx]
		s.events.Record(domain.EventRotation, selected.ID, selected.Name,
			fmt.Sprintf("index %d -> %d", oldIdx, newIdx))
		s.log.Info("rotated to next key",
			zap.Int("fromIndex", oldIdx),
			zap.Int("toIndex", newIdx),
			zap.String("keyId", selected.ID),
		)
	}
	return nil
}

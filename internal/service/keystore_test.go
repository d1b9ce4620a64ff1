package service

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"txopito/backend/internal/domain"
	"txopito/backend/internal/storage/memory"
)

// newTestServices 构造一套基于内存存储的服务用于测试。
func newTestServices(t *testing.T) (*KeyStoreService, *RotationService, *RotationEventService, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	log := zap.NewNop()
	events := NewRotationEventService(store, log)
	keys := NewKeyStoreService(store, events, log)
	rotator := NewRotationService(store, events, log)
	keys.SetRotationService(rotator)
	return keys, rotator, events, store
}

func TestKeyStoreService_AddAndMask(t *testing.T) {
	keys, _, _, _ := newTestServices(t)

	key, err := keys.Add("AIzaSyTest1234567890abcd", "primary")
	assert.NoError(t, err)
	assert.NotEmpty(t, key.ID)
	assert.True(t, key.IsActive)
	assert.False(t, key.QuotaExceeded)

	// listAll 永不暴露原始密钥
	list, err := keys.ListAll()
	assert.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, "AIza****************abcd", list[0].MaskedSecret)
	assert.NotContains(t, list[0].MaskedSecret, "SyTest")
}

func TestKeyStoreService_AddDuplicateRejected(t *testing.T) {
	keys, _, _, _ := newTestServices(t)

	_, err := keys.Add("duplicate-secret-value", "first")
	assert.NoError(t, err)

	_, err = keys.Add("duplicate-secret-value", "second")
	assert.ErrorIs(t, err, ErrDuplicateKey)

	list, _ := keys.ListAll()
	assert.Len(t, list, 1)
}

func TestKeyStoreService_AddEmptyRejected(t *testing.T) {
	keys, _, _, _ := newTestServices(t)

	_, err := keys.Add("   ", "blank")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestKeyStoreService_AddBatchSkipsDuplicates(t *testing.T) {
	keys, _, _, _ := newTestServices(t)

	added, err := keys.AddBatch([]string{"seed-key-aaaa", "seed-key-bbbb", "seed-key-aaaa", ""})
	assert.NoError(t, err)
	assert.Equal(t, 2, added)

	// 再次注入同一批种子应当全部跳过
	added, err = keys.AddBatch([]string{"seed-key-aaaa", "seed-key-bbbb"})
	assert.NoError(t, err)
	assert.Equal(t, 0, added)
}

func TestKeyStoreService_RemoveSoleUsableRejected(t *testing.T) {
	keys, _, _, _ := newTestServices(t)

	key, err := keys.Add("only-usable-key-value", "only")
	assert.NoError(t, err)

	err = keys.Remove(key.ID)
	assert.ErrorIs(t, err, ErrSoleUsableKey)

	// 凭证列表保持不变
	list, _ := keys.ListAll()
	assert.Len(t, list, 1)
}

func TestKeyStoreService_RemoveNonSoleSucceeds(t *testing.T) {
	keys, _, _, _ := newTestServices(t)

	first, _ := keys.Add("remove-test-key-one", "one")
	_, err := keys.Add("remove-test-key-two", "two")
	assert.NoError(t, err)

	err = keys.Remove(first.ID)
	assert.NoError(t, err)

	list, _ := keys.ListAll()
	assert.Len(t, list, 1)
	assert.True(t, list[0].IsActive)
}

func TestKeyStoreService_RemoveUnusableAlwaysAllowed(t *testing.T) {
	keys, _, _, store := newTestServices(t)

	usable, _ := keys.Add("still-usable-key-val", "usable")
	dead, _ := keys.Add("quota-exceeded-key-1", "dead")
	assert.NoError(t, keys.MarkQuotaExceeded(dead.ID, "quota exceeded"))

	// 删除不可用凭证不会让可用数归零
	assert.NoError(t, keys.Remove(dead.ID))

	got, err := store.GetKey(usable.ID)
	assert.NoError(t, err)
	assert.True(t, got.IsUsable())
}

func TestKeyStoreService_RemoveClampsRotationIndex(t *testing.T) {
	keys, rotator, _, store := newTestServices(t)

	_, _ = keys.Add("clamp-test-key-one-x", "one")
	second, _ := keys.Add("clamp-test-key-two-x", "two")

	// 把下标推进到第二条
	rotated, err := rotator.RotateNext()
	assert.NoError(t, err)
	assert.True(t, rotated)

	assert.NoError(t, keys.Remove(second.ID))

	state, err := store.GetRotationState()
	assert.NoError(t, err)
	assert.Equal(t, 0, state.CurrentIndex)
}

func TestKeyStoreService_MarkErrorAutoDisables(t *testing.T) {
	keys, rotator, _, store := newTestServices(t)

	failing, _ := keys.Add("failing-key-value-01", "failing")
	backup, _ := keys.Add("backup-key-value-001", "backup")

	for i := 0; i < 5; i++ {
		assert.NoError(t, keys.MarkError(failing.ID, "authentication failed"))
	}

	got, err := store.GetKey(failing.ID)
	assert.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, int64(5), got.ErrorCount)

	// 自动禁用后 current() 永不返回该凭证
	current, err := rotator.Current()
	assert.NoError(t, err)
	assert.Equal(t, backup.ID, current.ID)
}

func TestKeyStoreService_QuotaExceededTriggersRotation(t *testing.T) {
	keys, rotator, events, _ := newTestServices(t)

	keyA, _ := keys.Add("quota-scenario-key-a", "A")
	keyB, _ := keys.Add("quota-scenario-key-b", "B")
	_, _ = keys.Add("quota-scenario-key-c", "C")

	// A 被上游报配额超限
	assert.NoError(t, keys.MarkQuotaExceeded(keyA.ID, "quota exceeded for this api key"))

	// 记录了 quota_exceeded 事件
	recorded, err := events.List(0)
	assert.NoError(t, err)
	var quotaEvents []*domain.RotationEvent
	for _, e := range recorded {
		if e.Type == domain.EventQuotaExceeded {
			quotaEvents = append(quotaEvents, e)
		}
	}
	assert.Len(t, quotaEvents, 1)
	assert.Equal(t, keyA.ID, quotaEvents[0].KeyID)

	// 随后的 current() 返回 B
	current, err := rotator.Current()
	assert.NoError(t, err)
	assert.Equal(t, keyB.ID, current.ID)
}

func TestKeyStoreService_ReactivateClearsDegradation(t *testing.T) {
	keys, _, _, store := newTestServices(t)

	key, _ := keys.Add("reactivate-key-value", "tired")
	_, _ = keys.Add("reactivate-backup-kv", "backup")

	assert.NoError(t, keys.MarkQuotaExceeded(key.ID, "quota exceeded"))
	for i := 0; i < 5; i++ {
		assert.NoError(t, keys.MarkError(key.ID, "401 unauthorized"))
	}

	assert.NoError(t, keys.Reactivate(key.ID))

	got, err := store.GetKey(key.ID)
	assert.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.False(t, got.QuotaExceeded)
	assert.Equal(t, int64(0), got.ErrorCount)
	assert.Empty(t, got.LastError)
}

func TestKeyStoreService_CleanupInvalid(t *testing.T) {
	keys, _, _, store := newTestServices(t)

	// 一条健康凭证保证删除合法
	_, _ = keys.Add("cleanup-healthy-key1", "healthy")

	// 满足全部清理条件：非激活、错误数 >= 10、更新时间 > 24h
	stale, _ := keys.Add("cleanup-stale-key-01", "stale")
	rec, _ := store.GetKey(stale.ID)
	rec.IsActive = false
	rec.ErrorCount = 12
	rec.UpdatedAt = time.Now().Add(-25 * time.Hour)
	assert.NoError(t, store.UpdateKey(rec))

	// 错误数很高但仍激活的凭证不得被清理
	busy, _ := keys.Add("cleanup-busy-key-001", "busy")
	rec, _ = store.GetKey(busy.ID)
	rec.ErrorCount = 99
	rec.UpdatedAt = time.Now().Add(-48 * time.Hour)
	assert.NoError(t, store.UpdateKey(rec))

	// 非激活但更新时间太新的凭证不得被清理
	fresh, _ := keys.Add("cleanup-fresh-key-01", "fresh")
	rec, _ = store.GetKey(fresh.ID)
	rec.IsActive = false
	rec.ErrorCount = 20
	assert.NoError(t, store.UpdateKey(rec))

	removed, err := keys.CleanupInvalid()
	assert.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetKey(stale.ID)
	assert.Error(t, err)
	_, err = store.GetKey(busy.ID)
	assert.NoError(t, err)
	_, err = store.GetKey(fresh.ID)
	assert.NoError(t, err)
}

func TestKeyStoreService_MarkUsed(t *testing.T) {
	keys, _, _, store := newTestServices(t)

	key, _ := keys.Add("mark-used-key-value1", "used")
	assert.NoError(t, keys.MarkUsed(key.ID))
	assert.NoError(t, keys.MarkUsed(key.ID))

	got, err := store.GetKey(key.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), got.SuccessCount)
	assert.NotNil(t, got.LastUsedAt)
}

func TestKeyStoreService_Stats(t *testing.T) {
	keys, rotator, _, _ := newTestServices(t)

	_, _ = keys.Add("stats-test-key-one-1", "one")
	second, _ := keys.Add("stats-test-key-two-1", "two")
	assert.NoError(t, keys.MarkQuotaExceeded(second.ID, "quota"))

	_, err := rotator.Current()
	assert.NoError(t, err)

	stats, err := keys.Stats()
	assert.NoError(t, err)
	assert.Equal(t, 2, stats.TotalKeys)
	assert.Equal(t, 1, stats.ActiveKeys)
	assert.Equal(t, 1, stats.QuotaExceededKeys)
}

func TestMaskSecretShortValues(t *testing.T) {
	assert.Equal(t, "********", domain.MaskSecret("12345678"))
	assert.Equal(t, "***", domain.MaskSecret("abc"))
	masked := domain.MaskSecret("exactly-nine1")
	assert.True(t, strings.HasPrefix(masked, "exac"))
	assert.True(t, strings.HasSuffix(masked, "ine1"))
}

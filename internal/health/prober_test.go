package health

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"txopito/backend/internal/domain"
	"txopito/backend/internal/llm"
	"txopito/backend/internal/service"
	"txopito/backend/internal/storage/memory"
)

// scriptedClient 按密钥脚本化探测结果的上游替身。
type scriptedClient struct {
	mu         sync.Mutex
	checkErrs  map[string]error
	checkCalls map[string]int
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		checkErrs:  make(map[string]error),
		checkCalls: make(map[string]int),
	}
}

func (f *scriptedClient) CheckKey(ctx context.Context, apiKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkCalls[apiKey]++
	return f.checkErrs[apiKey]
}

func (f *scriptedClient) calls(apiKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkCalls[apiKey]
}

func (f *scriptedClient) Generate(ctx context.Context, apiKey string, req *domain.GenerationRequest) (string, error) {
	return "", errors.New("not scripted")
}

func (f *scriptedClient) GenerateStream(ctx context.Context, apiKey string, req *domain.GenerationRequest, sink llm.StreamSink) (string, error) {
	return "", errors.New("not scripted")
}

var _ llm.Client = (*scriptedClient)(nil)

func newTestProber(t *testing.T, client llm.Client) (*KeyProber, *service.KeyStoreService, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	log := zap.NewNop()
	events := service.NewRotationEventService(store, log)
	keys := service.NewKeyStoreService(store, events, log)
	rotator := service.NewRotationService(store, events, log)
	keys.SetRotationService(rotator)
	prober := NewKeyProber(client, store, keys, log)
	return prober, keys, store
}

// degradeKey 直接在存储层把凭证置为不可用，模拟历史故障。
func degradeKey(t *testing.T, store *memory.Store, id string, quotaExceeded bool, errorCount int64) {
	t.Helper()
	record, err := store.GetKey(id)
	require.NoError(t, err)
	record.QuotaExceeded = quotaExceeded
	record.ErrorCount = errorCount
	require.NoError(t, store.UpdateKey(record))
}

func TestKeyProber_RunDiagnosticsProbesAllKeys(t *testing.T) {
	client := newScriptedClient()
	prober, keys, _ := newTestProber(t, client)
	_, _ = keys.Add("prober-key-all-01", "A")
	_, _ = keys.Add("prober-key-all-02", "B")

	report, err := prober.RunDiagnostics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Healthy)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 1, client.calls("prober-key-all-01"))
	assert.Equal(t, 1, client.calls("prober-key-all-02"))
}

func TestKeyProber_SuspectCheckSkipsHealthyKeys(t *testing.T) {
	client := newScriptedClient()
	client.checkErrs["prober-key-sus-02"] = errors.New("rate limit exceeded (429): quota")
	prober, keys, store := newTestProber(t, client)
	_, _ = keys.Add("prober-key-sus-01", "healthy")
	broken, _ := keys.Add("prober-key-sus-02", "broken")
	degradeKey(t, store, broken.ID, true, 0)

	report, err := prober.RunSuspectCheck(context.Background())
	require.NoError(t, err)

	// 健康凭证不被周期探测触碰，不消耗配额
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 0, client.calls("prober-key-sus-01"))
	assert.Equal(t, 1, client.calls("prober-key-sus-02"))
}

func TestKeyProber_ReactivatesRecoveredKey(t *testing.T) {
	client := newScriptedClient()
	prober, keys, store := newTestProber(t, client)
	key, _ := keys.Add("prober-key-rec-01", "recovering")
	degradeKey(t, store, key.ID, true, 3)

	report, err := prober.RunSuspectCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Healthy)

	got, err := store.GetKey(key.ID)
	require.NoError(t, err)
	assert.True(t, got.IsUsable())
	assert.False(t, got.QuotaExceeded)
	assert.Equal(t, int64(0), got.ErrorCount)
}

func TestKeyProber_QuotaFailureMarksKey(t *testing.T) {
	client := newScriptedClient()
	client.checkErrs["prober-key-qt-01"] = errors.New("rate limit exceeded (429): resource exhausted")
	prober, keys, store := newTestProber(t, client)
	key, _ := keys.Add("prober-key-qt-01", "limited")
	_, _ = keys.Add("prober-key-qt-02", "backup")

	report, err := prober.RunDiagnostics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := store.GetKey(key.ID)
	require.NoError(t, err)
	assert.True(t, got.QuotaExceeded)
	assert.False(t, got.IsUsable())
}

func TestKeyProber_AuthFailureCountsAgainstKey(t *testing.T) {
	client := newScriptedClient()
	client.checkErrs["prober-key-au-01"] = errors.New("authentication failed (403): API key not valid")
	prober, keys, store := newTestProber(t, client)
	key, _ := keys.Add("prober-key-au-01", "revoked")

	report, err := prober.RunDiagnostics(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, domain.CategoryAuth, report.Results[0].Category)

	got, err := store.GetKey(key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ErrorCount)
	assert.True(t, got.IsActive)
}

func TestKeyProber_NetworkFailureDoesNotBlameKey(t *testing.T) {
	client := newScriptedClient()
	client.checkErrs["prober-key-nw-01"] = errors.New("dial tcp 10.0.0.1:443: connection refused")
	prober, keys, store := newTestProber(t, client)
	key, _ := keys.Add("prober-key-nw-01", "unlucky")

	report, err := prober.RunDiagnostics(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, domain.CategoryNetwork, report.Results[0].Category)

	got, err := store.GetKey(key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ErrorCount)
	assert.True(t, got.IsUsable())
}

package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"txopito/backend/internal/domain"
	"txopito/backend/internal/llm"
	"txopito/backend/internal/storage/memory"
)

// fakeClient 可编排的上游客户端替身。
type fakeClient struct {
	streamText  string
	streamErr   error
	generateTxt string
	generateErr error

	streamCalls   int
	generateCalls int
	checkCalls    int
}

func (f *fakeClient) GenerateStream(ctx context.Context, apiKey string, req *domain.GenerationRequest, sink llm.StreamSink) (string, error) {
	f.streamCalls++
	if f.streamErr != nil {
		return "", f.streamErr
	}
	if sink != nil {
		for _, chunk := range strings.SplitAfter(f.streamText, " ") {
			if err := sink(chunk); err != nil {
				return "", err
			}
		}
	}
	return f.streamText, nil
}

func (f *fakeClient) Generate(ctx context.Context, apiKey string, req *domain.GenerationRequest) (string, error) {
	f.generateCalls++
	if f.generateErr != nil {
		return "", f.generateErr
	}
	return f.generateTxt, nil
}

func (f *fakeClient) CheckKey(ctx context.Context, apiKey string) error {
	f.checkCalls++
	return nil
}

var _ llm.Client = (*fakeClient)(nil)

func newTestGeneration(t *testing.T, client llm.Client) (*GenerationService, *KeyStoreService, *RotationService, *memory.Store) {
	t.Helper()
	keys, rotator, _, store := newTestServices(t)
	log := zap.NewNop()
	errorLog := NewErrorLogService(store, log, 100, 10, 50)
	gen := NewGenerationService(client, keys, rotator, errorLog, log)
	return gen, keys, rotator, store
}

func chatRequest(content string) *domain.GenerationRequest {
	return &domain.GenerationRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: content}},
	}
}

func TestGenerationService_StreamingSuccess(t *testing.T) {
	client := &fakeClient{streamText: "hola mundo generado"}
	gen, keys, _, store := newTestGeneration(t, client)

	key, _ := keys.Add("generation-key-ok-01", "primary")

	var chunks []string
	result, err := gen.Generate(context.Background(), chatRequest("kaixo"), func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "hola mundo generado", result.Text)
	assert.True(t, result.Streamed)
	assert.Equal(t, key.ID, result.KeyID)
	assert.NotEmpty(t, chunks)

	// 成功后记一次使用
	got, _ := store.GetKey(key.ID)
	assert.Equal(t, int64(1), got.SuccessCount)
	assert.NotNil(t, got.LastUsedAt)
}

func TestGenerationService_NonStreamingWhenNoSink(t *testing.T) {
	client := &fakeClient{generateTxt: "respuesta completa"}
	gen, keys, _, _ := newTestGeneration(t, client)
	_, _ = keys.Add("generation-key-ns-01", "primary")

	result, err := gen.Generate(context.Background(), chatRequest("kaixo"), nil)
	assert.NoError(t, err)
	assert.False(t, result.Streamed)
	assert.Equal(t, 0, client.streamCalls)
	assert.Equal(t, 1, client.generateCalls)
}

func TestGenerationService_EmptyHistoryRejectedBeforeNetwork(t *testing.T) {
	client := &fakeClient{}
	gen, keys, _, _ := newTestGeneration(t, client)
	_, _ = keys.Add("generation-key-eh-01", "primary")

	_, err := gen.Generate(context.Background(), &domain.GenerationRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "   "}},
	}, nil)

	var genErr *GenerationError
	assert.ErrorAs(t, err, &genErr)
	assert.ErrorIs(t, err, ErrEmptyHistory)
	assert.Equal(t, domain.CategoryValidation, genErr.Classification.Category)
	assert.False(t, genErr.Fatal)

	// 任何网络调用都不得发生
	assert.Equal(t, 0, client.streamCalls)
	assert.Equal(t, 0, client.generateCalls)
}

func TestGenerationService_NoUsableKeyIsFatal(t *testing.T) {
	client := &fakeClient{}
	gen, keys, _, _ := newTestGeneration(t, client)

	a, _ := keys.Add("generation-key-fq-01", "A")
	b, _ := keys.Add("generation-key-fq-02", "B")
	assert.NoError(t, keys.MarkQuotaExceeded(a.ID, "quota exceeded"))
	assert.NoError(t, keys.MarkQuotaExceeded(b.ID, "quota exceeded"))

	_, err := gen.Generate(context.Background(), chatRequest("kaixo"), nil)

	var genErr *GenerationError
	assert.ErrorAs(t, err, &genErr)
	assert.True(t, genErr.Fatal)
	assert.Equal(t, domain.CategorySystem, genErr.Classification.Category)
	assert.Equal(t, domain.SeverityCritical, genErr.Classification.Severity)
	assert.ErrorIs(t, err, ErrNoUsableKey)

	assert.Equal(t, 0, client.streamCalls)
	assert.Equal(t, 0, client.generateCalls)
}

func TestGenerationService_StreamFallbackOnTransientFailure(t *testing.T) {
	client := &fakeClient{
		streamErr:   errors.New("dial tcp 10.0.0.1:443: connection reset by peer"),
		generateTxt: "respuesta por fallback",
	}
	gen, keys, _, _ := newTestGeneration(t, client)
	_, _ = keys.Add("generation-key-fb-01", "primary")

	result, err := gen.Generate(context.Background(), chatRequest("kaixo"), func(string) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, "respuesta por fallback", result.Text)
	assert.False(t, result.Streamed)
	assert.Equal(t, 1, client.streamCalls)
	assert.Equal(t, 1, client.generateCalls)
}

func TestGenerationService_NoFallbackOnAuthFailure(t *testing.T) {
	client := &fakeClient{streamErr: errors.New("authentication failed (401)")}
	gen, keys, _, store := newTestGeneration(t, client)
	key, _ := keys.Add("generation-key-af-01", "primary")
	_, _ = keys.Add("generation-key-af-02", "backup")

	_, err := gen.Generate(context.Background(), chatRequest("kaixo"), func(string) error { return nil })

	var genErr *GenerationError
	assert.ErrorAs(t, err, &genErr)
	assert.Equal(t, domain.CategoryAuth, genErr.Classification.Category)

	// 凭证类失败不做非流式回退
	assert.Equal(t, 1, client.streamCalls)
	assert.Equal(t, 0, client.generateCalls)

	// 凭证错误计数加一
	got, _ := store.GetKey(key.ID)
	assert.Equal(t, int64(1), got.ErrorCount)
}

func TestGenerationService_QuotaFailureMarksAndRotates(t *testing.T) {
	client := &fakeClient{generateErr: errors.New("rate limit exceeded (429)")}
	gen, keys, rotator, store := newTestGeneration(t, client)

	a, _ := keys.Add("generation-key-qr-01", "A")
	b, _ := keys.Add("generation-key-qr-02", "B")

	_, err := gen.Generate(context.Background(), chatRequest("kaixo"), nil)

	var genErr *GenerationError
	assert.ErrorAs(t, err, &genErr)
	assert.Equal(t, domain.CategoryQuota, genErr.Classification.Category)
	assert.False(t, genErr.Fatal)

	// A 被打上配额标记，轮换引擎随即指向 B
	got, _ := store.GetKey(a.ID)
	assert.True(t, got.QuotaExceeded)

	current, err := rotator.Current()
	assert.NoError(t, err)
	assert.Equal(t, b.ID, current.ID)
}

func TestGenerationService_NetworkFailureDoesNotBlameKey(t *testing.T) {
	client := &fakeClient{generateErr: errors.New("dial tcp: no such host")}
	gen, keys, _, store := newTestGeneration(t, client)
	key, _ := keys.Add("generation-key-nw-01", "primary")

	_, err := gen.Generate(context.Background(), chatRequest("kaixo"), nil)
	assert.Error(t, err)

	// 网络故障不归咎于凭证
	got, _ := store.GetKey(key.ID)
	assert.Equal(t, int64(0), got.ErrorCount)
	assert.False(t, got.QuotaExceeded)
	assert.True(t, got.IsActive)
}

func TestGenerationService_UnclassifiedFailureCountsAgainstKey(t *testing.T) {
	client := &fakeClient{generateErr: errors.New("API request failed with status 500: internal")}
	gen, keys, _, store := newTestGeneration(t, client)
	key, _ := keys.Add("generation-key-sy-01", "primary")

	_, err := gen.Generate(context.Background(), chatRequest("kaixo"), nil)
	assert.Error(t, err)

	got, _ := store.GetKey(key.ID)
	assert.Equal(t, int64(1), got.ErrorCount)
	assert.False(t, got.QuotaExceeded)
	assert.True(t, got.IsActive)
}

func TestGenerationService_FailureRecordedInErrorLog(t *testing.T) {
	client := &fakeClient{generateErr: errors.New("rate limit exceeded (429)")}
	gen, keys, _, _ := newTestGeneration(t, client)
	_, _ = keys.Add("generation-key-el-01", "A")
	_, _ = keys.Add("generation-key-el-02", "B")

	_, err := gen.Generate(context.Background(), chatRequest("kaixo"), nil)
	assert.Error(t, err)

	records, err := gen.errorLog.GetLog(0)
	assert.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, domain.CategoryQuota, records[0].Category)
}

package llm

import (
	"context"

	"txopito/backend/internal/domain"
)

// StreamSink 接收流式输出的回调；返回错误时中止流。
type StreamSink func(chunk string) error

// Client 上游生成式 API 客户端抽象。
// 密钥由调用方按次传入，以便在凭证池之间轮换。
type Client interface {
	// GenerateStream 流式调用，逐块写入 sink，返回累积文本。
	GenerateStream(ctx context.Context, apiKey string, req *domain.GenerationRequest, sink StreamSink) (string, error)
	// Generate 非流式调用，返回完整文本。
	Generate(ctx context.Context, apiKey string, req *domain.GenerationRequest) (string, error)
	// CheckKey 用最小代价验证密钥有效性（会消耗上游配额）。
	CheckKey(ctx context.Context, apiKey string) error
}

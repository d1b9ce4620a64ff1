package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"txopito/backend/internal/domain"
)

// ErrEmptyCompletion 上游返回了空文本
var ErrEmptyCompletion = errors.New("upstream returned empty completion")

// GeminiConfig Gemini 客户端配置
type GeminiConfig struct {
	BaseURL string        // 例如 https://generativelanguage.googleapis.com/v1beta
	Model   string        // 例如 gemini-2.0-flash
	Timeout time.Duration // 单次调用超时
}

// GeminiClient 直接调用生成式语言 REST API 的客户端。
// 密钥按请求注入 URL，因此同一个客户端可服务整个凭证池。
type GeminiClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	log        *zap.Logger
}

// NewGeminiClient 创建 Gemini 客户端
func NewGeminiClient(cfg GeminiConfig, log *zap.Logger) *GeminiClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &GeminiClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// ========== 上游报文结构 ==========

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	Error          *geminiError          `json:"error,omitempty"`
}

// buildRequest 将网关请求转换为上游报文
func (c *GeminiClient) buildRequest(req *domain.GenerationRequest) *geminiRequest {
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := string(m.Role)
		if role != "user" && role != "model" {
			role = "user"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	out := &geminiRequest{Contents: contents}

	if strings.TrimSpace(req.SystemInstruction) != "" {
		out.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.SystemInstruction}},
		}
	}

	p := req.Params
	if p.Temperature != nil || p.MaxOutputTokens > 0 || p.TopP != nil || p.TopK != nil {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     p.Temperature,
			MaxOutputTokens: p.MaxOutputTokens,
			TopP:            p.TopP,
			TopK:            p.TopK,
		}
	}
	return out
}

// Generate 非流式调用
func (c *GeminiClient) Generate(ctx context.Context, apiKey string, req *domain.GenerationRequest) (string, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, apiKey)

	jsonData, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", upstreamError(resp.StatusCode, body)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("blocked by safety policy: %s", parsed.PromptFeedback.BlockReason)
	}

	text := collectText(&parsed)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// GenerateStream 流式调用（SSE），逐块写入 sink，返回累积文本。
func (c *GeminiClient) GenerateStream(ctx context.Context, apiKey string, req *domain.GenerationRequest, sink StreamSink) (string, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, c.model, apiKey)

	jsonData, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", upstreamError(resp.StatusCode, body)
	}

	var accumulated strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return accumulated.String(), ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// 忽略无法解析的片段，上游偶尔插入心跳行
			continue
		}
		if chunk.Error != nil {
			return accumulated.String(), fmt.Errorf("API error: %s", chunk.Error.Message)
		}
		if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
			return accumulated.String(), fmt.Errorf("blocked by safety policy: %s", chunk.PromptFeedback.BlockReason)
		}
		for _, part := range candidateParts(&chunk) {
			if part == "" {
				continue
			}
			accumulated.WriteString(part)
			if sink != nil {
				if err := sink(part); err != nil {
					return accumulated.String(), fmt.Errorf("stream sink error: %w", err)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return accumulated.String(), fmt.Errorf("stream error: %w", err)
	}

	if strings.TrimSpace(accumulated.String()) == "" {
		return "", ErrEmptyCompletion
	}
	c.log.Debug("streaming completion finished",
		zap.String("model", c.model),
		zap.Int("chars", accumulated.Len()),
	)
	return accumulated.String(), nil
}

// CheckKey 请求模型列表端点验证密钥。
// 401/403 按认证失败返回，429 按配额返回，其余非 2xx 返回通用错误。
func (c *GeminiClient) CheckKey(ctx context.Context, apiKey string) error {
	url := fmt.Sprintf("%s/models?key=%s", c.baseURL, apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return upstreamError(resp.StatusCode, body)
}

// upstreamError 将非 200 状态转换为带上游详情的错误
func upstreamError(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))

	// 优先提取结构化错误消息
	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		detail = parsed.Error.Message
		if parsed.Error.Status != "" {
			detail = parsed.Error.Status + ": " + detail
		}
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("authentication failed (%d): %s", status, detail)
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limit exceeded (429): %s", detail)
	case http.StatusBadRequest:
		return fmt.Errorf("invalid request (400): %s", detail)
	default:
		return fmt.Errorf("API request failed with status %d: %s", status, detail)
	}
}

// collectText 汇总首个候选的全部文本片段
func collectText(resp *geminiResponse) string {
	var b strings.Builder
	for _, part := range candidateParts(resp) {
		b.WriteString(part)
	}
	return b.String()
}

// candidateParts 取首个候选的文本片段列表
func candidateParts(resp *geminiResponse) []string {
	if len(resp.Candidates) == 0 {
		return nil
	}
	parts := make([]string, 0, len(resp.Candidates[0].Content.Parts))
	for _, p := range resp.Candidates[0].Content.Parts {
		parts = append(parts, p.Text)
	}
	return parts
}

// 确保接口实现完整
var _ Client = (*GeminiClient)(nil)

package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"txopito/backend/internal/domain"
	"txopito/backend/internal/middleware"
	"txopito/backend/internal/monitoring"
	"txopito/backend/internal/service"
)

// ChatHandler 聊天生成接口。
type ChatHandler struct {
	generation *service.GenerationService
	metrics    *monitoring.Metrics
	log        *zap.Logger
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(generation *service.GenerationService, metrics *monitoring.Metrics, log *zap.Logger) *ChatHandler {
	return &ChatHandler{
		generation: generation,
		metrics:    metrics,
		log:        log.Named("chat"),
	}
}

type chatRequest struct {
	Messages          []domain.ChatMessage    `json:"messages" binding:"required"`
	SystemInstruction string                  `json:"systemInstruction"`
	Params            domain.GenerationParams `json:"params"`
	Stream            bool                    `json:"stream"`
}

// Generate 发起一次生成调用
// POST /api/chat
//
// stream=false 返回统一 JSON 响应；stream=true 以 SSE 推送增量，
// 每个数据帧形如 data: {"delta":"..."}，结束帧为 data: [DONE]。
func (h *ChatHandler) Generate(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	genReq := &domain.GenerationRequest{
		Messages:          req.Messages,
		SystemInstruction: req.SystemInstruction,
		Params:            req.Params,
	}

	if req.Stream {
		h.generateStream(c, genReq)
		return
	}
	h.generateJSON(c, genReq)
}

// generateJSON 非流式路径
func (h *ChatHandler) generateJSON(c *gin.Context, req *domain.GenerationRequest) {
	result, err := h.generation.Generate(c.Request.Context(), req, nil)
	if err != nil {
		h.renderError(c, err)
		return
	}

	h.recordOutcome("success", result)
	Success(c, gin.H{
		"text":     result.Text,
		"streamed": result.Streamed,
	})
}

// generateStream SSE 流式路径
func (h *ChatHandler) generateStream(c *gin.Context, req *domain.GenerationRequest) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		InternalError(c, "当前连接不支持流式输出")
		return
	}

	wroteChunk := false
	sink := func(chunk string) error {
		payload, err := json.Marshal(gin.H{"delta": chunk})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		wroteChunk = true
		return nil
	}

	result, err := h.generation.Generate(c.Request.Context(), req, sink)
	if err != nil {
		if !wroteChunk {
			// 还没写出任何增量，降级为普通 JSON 错误响应
			h.renderError(c, err)
			return
		}
		// 流中途失败：以 SSE 错误帧收尾，结束帧照常发出
		msg := h.presentError(c, err)
		payload, _ := json.Marshal(gin.H{"error": msg})
		fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	// 非流式回退的结果没有增量帧，整体补发一帧
	if !result.Streamed {
		payload, _ := json.Marshal(gin.H{"delta": result.Text})
		fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	}
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()

	h.recordOutcome("success", result)
	if h.metrics != nil && !result.Streamed {
		h.metrics.GenerationFallbacks.Inc()
	}
}

// renderError 把生成错误渲染为按角色分级的 JSON 响应。
func (h *ChatHandler) renderError(c *gin.Context, err error) {
	msg := h.presentError(c, err)

	var genErr *service.GenerationError
	if !errors.As(err, &genErr) {
		InternalError(c, msg)
		return
	}
	Error(c, httpStatusFor(genErr), msg)
}

// presentError 分类上报并按会话角色选择消息文案。
func (h *ChatHandler) presentError(c *gin.Context, err error) string {
	role := middleware.ViewerRoleFromContext(c)

	var genErr *service.GenerationError
	if errors.As(err, &genErr) {
		if h.metrics != nil {
			h.metrics.RecordError(genErr.Classification.Category, genErr.Classification.Severity)
			h.metrics.RecordGeneration("failure", 0)
		}
		return service.Present(genErr.Classification, role)
	}
	return service.Present(service.Classify(err.Error(), "chat request"), role)
}

// recordOutcome 上报生成结果指标
func (h *ChatHandler) recordOutcome(outcome string, result *domain.GenerationResult) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordGeneration(outcome, result.Elapsed)
}

// httpStatusFor 把故障类别映射为 HTTP 状态码。
func httpStatusFor(genErr *service.GenerationError) int {
	if genErr.Fatal {
		return http.StatusServiceUnavailable
	}
	switch genErr.Classification.Category {
	case domain.CategoryValidation:
		return http.StatusBadRequest
	case domain.CategoryQuota:
		return http.StatusTooManyRequests
	case domain.CategorySafety:
		return http.StatusUnprocessableEntity
	case domain.CategoryTimeout:
		return http.StatusGatewayTimeout
	case domain.CategoryAuth, domain.CategoryNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

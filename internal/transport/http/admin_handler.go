package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"txopito/backend/internal/health"
	"txopito/backend/internal/service"
)

// AdminHandler 观测性接口：事件日志、错误日志、系统状态与诊断。
type AdminHandler struct {
	events   *service.RotationEventService
	errorLog *service.ErrorLogService
	prober   *health.KeyProber
	log      *zap.Logger
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(events *service.RotationEventService, errorLog *service.ErrorLogService, prober *health.KeyProber, log *zap.Logger) *AdminHandler {
	return &AdminHandler{
		events:   events,
		errorLog: errorLog,
		prober:   prober,
		log:      log.Named("admin"),
	}
}

// Events 最近的轮换事件
// GET /api/admin/events?limit=50
func (h *AdminHandler) Events(c *gin.Context) {
	events, err := h.events.List(queryLimit(c, 50))
	if err != nil {
		InternalError(c, GetErrorMessage(err))
		return
	}
	Success(c, events)
}

// Errors 最近的分类错误
// GET /api/admin/errors?limit=50
func (h *AdminHandler) Errors(c *gin.Context) {
	records, err := h.errorLog.GetLog(queryLimit(c, 50))
	if err != nil {
		InternalError(c, GetErrorMessage(err))
		return
	}
	Success(c, records)
}

// ClearErrors 清空错误日志
// DELETE /api/admin/errors
func (h *AdminHandler) ClearErrors(c *gin.Context) {
	if err := h.errorLog.ClearLog(); err != nil {
		InternalError(c, GetErrorMessage(err))
		return
	}
	SuccessWithMsg(c, "错误日志已清空", nil)
}

// ErrorStats 错误日志统计
// GET /api/admin/errors/stats
func (h *AdminHandler) ErrorStats(c *gin.Context) {
	stats, err := h.errorLog.GetStats()
	if err != nil {
		InternalError(c, GetErrorMessage(err))
		return
	}
	Success(c, stats)
}

// Status 系统健康分档
// GET /api/admin/status
func (h *AdminHandler) Status(c *gin.Context) {
	status, count, err := h.errorLog.GetSystemStatus()
	if err != nil {
		InternalError(c, GetErrorMessage(err))
		return
	}
	Success(c, gin.H{
		"status":        status,
		"errorsLast24h": count,
	})
}

// Diagnostics 逐条探测全部凭证。会消耗上游配额，仅手动触发。
// POST /api/admin/diagnostics
func (h *AdminHandler) Diagnostics(c *gin.Context) {
	report, err := h.prober.RunDiagnostics(c.Request.Context())
	if err != nil {
		InternalError(c, GetErrorMessage(err))
		return
	}
	Success(c, report)
}

// queryLimit 解析 limit 查询参数
func queryLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return fallback
	}
	return limit
}

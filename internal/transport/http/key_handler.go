package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"txopito/backend/internal/service"
	"txopito/backend/internal/storage"
)

// KeyHandler 凭证池管理接口（仅特权会话）。
type KeyHandler struct {
	keys    *service.KeyStoreService
	rotator *service.RotationService
	log     *zap.Logger
}

// NewKeyHandler 创建凭证管理处理器
func NewKeyHandler(keys *service.KeyStoreService, rotator *service.RotationService, log *zap.Logger) *KeyHandler {
	return &KeyHandler{
		keys:    keys,
		rotator: rotator,
		log:     log.Named("keys"),
	}
}

// List 列出全部凭证（密钥已脱敏）
// GET /api/admin/keys
func (h *KeyHandler) List(c *gin.Context) {
	list, err := h.keys.ListAll()
	if err != nil {
		InternalError(c, GetErrorMessage(err))
		return
	}
	Success(c, list)
}

type addKeyRequest struct {
	Secret string `json:"secret" binding:"required"`
	Name   string `json:"name"`
}

// Add 新增凭证
// POST /api/admin/keys
func (h *KeyHandler) Add(c *gin.Context) {
	var req addKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	key, err := h.keys.Add(req.Secret, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDuplicateKey):
			Conflict(c, GetErrorMessage(err))
		case errors.Is(err, service.ErrEmptySecret):
			BadRequest(c, GetErrorMessage(err))
		default:
			InternalError(c, GetErrorMessage(err))
		}
		return
	}
	Created(c, key.ToSafe())
}

type addKeyBatchRequest struct {
	Secrets []string `json:"secrets" binding:"required"`
}

// AddBatch 批量新增凭证，重复项静默跳过
// POST /api/admin/keys/batch
func (h *KeyHandler) AddBatch(c *gin.Context) {
	var req addKeyBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	added, err := h.keys.AddBatch(req.Secrets)
	if err != nil {
		InternalError(c, GetErrorMessage(err))
		return
	}
	SuccessWithMsg(c, "批量添加完成", gin.H{
		"added":   added,
		"skipped": len(req.Secrets) - added,
	})
}

// Remove 删除凭证
// DELETE /api/admin/keys/:id
func (h *KeyHandler) Remove(c *gin.Context) {
	err := h.keys.Remove(c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSoleUsableKey):
			Conflict(c, GetErrorMessage(err))
		case errors.Is(err, storage.ErrKeyNotFound):
			NotFound(c, GetErrorMessage(err))
		default:
			InternalError(c, GetErrorMessage(err))
		}
		return
	}
	SuccessWithMsg(c, "删除成功", nil)
}

// Reactivate 重新启用凭证
// PUT /api/admin/keys/:id/reactivate
func (h *KeyHandler) Reactivate(c *gin.Context) {
	err := h.keys.Reactivate(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, GetErrorMessage(err))
		return
	}
	SuccessWithMsg(c, "已重新启用", nil)
}

// Rotate 手动推进轮换
// POST /api/admin/keys/rotate
func (h *KeyHandler) Rotate(c *gin.Context) {
	rotated, err := h.rotator.RotateNext()
	if err != nil {
		InternalError(c, GetErrorMessage(err))
		return
	}
	if !rotated {
		Conflict(c, GetErrorMessage(service.ErrNoUsableKey))
		return
	}

	current, err := h.rotator.Current()
	if err != nil {
		InternalError(c, GetErrorMessage(err))
		return
	}
	SuccessWithMsg(c, "轮换完成", gin.H{
		"currentKeyId":   current.ID,
		"currentKeyName": current.Name,
	})
}

// Cleanup 清理长期失效的凭证
// POST /api/admin/keys/cleanup
func (h *KeyHandler) Cleanup(c *gin.Context) {
	removed, err := h.keys.CleanupInvalid()
	if err != nil {
		InternalError(c, GetErrorMessage(err))
		return
	}
	SuccessWithMsg(c, "清理完成", gin.H{"removed": removed})
}

// Stats 凭证池统计
// GET /api/admin/keys/stats
func (h *KeyHandler) Stats(c *gin.Context) {
	stats, err := h.keys.Stats()
	if err != nil {
		InternalError(c, GetErrorMessage(err))
		return
	}
	Success(c, stats)
}

package httptransport

import (
	"errors"

	"txopito/backend/internal/auth"
	"txopito/backend/internal/service"
	"txopito/backend/internal/storage"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = []struct {
	err error
	msg string
}{
	// 凭证池错误
	{service.ErrEmptySecret, "密钥不能为空"},
	{service.ErrDuplicateKey, "该密钥已存在"},
	{service.ErrSoleUsableKey, "不能删除最后一条可用密钥"},
	{storage.ErrKeyNotFound, "密钥不存在"},

	// 轮换错误
	{service.ErrNoUsableKey, "没有可用的密钥"},

	// 认证错误
	{auth.ErrInvalidCredentials, "用户名或密码错误"},
	{auth.ErrNotConfigured, "管理员账户未配置"},
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for _, entry := range errorMessages {
		if errors.Is(err, entry.err) {
			return entry.msg
		}
	}
	return err.Error()
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInvalidJSON    = "JSON格式错误"
)

package domain

import (
	"strings"
	"time"
)

// ChatRole 对话消息角色
type ChatRole string

const (
	RoleUser  ChatRole = "user"
	RoleModel ChatRole = "model" // 上游用 "model" 表示助手回复
)

// ChatMessage 一条带角色标签的对话消息
type ChatMessage struct {
	Role    ChatRole `json:"role" binding:"required"`
	Content string   `json:"content" binding:"required"`
}

// GenerationParams 生成参数，零值字段不下发给上游。
type GenerationParams struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
}

// GenerationRequest 一次生成调用的完整输入
type GenerationRequest struct {
	Messages          []ChatMessage    `json:"messages"`
	SystemInstruction string           `json:"systemInstruction,omitempty"`
	Params            GenerationParams `json:"params"`
}

// IsEmpty 判断消息历史是否为空（全部为空白内容也视为空）
func (r *GenerationRequest) IsEmpty() bool {
	for _, m := range r.Messages {
		if strings.TrimSpace(m.Content) != "" {
			return false
		}
	}
	return true
}

// GenerationResult 一次成功生成的结果
type GenerationResult struct {
	Text     string        `json:"text"`
	KeyID    string        `json:"keyId"`
	Streamed bool          `json:"streamed"` // false 表示走了非流式回退
	Elapsed  time.Duration `json:"-"`
}

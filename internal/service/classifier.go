package service

import (
	"fmt"
	"strings"

	"txopito/backend/internal/domain"
)

// classificationRule 一条分类规则：命中任一子串即归入该类别。
type classificationRule struct {
	category   domain.ErrorCategory
	severity   domain.ErrorSeverity
	needles    []string
	userFacing string
}

// classificationRules 按优先级排列的分类规则表。
//
// 匹配为大小写不敏感的子串匹配，自上而下取第一条命中。
// 超时规则必须排在网络规则之前："dial tcp: i/o timeout" 这类
// 错误串同时包含两类关键词，应归入 timeout。
var classificationRules = []classificationRule{
	{
		category: domain.CategoryAuth,
		severity: domain.SeverityCritical,
		needles: []string{
			"api key not valid", "api_key_invalid", "invalid api key",
			"unauthorized", "authentication failed", "permission denied",
			"401", "403", "expired credential",
		},
		userFacing: "服务暂时不可用，请稍后重试",
	},
	{
		category: domain.CategoryQuota,
		severity: domain.SeverityMedium,
		needles: []string{
			"quota", "rate limit", "resource_exhausted",
			"too many requests", "429",
		},
		userFacing: "当前请求较多，请稍后重试",
	},
	{
		category: domain.CategoryTimeout,
		severity: domain.SeverityMedium,
		needles: []string{
			"timeout", "timed out", "deadline exceeded",
		},
		userFacing: "请求超时，请重试",
	},
	{
		category: domain.CategoryNetwork,
		severity: domain.SeverityMedium,
		needles: []string{
			"network", "connection refused", "connection reset",
			"no such host", "dial tcp", "unreachable", "failed to fetch",
			"unexpected eof",
		},
		userFacing: "网络连接失败，请检查网络后重试",
	},
	{
		category: domain.CategorySafety,
		severity: domain.SeverityLow,
		needles: []string{
			"safety", "blocked", "content policy", "prohibited_content",
			"recitation",
		},
		userFacing: "该内容无法生成回复，请换个说法",
	},
	{
		category: domain.CategoryValidation,
		severity: domain.SeverityMedium,
		needles: []string{
			"invalid request", "bad request", "400", "malformed",
			"invalid argument", "empty message history",
		},
		userFacing: "请求内容无效，请修改后重试",
	},
}

// noUsableKeyNeedle 无可用凭证的致命配置错误，单独识别并提升严重度。
const noUsableKeyNeedle = "no usable key"

const (
	// defaultUserMessage 兜底的用户侧提示，不暴露任何技术细节。
	defaultUserMessage = "出现了一点问题，请稍后重试"
	// noUsableKeyUserMessage 无可用凭证时的用户侧提示。
	noUsableKeyUserMessage = "服务暂时不可用，请联系管理员"
)

// Classify 把一条原始错误信息分类为双面消息。
//
// 分类是纯函数：相同输入永远得到相同的类别与严重度，
// 匹配对大小写不敏感。context 为可选的调用场景描述。
func Classify(raw string, context string) domain.Classification {
	lowered := strings.ToLower(raw)

	category := domain.CategorySystem
	severity := domain.SeverityMedium
	userMessage := defaultUserMessage

	if strings.Contains(lowered, noUsableKeyNeedle) {
		category = domain.CategorySystem
		severity = domain.SeverityCritical
		userMessage = noUsableKeyUserMessage
	} else {
		for _, rule := range classificationRules {
			if matchAny(lowered, rule.needles) {
				category = rule.category
				severity = rule.severity
				userMessage = rule.userFacing
				break
			}
		}
	}

	return domain.Classification{
		Category:     category,
		Severity:     severity,
		RawMessage:   raw,
		UserMessage:  userMessage,
		AdminMessage: fmt.Sprintf("[%s/%s] %s", category, severity, raw),
		Context:      context,
	}
}

// Present 按会话角色选择展示消息：
// 普通用户只见友好提示，特权会话（admin/creator）可见技术细节。
func Present(c domain.Classification, role domain.ViewerRole) string {
	if role.Privileged() {
		return c.AdminMessage
	}
	return c.UserMessage
}

func matchAny(lowered string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(lowered, n) {
			return true
		}
	}
	return false
}

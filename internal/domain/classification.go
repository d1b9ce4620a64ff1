package domain

import "time"

// ErrorCategory 故障分类
type ErrorCategory string

const (
	CategoryAuth       ErrorCategory = "auth"       // 凭证无效或过期
	CategoryQuota      ErrorCategory = "quota"      // 限流或配额耗尽
	CategoryNetwork    ErrorCategory = "network"    // 网络连接失败
	CategoryTimeout    ErrorCategory = "timeout"    // 请求超时
	CategoryValidation ErrorCategory = "validation" // 请求格式非法
	CategorySafety     ErrorCategory = "safety"     // 内容安全策略拒绝
	CategorySystem     ErrorCategory = "system"     // 未分类或配置故障（如无可用凭证）
)

// ErrorSeverity 故障严重度
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// Classification 对一条原始错误信息的分类结果。
// UserMessage 面向普通用户，永远不含技术细节；
// AdminMessage 面向管理员会话，包含分类与原始描述。
type Classification struct {
	Category     ErrorCategory `json:"category"`
	Severity     ErrorSeverity `json:"severity"`
	RawMessage   string        `json:"rawMessage"`
	UserMessage  string        `json:"userMessage"`
	AdminMessage string        `json:"adminMessage"`
	Context      string        `json:"context,omitempty"`
}

// ErrorRecord 错误日志条目（分类结果的持久化形式）
type ErrorRecord struct {
	ID           string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Category     ErrorCategory `json:"category" gorm:"type:varchar(32);index"`
	Severity     ErrorSeverity `json:"severity" gorm:"type:varchar(16);index"`
	RawMessage   string        `json:"rawMessage" gorm:"type:varchar(1024)"`
	UserMessage  string        `json:"userMessage" gorm:"type:varchar(255)"`
	AdminMessage string        `json:"adminMessage" gorm:"type:varchar(1024)"`
	Context      string        `json:"context,omitempty" gorm:"type:varchar(255)"`
	CreatedAt    time.Time     `json:"createdAt" gorm:"index"`
}

// TableName 指定表名
func (ErrorRecord) TableName() string {
	return "error_log"
}

// ErrorLogStats 错误日志统计
type ErrorLogStats struct {
	Total      int                   `json:"total"`
	ByCategory map[ErrorCategory]int `json:"byCategory"`
	BySeverity map[ErrorSeverity]int `json:"bySeverity"`
	Last24h    int                   `json:"last24h"`
}

// SystemStatus 系统健康分级，按最近 24 小时的错误数量分档。
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusWarning  SystemStatus = "warning"
	StatusCritical SystemStatus = "critical"
)

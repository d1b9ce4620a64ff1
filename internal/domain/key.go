package domain

import (
	"strings"
	"time"
)

// KeyRecord 上游凭证记录实体
//
// 每条记录对应一个生成式 API 的密钥，以及它的健康与使用簿记。
type KeyRecord struct {
	ID            string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Secret        string     `json:"-" gorm:"column:secret;type:varchar(255);uniqueIndex;not null"` // 原始密钥，对外永不暴露
	Name          string     `json:"name" gorm:"type:varchar(100)"`                                 // 人类可读标签
	Position      int64      `json:"position" gorm:"autoIncrement;index"`                           // 插入顺序，轮换按此排序
	IsActive      bool       `json:"isActive"`                                                      // false 表示管理员禁用或连续失败自动禁用
	QuotaExceeded bool       `json:"quotaExceeded"`                                                 // true 表示上游配额受限，暂不可用
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`                                          // 最近一次成功调用时间
	SuccessCount  int64      `json:"successCount"`
	ErrorCount    int64      `json:"errorCount"`
	LastError     string     `json:"lastError,omitempty" gorm:"type:varchar(512)"` // 最近一次失败描述
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// TableName 指定表名
func (KeyRecord) TableName() string {
	return "upstream_keys"
}

// IsUsable 判断凭证当前是否可被轮换引擎选中
func (k *KeyRecord) IsUsable() bool {
	return k.IsActive && !k.QuotaExceeded
}

// MaskedSecret 返回脱敏后的密钥：保留前4位和后4位，中间以 * 替换。
// 过短的密钥整体替换，避免泄露任何内容。
func (k *KeyRecord) MaskedSecret() string {
	return MaskSecret(k.Secret)
}

// MaskSecret 对任意密钥字符串脱敏
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

// KeyRecordSafe 面向管理端的凭证视图，密钥已脱敏。
type KeyRecordSafe struct {
	ID            string     `json:"id"`
	MaskedSecret  string     `json:"maskedSecret"`
	Name          string     `json:"name"`
	IsActive      bool       `json:"isActive"`
	QuotaExceeded bool       `json:"quotaExceeded"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	SuccessCount  int64      `json:"successCount"`
	ErrorCount    int64      `json:"errorCount"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// ToSafe 转换为脱敏视图
func (k *KeyRecord) ToSafe() KeyRecordSafe {
	return KeyRecordSafe{
		ID:            k.ID,
		MaskedSecret:  k.MaskedSecret(),
		Name:          k.Name,
		IsActive:      k.IsActive,
		QuotaExceeded: k.QuotaExceeded,
		LastUsedAt:    k.LastUsedAt,
		SuccessCount:  k.SuccessCount,
		ErrorCount:    k.ErrorCount,
		LastError:     k.LastError,
		CreatedAt:     k.CreatedAt,
		UpdatedAt:     k.UpdatedAt,
	}
}

// RotationState 轮换状态单例：当前指向有序凭证列表的下标。
type RotationState struct {
	ID             uint       `json:"-" gorm:"primaryKey"` // 固定为 1 的单行
	CurrentIndex   int        `json:"currentIndex"`
	LastRotationAt *time.Time `json:"lastRotationAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// TableName 指定表名
func (RotationState) TableName() string {
	return "rotation_state"
}

// KeyPoolStats 凭证池统计信息
type KeyPoolStats struct {
	TotalKeys         int        `json:"totalKeys"`
	ActiveKeys        int        `json:"activeKeys"`        // 可用：IsActive 且未超配额
	QuotaExceededKeys int        `json:"quotaExceededKeys"`
	CurrentKeyID      string     `json:"currentKeyId,omitempty"`
	LastRotationAt    *time.Time `json:"lastRotationAt,omitempty"`
}

package domain

import "time"

// RotationEventType 轮换事件类型
type RotationEventType string

const (
	// EventRotation 当前凭证切换到另一条可用凭证
	EventRotation RotationEventType = "rotation"
	// EventQuotaExceeded 凭证被上游标记为配额超限
	EventQuotaExceeded RotationEventType = "quota_exceeded"
	// EventKeyFailed 凭证一次使用失败（含自动禁用）
	EventKeyFailed RotationEventType = "key_failed"
	// EventKeyAdded 管理员新增凭证
	EventKeyAdded RotationEventType = "key_added"
	// EventKeyRemoved 管理员删除凭证
	EventKeyRemoved RotationEventType = "key_removed"
)

// RotationEvent 只追加的轮换事件日志条目，仅用于观测。
// 日志按固定数量与时长上限裁剪。
type RotationEvent struct {
	ID        string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Type      RotationEventType `json:"type" gorm:"type:varchar(32);index"`
	KeyID     string            `json:"keyId" gorm:"type:varchar(36);index"`
	KeyName   string            `json:"keyName" gorm:"type:varchar(100)"`
	Details   string            `json:"details,omitempty" gorm:"type:varchar(512)"`
	CreatedAt time.Time         `json:"createdAt" gorm:"index"`
}

// TableName 指定表名
func (RotationEvent) TableName() string {
	return "rotation_events"
}

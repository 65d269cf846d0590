package domain

import (
	"encoding/json"
	"time"
)

// SendLogPhase 审计日志阶段
type SendLogPhase string

const (
	SendLogAttempt SendLogPhase = "attempt"
	SendLogSuccess SendLogPhase = "success"
	SendLogError   SendLogPhase = "error"
	// SendLogSkipped 认领失败（其他投递者已持有），静默跳过
	SendLogSkipped SendLogPhase = "skipped"
)

// SendLogEntry 轮询器写入的只追加审计日志
type SendLogEntry struct {
	ID        string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	FileID    string       `json:"fileId" gorm:"type:varchar(36);index;not null"`
	Status    SendLogPhase `json:"status" gorm:"type:varchar(16);not null"`
	Details   string       `json:"details" gorm:"type:text"` // JSON 文本
	Timestamp time.Time    `json:"timestamp" gorm:"index;not null"`
}

// TableName 指定表名
func (SendLogEntry) TableName() string {
	return "send_logs"
}

// NewSendLogEntry 构造审计日志，details 会被编码为 JSON
func NewSendLogEntry(id, fileID string, phase SendLogPhase, details interface{}, at time.Time) *SendLogEntry {
	raw := "{}"
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			raw = string(data)
		}
	}
	return &SendLogEntry{
		ID:        id,
		FileID:    fileID,
		Status:    phase,
		Details:   raw,
		Timestamp: at,
	}
}

// DetailMap 将详情解码为 map，解码失败返回 nil
func (e *SendLogEntry) DetailMap() map[string]interface{} {
	if len(e.Details) == 0 {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(e.Details), &out); err != nil {
		return nil
	}
	return out
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// FileStatus 定时文件的投递状态
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"    // 等待投递
	FileStatusProcessing FileStatus = "processing" // 已被某个投递者认领
	FileStatusSent       FileStatus = "sent"       // 已投递（终态）
	FileStatusFailed     FileStatus = "failed"     // 投递失败（终态）
)

// validTransitions 状态转换矩阵
//
// pending -> sent 仅用于访问链接被打开时的旁路转换。
var validTransitions = map[FileStatus][]FileStatus{
	FileStatusPending:    {FileStatusProcessing, FileStatusSent},
	FileStatusProcessing: {FileStatusSent, FileStatusFailed},
	FileStatusSent:       {},
	FileStatusFailed:     {},
}

// AllFileStatuses 返回全部合法状态
func AllFileStatuses() []FileStatus {
	return []FileStatus{FileStatusPending, FileStatusProcessing, FileStatusSent, FileStatusFailed}
}

// ParseFileStatus 解析状态字符串
func ParseFileStatus(value string) (FileStatus, error) {
	status := FileStatus(strings.ToLower(strings.TrimSpace(value)))
	if !status.IsValid() {
		return "", fmt.Errorf("unknown file status %q", value)
	}
	return status, nil
}

// IsValid 判断是否为已知状态
func (s FileStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal 判断是否为终态
func (s FileStatus) IsTerminal() bool {
	switch s {
	case FileStatusSent, FileStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo 判断是否允许从当前状态转换到目标状态
func (s FileStatus) CanTransitionTo(target FileStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// CheckTransition 校验状态转换，不合法时返回 ErrInvalidTransition
func CheckTransition(from, to FileStatus) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ScheduledFile 定时投递的文件记录
type ScheduledFile struct {
	ID             string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID         string     `json:"userId" gorm:"type:varchar(36);index;not null"`
	FileName       string     `json:"fileName" gorm:"type:varchar(255);not null"`
	FileSize       int64      `json:"fileSize" gorm:"not null;default:0"`
	FileType       string     `json:"fileType" gorm:"type:varchar(255)"`
	StoragePath    string     `json:"storagePath" gorm:"type:varchar(500);not null"`
	RecipientEmail string     `json:"recipientEmail" gorm:"type:varchar(254);not null"`
	ScheduledDate  time.Time  `json:"scheduledDate" gorm:"index:idx_status_scheduled,priority:2;not null"`
	Status         FileStatus `json:"status" gorm:"type:varchar(16);index:idx_status_scheduled,priority:1;not null;default:pending"`
	AccessToken    string     `json:"accessToken" gorm:"type:varchar(64);uniqueIndex;not null"`
	ClaimToken     string     `json:"-" gorm:"type:varchar(64)"`
	ClaimedAt      *time.Time `json:"-"`
	ErrorMessage   string     `json:"errorMessage,omitempty" gorm:"type:text"`
	EmailID        string     `json:"emailId,omitempty" gorm:"type:varchar(255)"`
	SentAt         *time.Time `json:"sentAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt" gorm:"index"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// TableName 指定表名
func (ScheduledFile) TableName() string {
	return "scheduled_files"
}

// IsDue 判断文件在给定时间是否已到期
func (f *ScheduledFile) IsDue(now time.Time) bool {
	return !f.ScheduledDate.After(now)
}

// IsDuePending 判断文件是否处于待投递且已到期
func (f *ScheduledFile) IsDuePending(now time.Time) bool {
	return f.Status == FileStatusPending && f.IsDue(now)
}

// Clone 返回记录的深拷贝
func (f *ScheduledFile) Clone() *ScheduledFile {
	if f == nil {
		return nil
	}
	cp := *f
	if f.SentAt != nil {
		t := *f.SentAt
		cp.SentAt = &t
	}
	if f.ClaimedAt != nil {
		t := *f.ClaimedAt
		cp.ClaimedAt = &t
	}
	return &cp
}

// StatusUpdate 一次条件状态更新
//
// 仅当记录当前状态等于 From 时才会生效；From 为 processing 时还要求
// ClaimToken 与记录上的认领令牌一致。
type StatusUpdate struct {
	ID           string
	From         FileStatus
	To           FileStatus
	ClaimToken   string     // 认领令牌（To=processing 时写入，From=processing 时校验）
	DueBy        *time.Time // 非空时额外要求 scheduled_date <= DueBy
	SentAt       *time.Time
	EmailID      string
	ErrorMessage string
	At           time.Time // 更新时间
}

// Validate 校验更新是否符合状态机
func (u StatusUpdate) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("status update requires a file id")
	}
	if err := CheckTransition(u.From, u.To); err != nil {
		return err
	}
	if u.To == FileStatusProcessing && u.ClaimToken == "" {
		return fmt.Errorf("claiming a file requires a claim token")
	}
	return nil
}

// Apply 将更新应用到记录上（调用方需已确认条件成立）
func (u StatusUpdate) Apply(f *ScheduledFile) {
	f.Status = u.To
	f.UpdatedAt = u.At
	switch u.To {
	case FileStatusProcessing:
		f.ClaimToken = u.ClaimToken
		at := u.At
		f.ClaimedAt = &at
	case FileStatusSent:
		f.SentAt = u.SentAt
		if u.EmailID != "" {
			f.EmailID = u.EmailID
		}
		f.ErrorMessage = ""
	case FileStatusFailed:
		f.ErrorMessage = u.ErrorMessage
	}
}

// Matches 判断记录是否满足更新条件
func (u StatusUpdate) Matches(f *ScheduledFile) bool {
	if f.Status != u.From {
		return false
	}
	if u.From == FileStatusProcessing && u.ClaimToken != "" && f.ClaimToken != u.ClaimToken {
		return false
	}
	if u.DueBy != nil && f.ScheduledDate.After(*u.DueBy) {
		return false
	}
	return true
}

// FileFilter 文件列表过滤条件
type FileFilter struct {
	Status *FileStatus // 按状态过滤
	Search string      // 按文件名或收件人模糊匹配
}

// Matches 判断记录是否满足过滤条件
func (ff FileFilter) Matches(f *ScheduledFile) bool {
	if ff.Status != nil && f.Status != *ff.Status {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(ff.Search)); q != "" {
		if !strings.Contains(strings.ToLower(f.FileName), q) &&
			!strings.Contains(strings.ToLower(f.RecipientEmail), q) {
			return false
		}
	}
	return true
}

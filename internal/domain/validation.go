package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// 验证相关的错误定义
var (
	ErrRecipientRequired = errors.New("recipient email is required")
	ErrInvalidEmail      = errors.New("invalid email format")
	ErrEmailTooLong      = errors.New("email address too long")
	ErrFileRequired      = errors.New("file is required")
	ErrFileTooLarge      = errors.New("file exceeds the maximum upload size")
	ErrFileNameRequired  = errors.New("file name is required")
	ErrFileNameTooLong   = errors.New("file name too long")
	ErrScheduleRequired  = errors.New("scheduled date is required")
)

const (
	// MaxEmailLength RFC 5322 邮箱地址最大长度
	MaxEmailLength = 254
	// MaxFileNameLength 文件名最大长度
	MaxFileNameLength = 255
	// DefaultMaxUploadSize 默认上传上限 10MB
	DefaultMaxUploadSize int64 = 10 * 1024 * 1024
)

var recipientRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeEmail 去除空白并转为小写
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateRecipient 校验收件人邮箱
func ValidateRecipient(email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return ErrRecipientRequired
	}
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}
	if !recipientRegex.MatchString(email) {
		return ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}
	return nil
}

// ScheduleInput 创建定时文件时的用户输入
type ScheduleInput struct {
	FileName       string
	FileSize       int64
	FileType       string
	RecipientEmail string
	ScheduledDate  time.Time
}

// Validate 校验输入，maxSize <= 0 时使用默认上限
func (in ScheduleInput) Validate(maxSize int64) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	if strings.TrimSpace(in.FileName) == "" {
		return NewError(KindValidation, "validate", ErrFileNameRequired)
	}
	if len(in.FileName) > MaxFileNameLength {
		return NewError(KindValidation, "validate", ErrFileNameTooLong)
	}
	if in.FileSize <= 0 {
		return NewError(KindValidation, "validate", ErrFileRequired)
	}
	if in.FileSize > maxSize {
		return NewError(KindValidation, "validate", ErrFileTooLarge)
	}
	if err := ValidateRecipient(in.RecipientEmail); err != nil {
		return NewError(KindValidation, "validate", err)
	}
	if in.ScheduledDate.IsZero() {
		return NewError(KindValidation, "validate", ErrScheduleRequired)
	}
	return nil
}

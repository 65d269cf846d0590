package storage

import (
	"context"
	"errors"
	"time"

	"timecapsule/backend/internal/domain"
)

var (
	// ErrFileNotFound 文件记录不存在
	ErrFileNotFound = errors.New("scheduled file not found")
	// ErrFileExists 文件记录已存在（ID 或访问令牌重复）
	ErrFileExists = errors.New("scheduled file already exists")
	// ErrFileNotPending 记录已离开 pending 状态，不可再编辑
	ErrFileNotPending = errors.New("scheduled file is no longer pending")
)

// FileRepository 定义定时文件记录的存取操作。
//
// 所有状态变更都通过 UpdateStatus 的条件更新完成，返回值表示是否有行被更新。
type FileRepository interface {
	CreateFile(ctx context.Context, file *domain.ScheduledFile) error
	GetFile(ctx context.Context, id string) (*domain.ScheduledFile, error)
	GetFileByToken(ctx context.Context, accessToken string) (*domain.ScheduledFile, error)
	ListFilesByUser(ctx context.Context, userID string, filter domain.FileFilter) ([]domain.ScheduledFile, error)
	ListDueFiles(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledFile, error)
	ListStaleClaims(ctx context.Context, claimedBefore time.Time) ([]domain.ScheduledFile, error)
	UpdateSchedule(ctx context.Context, id, recipient string, scheduledDate time.Time, at time.Time) (*domain.ScheduledFile, error)
	UpdateStatus(ctx context.Context, update domain.StatusUpdate) (bool, error)
	DeleteFile(ctx context.Context, id string) error
}

// SendLogRepository 定义审计日志操作（只追加）。
type SendLogRepository interface {
	AppendSendLog(ctx context.Context, entry *domain.SendLogEntry) error
	ListSendLogs(ctx context.Context, fileID string) ([]domain.SendLogEntry, error)
}

// Store 聚合所有存储接口
type Store interface {
	FileRepository
	SendLogRepository
	Close() error
	Health() error
}

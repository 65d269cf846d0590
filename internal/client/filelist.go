package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"timecapsule/backend/internal/domain"
)

// Lister 拉取当前用户的文件列表
type Lister interface {
	ListFiles(ctx context.Context, status domain.FileStatus, search string) ([]domain.ScheduledFile, error)
}

// FileList 当前用户文件列表的本地缓存
type FileList struct {
	mu        sync.RWMutex
	files     []domain.ScheduledFile
	fetchedAt time.Time
	userID    string
	lister    Lister
	log       *zap.Logger
}

// NewFileList 创建文件列表缓存，userID 为空表示未登录
func NewFileList(lister Lister, userID string, log *zap.Logger) *FileList {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileList{lister: lister, userID: userID, log: log}
}

// UserID 当前用户
func (l *FileList) UserID() string {
	return l.userID
}

// Snapshot 返回缓存内容的副本
func (l *FileList) Snapshot() []domain.ScheduledFile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.ScheduledFile(nil), l.files...)
}

// FetchedAt 最近一次成功拉取的时间
func (l *FileList) FetchedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fetchedAt
}

// Refetch 重新拉取列表
func (l *FileList) Refetch(ctx context.Context) error {
	if l.userID == "" {
		return nil
	}
	files, err := l.lister.ListFiles(ctx, "", "")
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.files = files
	l.fetchedAt = time.Now()
	l.mu.Unlock()
	l.log.Debug("file list refreshed", zap.Int("count", len(files)))
	return nil
}

// Run 先拉取一次，之后每收到刷新事件重新拉取，直到 ctx 结束
func (l *FileList) Run(ctx context.Context, refresh *Refresher) error {
	events := refresh.Subscribe(ctx)
	if err := l.Refetch(ctx); err != nil && ctx.Err() == nil {
		l.log.Warn("initial file list fetch failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				return nil
			}
			if err := l.Refetch(ctx); err != nil && ctx.Err() == nil {
				l.log.Warn("file list refresh failed", zap.Error(err))
			}
		}
	}
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/storage"
)

// Store 使用内存保存定时文件与审计日志，主要用于开发验证和测试。
type Store struct {
	mu      sync.RWMutex
	files   map[string]*domain.ScheduledFile // fileID -> file
	byToken map[string]string                // accessToken -> fileID
	logs    map[string][]domain.SendLogEntry // fileID -> entries
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		files:   make(map[string]*domain.ScheduledFile),
		byToken: make(map[string]string),
		logs:    make(map[string][]domain.SendLogEntry),
	}
}

// CreateFile 保存新的定时文件记录。
func (s *Store) CreateFile(_ context.Context, file *domain.ScheduledFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[file.ID]; exists {
		return storage.ErrFileExists
	}
	if _, exists := s.byToken[file.AccessToken]; exists {
		return storage.ErrFileExists
	}

	s.files[file.ID] = file.Clone()
	s.byToken[file.AccessToken] = file.ID
	return nil
}

// GetFile 根据 ID 获取记录。
func (s *Store) GetFile(_ context.Context, id string) (*domain.ScheduledFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, ok := s.files[id]
	if !ok {
		return nil, storage.ErrFileNotFound
	}
	return file.Clone(), nil
}

// GetFileByToken 根据访问令牌获取记录。
func (s *Store) GetFileByToken(_ context.Context, accessToken string) (*domain.ScheduledFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[accessToken]
	if !ok {
		return nil, storage.ErrFileNotFound
	}
	return s.files[id].Clone(), nil
}

// ListFilesByUser 返回用户的记录，按创建时间倒序。
func (s *Store) ListFilesByUser(_ context.Context, userID string, filter domain.FileFilter) ([]domain.ScheduledFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ScheduledFile, 0)
	for _, file := range s.files {
		if file.UserID != userID || !filter.Matches(file) {
			continue
		}
		out = append(out, *file.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListDueFiles 返回已到期的 pending 记录，按计划时间升序。
func (s *Store) ListDueFiles(_ context.Context, now time.Time, limit int) ([]domain.ScheduledFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ScheduledFile, 0)
	for _, file := range s.files {
		if file.IsDuePending(now) {
			out = append(out, *file.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledDate.Before(out[j].ScheduledDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStaleClaims 返回认领时间早于 claimedBefore 的 processing 记录。
func (s *Store) ListStaleClaims(_ context.Context, claimedBefore time.Time) ([]domain.ScheduledFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ScheduledFile, 0)
	for _, file := range s.files {
		if file.Status != domain.FileStatusProcessing {
			continue
		}
		if file.ClaimedAt == nil || file.ClaimedAt.Before(claimedBefore) {
			out = append(out, *file.Clone())
		}
	}
	return out, nil
}

// UpdateSchedule 修改收件人和计划时间，仅 pending 记录可修改。
func (s *Store) UpdateSchedule(_ context.Context, id, recipient string, scheduledDate time.Time, at time.Time) (*domain.ScheduledFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[id]
	if !ok {
		return nil, storage.ErrFileNotFound
	}
	if file.Status != domain.FileStatusPending {
		return nil, storage.ErrFileNotPending
	}

	file.RecipientEmail = recipient
	file.ScheduledDate = scheduledDate
	file.UpdatedAt = at
	return file.Clone(), nil
}

// UpdateStatus 执行条件状态更新（比较并交换）。
func (s *Store) UpdateStatus(_ context.Context, update domain.StatusUpdate) (bool, error) {
	if err := update.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[update.ID]
	if !ok || !update.Matches(file) {
		return false, nil
	}

	update.Apply(file)
	return true, nil
}

// DeleteFile 删除记录。
func (s *Store) DeleteFile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, ok := s.files[id]
	if !ok {
		return storage.ErrFileNotFound
	}
	delete(s.byToken, file.AccessToken)
	delete(s.files, id)
	return nil
}

// AppendSendLog 追加审计日志。
func (s *Store) AppendSendLog(_ context.Context, entry *domain.SendLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[entry.FileID] = append(s.logs[entry.FileID], *entry)
	return nil
}

// ListSendLogs 按写入顺序返回文件的审计日志。
func (s *Store) ListSendLogs(_ context.Context, fileID string) ([]domain.SendLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.logs[fileID]
	out := make([]domain.SendLogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// Close 内存存储无需关闭。
func (s *Store) Close() error {
	return nil
}

// Health 内存存储始终健康。
func (s *Store) Health() error {
	return nil
}

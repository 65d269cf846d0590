package hybrid

import (
	"context"
	"time"

	"go.uber.org/zap"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/storage"
)

// FileCache 记录缓存，由 redis.Cache 实现
type FileCache interface {
	CacheFile(ctx context.Context, file *domain.ScheduledFile, ttl time.Duration) error
	GetCachedFile(ctx context.Context, id string) (*domain.ScheduledFile, error)
	GetCachedFileID(ctx context.Context, token string) (string, error)
	DeleteCachedFile(ctx context.Context, id, token string) error
}

// Store 混合存储实现，数据库为准，Redis 缓存单条记录读取
//
// 只缓存已进入终态（sent、failed）的记录，终态记录的状态不再变化；
// pending 与 processing 记录每次都读数据库，避免读到转换前的旧状态。
// 列表和到期查询始终直达数据库，每次写入后删除缓存。
type Store struct {
	db    storage.Store
	cache FileCache
	ttl   time.Duration
	log   *zap.Logger
}

// NewStore 创建混合存储实例
func NewStore(db storage.Store, cache FileCache, ttl time.Duration, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{db: db, cache: cache, ttl: ttl, log: log}
}

// ========== File Repository ==========

// CreateFile 保存新的定时文件记录
func (s *Store) CreateFile(ctx context.Context, file *domain.ScheduledFile) error {
	if err := s.db.CreateFile(ctx, file); err != nil {
		return err
	}
	s.remember(ctx, file)
	return nil
}

// GetFile 根据 ID 获取记录，优先读取缓存
func (s *Store) GetFile(ctx context.Context, id string) (*domain.ScheduledFile, error) {
	if file, err := s.cache.GetCachedFile(ctx, id); err == nil {
		return file, nil
	}

	file, err := s.db.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, file)
	return file, nil
}

// GetFileByToken 根据访问令牌获取记录，优先读取缓存
func (s *Store) GetFileByToken(ctx context.Context, accessToken string) (*domain.ScheduledFile, error) {
	if id, err := s.cache.GetCachedFileID(ctx, accessToken); err == nil {
		if file, err := s.cache.GetCachedFile(ctx, id); err == nil {
			return file, nil
		}
	}

	file, err := s.db.GetFileByToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, file)
	return file, nil
}

// ListFilesByUser 直接从数据库获取（列表查询不缓存）
func (s *Store) ListFilesByUser(ctx context.Context, userID string, filter domain.FileFilter) ([]domain.ScheduledFile, error) {
	return s.db.ListFilesByUser(ctx, userID, filter)
}

// ListDueFiles 直接从数据库获取
func (s *Store) ListDueFiles(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledFile, error) {
	return s.db.ListDueFiles(ctx, now, limit)
}

// ListStaleClaims 直接从数据库获取
func (s *Store) ListStaleClaims(ctx context.Context, claimedBefore time.Time) ([]domain.ScheduledFile, error) {
	return s.db.ListStaleClaims(ctx, claimedBefore)
}

// UpdateSchedule 修改计划并刷新缓存
func (s *Store) UpdateSchedule(ctx context.Context, id, recipient string, scheduledDate time.Time, at time.Time) (*domain.ScheduledFile, error) {
	s.forget(ctx, id, "")
	file, err := s.db.UpdateSchedule(ctx, id, recipient, scheduledDate, at)
	if err != nil {
		return nil, err
	}
	s.forget(ctx, id, file.AccessToken)
	return file, nil
}

// UpdateStatus 条件更新状态后删除缓存
func (s *Store) UpdateStatus(ctx context.Context, update domain.StatusUpdate) (bool, error) {
	ok, err := s.db.UpdateStatus(ctx, update)
	if ok {
		s.forget(ctx, update.ID, "")
	}
	return ok, err
}

// DeleteFile 删除记录及缓存
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	var token string
	if file, err := s.db.GetFile(ctx, id); err == nil {
		token = file.AccessToken
	}
	if err := s.db.DeleteFile(ctx, id); err != nil {
		return err
	}
	s.forget(ctx, id, token)
	return nil
}

// ========== Send Log Repository ==========

// AppendSendLog 追加审计日志
func (s *Store) AppendSendLog(ctx context.Context, entry *domain.SendLogEntry) error {
	return s.db.AppendSendLog(ctx, entry)
}

// ListSendLogs 返回审计日志
func (s *Store) ListSendLogs(ctx context.Context, fileID string) ([]domain.SendLogEntry, error) {
	return s.db.ListSendLogs(ctx, fileID)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// Health 检查数据库连接
func (s *Store) Health() error {
	return s.db.Health()
}

func (s *Store) remember(ctx context.Context, file *domain.ScheduledFile) {
	if !file.Status.IsTerminal() {
		return
	}
	if err := s.cache.CacheFile(ctx, file, s.ttl); err != nil {
		s.log.Debug("cache file failed", zap.String("file_id", file.ID), zap.Error(err))
	}
}

// forget 删除记录缓存；令牌索引指向的 ID 不变，只需删除记录本身
func (s *Store) forget(ctx context.Context, id, token string) {
	if err := s.cache.DeleteCachedFile(ctx, id, token); err != nil {
		s.log.Warn("evict cached file failed", zap.String("file_id", id), zap.Error(err))
	}
}

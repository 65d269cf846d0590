package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"timecapsule/backend/internal/config"
	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/storage"
)

// Options 连接池与迁移选项
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// DefaultOptions 默认连接池配置
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

// OptionsFromConfig 从数据库配置生成选项
func OptionsFromConfig(cfg config.DatabaseConfig) Options {
	return Options{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		AutoMigrate:     cfg.AutoMigrate,
	}
}

// Store 基于 GORM 的记录存储，支持 PostgreSQL、MySQL 和 SQLite
type Store struct {
	db *gorm.DB
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string, opts Options) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn), opts)
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string, opts Options) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn), opts)
}

// NewSQLiteStore 创建 SQLite 存储实例
//
// SQLite 只允许单连接写入，连接池固定为 1，":memory:" 数据库随连接存活。
func NewSQLiteStore(dsn string, opts Options) (*Store, error) {
	opts.MaxOpenConns = 1
	opts.MaxIdleConns = 1
	opts.ConnMaxLifetime = 0
	return NewStoreWithDialector(sqlite.Open(dsn), opts)
}

// Open 按数据库类型创建存储
func Open(cfg config.DatabaseConfig) (*Store, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.Type {
	case "postgres":
		return NewStore(cfg.DSN, opts)
	case "mysql":
		return NewMySQLStore(cfg.DSN, opts)
	case "sqlite":
		return NewSQLiteStore(cfg.DSN, opts)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, opts Options) (*Store, error) {
	// 配置 GORM
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // 静默模式
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	// 连接数据库
	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	store := &Store{db: db}

	if opts.AutoMigrate {
		if err := store.Migrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return store, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&domain.ScheduledFile{},
		&domain.SendLogEntry{},
	)
}

// DB 返回底层 gorm 连接
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ========== File Repository ==========

// CreateFile 保存新的定时文件记录
func (s *Store) CreateFile(ctx context.Context, file *domain.ScheduledFile) error {
	err := s.db.WithContext(ctx).Create(file).Error
	if isDuplicate(err) {
		return storage.ErrFileExists
	}
	return err
}

// GetFile 根据 ID 获取记录
func (s *Store) GetFile(ctx context.Context, id string) (*domain.ScheduledFile, error) {
	var file domain.ScheduledFile
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&file).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrFileNotFound
		}
		return nil, err
	}
	return &file, nil
}

// GetFileByToken 根据访问令牌获取记录
func (s *Store) GetFileByToken(ctx context.Context, accessToken string) (*domain.ScheduledFile, error) {
	var file domain.ScheduledFile
	err := s.db.WithContext(ctx).Where("access_token = ?", accessToken).First(&file).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrFileNotFound
		}
		return nil, err
	}
	return &file, nil
}

// ListFilesByUser 返回用户的记录，按创建时间倒序
func (s *Store) ListFilesByUser(ctx context.Context, userID string, filter domain.FileFilter) ([]domain.ScheduledFile, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if q := strings.ToLower(strings.TrimSpace(filter.Search)); q != "" {
		pattern := "%" + q + "%"
		query = query.Where("(LOWER(file_name) LIKE ? OR LOWER(recipient_email) LIKE ?)", pattern, pattern)
	}

	files := make([]domain.ScheduledFile, 0)
	if err := query.Order("created_at DESC").Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

// ListDueFiles 返回已到期的 pending 记录，按计划时间升序
func (s *Store) ListDueFiles(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledFile, error) {
	query := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_date <= ?", domain.FileStatusPending, now.UTC()).
		Order("scheduled_date ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	files := make([]domain.ScheduledFile, 0)
	if err := query.Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

// ListStaleClaims 返回认领时间早于 claimedBefore 的 processing 记录
func (s *Store) ListStaleClaims(ctx context.Context, claimedBefore time.Time) ([]domain.ScheduledFile, error) {
	files := make([]domain.ScheduledFile, 0)
	err := s.db.WithContext(ctx).
		Where("status = ? AND (claimed_at IS NULL OR claimed_at < ?)", domain.FileStatusProcessing, claimedBefore.UTC()).
		Order("claimed_at ASC").
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// UpdateSchedule 修改收件人和计划时间，仅 pending 记录可修改
func (s *Store) UpdateSchedule(ctx context.Context, id, recipient string, scheduledDate time.Time, at time.Time) (*domain.ScheduledFile, error) {
	result := s.db.WithContext(ctx).
		Model(&domain.ScheduledFile{}).
		Where("id = ? AND status = ?", id, domain.FileStatusPending).
		Updates(map[string]interface{}{
			"recipient_email": recipient,
			"scheduled_date":  scheduledDate.UTC(),
			"updated_at":      at.UTC(),
		})
	if result.Error != nil {
		return nil, result.Error
	}

	file, err := s.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return nil, storage.ErrFileNotPending
	}
	return file, nil
}

// UpdateStatus 执行条件状态更新，返回是否有行被更新
func (s *Store) UpdateStatus(ctx context.Context, update domain.StatusUpdate) (bool, error) {
	if err := update.Validate(); err != nil {
		return false, err
	}

	query := s.db.WithContext(ctx).
		Model(&domain.ScheduledFile{}).
		Where("id = ? AND status = ?", update.ID, update.From)
	if update.From == domain.FileStatusProcessing && update.ClaimToken != "" {
		query = query.Where("claim_token = ?", update.ClaimToken)
	}
	if update.DueBy != nil {
		query = query.Where("scheduled_date <= ?", update.DueBy.UTC())
	}

	result := query.Updates(statusColumns(update))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// DeleteFile 删除记录
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.ScheduledFile{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrFileNotFound
	}
	return nil
}

// ========== Send Log Repository ==========

// AppendSendLog 追加审计日志
func (s *Store) AppendSendLog(ctx context.Context, entry *domain.SendLogEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// ListSendLogs 按时间顺序返回文件的审计日志
func (s *Store) ListSendLogs(ctx context.Context, fileID string) ([]domain.SendLogEntry, error) {
	entries := make([]domain.SendLogEntry, 0)
	err := s.db.WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("timestamp ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// statusColumns 生成状态更新需要写入的列
func statusColumns(update domain.StatusUpdate) map[string]interface{} {
	columns := map[string]interface{}{
		"status":     update.To,
		"updated_at": update.At.UTC(),
	}
	switch update.To {
	case domain.FileStatusProcessing:
		columns["claim_token"] = update.ClaimToken
		columns["claimed_at"] = update.At.UTC()
	case domain.FileStatusSent:
		if update.SentAt != nil {
			columns["sent_at"] = update.SentAt.UTC()
		}
		if update.EmailID != "" {
			columns["email_id"] = update.EmailID
		}
		columns["error_message"] = ""
	case domain.FileStatusFailed:
		columns["error_message"] = update.ErrorMessage
	}
	return columns
}

// isDuplicate 判断是否为唯一约束冲突
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}

package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite" // SQLite driver
	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/storage"
)

// fileColumns 查询记录时使用的列顺序，与 scanFile 保持一致
const fileColumns = `id, user_id, file_name, file_size, COALESCE(file_type, ''), storage_path,
	recipient_email, scheduled_date, status, access_token, COALESCE(claim_token, ''), claimed_at,
	COALESCE(error_message, ''), COALESCE(email_id, ''), sent_at, created_at, updated_at`

// Store SQL 数据库存储实现（支持 MySQL 5.7+、PostgreSQL 和 SQLite）
type Store struct {
	db         *sql.DB
	driverName string // "mysql"、"postgres" 或 "sqlite"
}

// NewStore 创建SQL数据库存储
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	// 验证驱动类型
	if driverName != "mysql" && driverName != "postgres" && driverName != "sqlite" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres, sqlite)", driverName)
	}

	// 打开数据库连接
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite 固定单连接
	if driverName == "sqlite" {
		maxOpenConns, maxIdleConns, connMaxLifetime = 1, 1, 0
	}

	// 设置连接池参数
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{
		db:         db,
		driverName: driverName,
	}

	// 自动执行数据库迁移（脚本均为幂等）
	if err := Migrate(context.Background(), db, driverName, "up", nil); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// placeholder 根据数据库类型返回占位符
func (s *Store) placeholder(n int) string {
	if s.driverName == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// rebind 将查询中的 ? 替换为当前数据库的占位符
func (s *Store) rebind(query string) string {
	if s.driverName != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(row rowScanner) (*domain.ScheduledFile, error) {
	var file domain.ScheduledFile
	var claimedAt, sentAt sql.NullTime

	err := row.Scan(
		&file.ID,
		&file.UserID,
		&file.FileName,
		&file.FileSize,
		&file.FileType,
		&file.StoragePath,
		&file.RecipientEmail,
		&file.ScheduledDate,
		&file.Status,
		&file.AccessToken,
		&file.ClaimToken,
		&claimedAt,
		&file.ErrorMessage,
		&file.EmailID,
		&sentAt,
		&file.CreatedAt,
		&file.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		file.ClaimedAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		file.SentAt = &t
	}
	file.ScheduledDate = file.ScheduledDate.UTC()
	file.CreatedAt = file.CreatedAt.UTC()
	file.UpdatedAt = file.UpdatedAt.UTC()
	return &file, nil
}

func (s *Store) queryFiles(ctx context.Context, query string, args ...interface{}) ([]domain.ScheduledFile, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := make([]domain.ScheduledFile, 0)
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *file)
	}
	return files, rows.Err()
}

// CreateFile 保存新的定时文件记录
func (s *Store) CreateFile(ctx context.Context, file *domain.ScheduledFile) error {
	query := `
		INSERT INTO scheduled_files (id, user_id, file_name, file_size, file_type, storage_path,
			recipient_email, scheduled_date, status, access_token, claim_token, claimed_at,
			error_message, email_id, sent_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		file.ID,
		file.UserID,
		file.FileName,
		file.FileSize,
		file.FileType,
		file.StoragePath,
		file.RecipientEmail,
		file.ScheduledDate.UTC(),
		file.Status,
		file.AccessToken,
		file.ClaimToken,
		nullTime(file.ClaimedAt),
		file.ErrorMessage,
		file.EmailID,
		nullTime(file.SentAt),
		file.CreatedAt.UTC(),
		file.UpdatedAt.UTC(),
	)
	if isDuplicate(err) {
		return storage.ErrFileExists
	}
	return err
}

// GetFile 根据 ID 获取记录
func (s *Store) GetFile(ctx context.Context, id string) (*domain.ScheduledFile, error) {
	query := `SELECT ` + fileColumns + ` FROM scheduled_files WHERE id = ?`
	file, err := scanFile(s.db.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrFileNotFound
	}
	return file, err
}

// GetFileByToken 根据访问令牌获取记录
func (s *Store) GetFileByToken(ctx context.Context, accessToken string) (*domain.ScheduledFile, error) {
	query := `SELECT ` + fileColumns + ` FROM scheduled_files WHERE access_token = ?`
	file, err := scanFile(s.db.QueryRowContext(ctx, s.rebind(query), accessToken))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrFileNotFound
	}
	return file, err
}

// ListFilesByUser 返回用户的记录，按创建时间倒序
func (s *Store) ListFilesByUser(ctx context.Context, userID string, filter domain.FileFilter) ([]domain.ScheduledFile, error) {
	query := `SELECT ` + fileColumns + ` FROM scheduled_files WHERE user_id = ?`
	args := []interface{}{userID}

	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, *filter.Status)
	}
	if q := strings.ToLower(strings.TrimSpace(filter.Search)); q != "" {
		pattern := "%" + q + "%"
		query += ` AND (LOWER(file_name) LIKE ? OR LOWER(recipient_email) LIKE ?)`
		args = append(args, pattern, pattern)
	}
	query += ` ORDER BY created_at DESC`

	return s.queryFiles(ctx, query, args...)
}

// ListDueFiles 返回已到期的 pending 记录，按计划时间升序
func (s *Store) ListDueFiles(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledFile, error) {
	query := `SELECT ` + fileColumns + ` FROM scheduled_files
		WHERE status = ? AND scheduled_date <= ?
		ORDER BY scheduled_date ASC`
	args := []interface{}{domain.FileStatusPending, now.UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryFiles(ctx, query, args...)
}

// ListStaleClaims 返回认领时间早于 claimedBefore 的 processing 记录
func (s *Store) ListStaleClaims(ctx context.Context, claimedBefore time.Time) ([]domain.ScheduledFile, error) {
	query := `SELECT ` + fileColumns + ` FROM scheduled_files
		WHERE status = ? AND (claimed_at IS NULL OR claimed_at < ?)
		ORDER BY claimed_at ASC`
	return s.queryFiles(ctx, query, domain.FileStatusProcessing, claimedBefore.UTC())
}

// UpdateSchedule 修改收件人和计划时间，仅 pending 记录可修改
func (s *Store) UpdateSchedule(ctx context.Context, id, recipient string, scheduledDate time.Time, at time.Time) (*domain.ScheduledFile, error) {
	query := `
		UPDATE scheduled_files
		SET recipient_email = ?, scheduled_date = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := s.db.ExecContext(ctx, s.rebind(query),
		recipient, scheduledDate.UTC(), at.UTC(), id, domain.FileStatusPending)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	file, err := s.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, storage.ErrFileNotPending
	}
	return file, nil
}

// UpdateStatus 执行条件状态更新，返回是否有行被更新
func (s *Store) UpdateStatus(ctx context.Context, update domain.StatusUpdate) (bool, error) {
	if err := update.Validate(); err != nil {
		return false, err
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{update.To, update.At.UTC()}

	switch update.To {
	case domain.FileStatusProcessing:
		sets = append(sets, "claim_token = ?", "claimed_at = ?")
		args = append(args, update.ClaimToken, update.At.UTC())
	case domain.FileStatusSent:
		if update.SentAt != nil {
			sets = append(sets, "sent_at = ?")
			args = append(args, update.SentAt.UTC())
		}
		if update.EmailID != "" {
			sets = append(sets, "email_id = ?")
			args = append(args, update.EmailID)
		}
		sets = append(sets, "error_message = ?")
		args = append(args, "")
	case domain.FileStatusFailed:
		sets = append(sets, "error_message = ?")
		args = append(args, update.ErrorMessage)
	}

	query := `UPDATE scheduled_files SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
	args = append(args, update.ID, update.From)

	if update.From == domain.FileStatusProcessing && update.ClaimToken != "" {
		query += ` AND claim_token = ?`
		args = append(args, update.ClaimToken)
	}
	if update.DueBy != nil {
		query += ` AND scheduled_date <= ?`
		args = append(args, update.DueBy.UTC())
	}

	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// DeleteFile 删除记录
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM scheduled_files WHERE id = ?`), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrFileNotFound
	}
	return nil
}

// AppendSendLog 追加审计日志
func (s *Store) AppendSendLog(ctx context.Context, entry *domain.SendLogEntry) error {
	query := `INSERT INTO send_logs (id, file_id, status, details, timestamp) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		entry.ID, entry.FileID, entry.Status, entry.Details, entry.Timestamp.UTC())
	return err
}

// ListSendLogs 按时间顺序返回文件的审计日志
func (s *Store) ListSendLogs(ctx context.Context, fileID string) ([]domain.SendLogEntry, error) {
	query := `
		SELECT id, file_id, status, COALESCE(details, ''), timestamp
		FROM send_logs
		WHERE file_id = ?
		ORDER BY timestamp ASC
	`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.SendLogEntry, 0)
	for rows.Next() {
		var entry domain.SendLogEntry
		if err := rows.Scan(&entry.ID, &entry.FileID, &entry.Status, &entry.Details, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.Timestamp = entry.Timestamp.UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// isDuplicate 判断是否为唯一约束冲突
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}

package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/events"
	"timecapsule/backend/internal/security"
	"timecapsule/backend/internal/storage"
	"timecapsule/backend/internal/storage/filesystem"
)

// DefaultPreviewURLTTL 预览链接默认有效期
const DefaultPreviewURLTTL = 5 * time.Minute

// Nudger 请求轮询器尽快执行
type Nudger interface {
	Kick()
}

// TaskRunner 异步执行任务
type TaskRunner interface {
	TrySubmit(task func()) bool
}

// ScheduleRequest 上传并定时投递一个文件
type ScheduleRequest struct {
	UserID        string
	FileName      string
	FileType      string
	FileSize      int64
	Recipient     string
	ScheduledDate time.Time
	Content       io.Reader
}

// UpdateRequest 修改收件人与计划时间
type UpdateRequest struct {
	Recipient     string
	ScheduledDate time.Time
}

// PreviewLink 预览链接
type PreviewLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// FileServiceOptions 文件服务参数
type FileServiceOptions struct {
	PreviewTTL time.Duration
	Clock      Clock
}

// FileService 管理用户的定时文件
type FileService struct {
	store      storage.Store
	objects    ObjectStore
	policy     *security.UploadPolicy
	dispatcher *Dispatcher
	nudger     Nudger
	tasks      TaskRunner
	events     publisher
	opts       FileServiceOptions
	log        *zap.Logger
}

// NewFileService 创建文件服务，nudger 与 tasks 可以为空
func NewFileService(
	store storage.Store,
	objects ObjectStore,
	policy *security.UploadPolicy,
	dispatcher *Dispatcher,
	nudger Nudger,
	tasks TaskRunner,
	bus events.Publisher,
	opts FileServiceOptions,
	log *zap.Logger,
) *FileService {
	if log == nil {
		log = zap.NewNop()
	}
	if policy == nil {
		policy = security.NewUploadPolicy(0)
	}
	if opts.PreviewTTL <= 0 {
		opts.PreviewTTL = DefaultPreviewURLTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &FileService{
		store:      store,
		objects:    objects,
		policy:     policy,
		dispatcher: dispatcher,
		nudger:     nudger,
		tasks:      tasks,
		events:     publisher{bus: bus, log: log},
		opts:       opts,
		log:        log,
	}
}

// Schedule 保存文件对象并创建 pending 记录
func (s *FileService) Schedule(ctx context.Context, req ScheduleRequest) (*domain.ScheduledFile, error) {
	if req.UserID == "" {
		return nil, domain.NewError(domain.KindAuth, "schedule file", errors.New("user not authenticated"))
	}
	if req.Content == nil {
		return nil, domain.NewError(domain.KindValidation, "schedule file", domain.ErrFileRequired)
	}

	input := domain.ScheduleInput{
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		FileType:       req.FileType,
		RecipientEmail: req.Recipient,
		ScheduledDate:  req.ScheduledDate,
	}
	if err := input.Validate(s.policy.MaxFileSize()); err != nil {
		return nil, err
	}

	header := make([]byte, security.SniffLength)
	n, err := io.ReadFull(req.Content, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, domain.NewError(domain.KindStorage, "read upload", err)
	}
	header = header[:n]

	fileType := security.DetectContentType(req.FileName, req.FileType, header)
	if err := s.policy.Check(req.FileName, fileType, req.FileSize, header); err != nil {
		return nil, err
	}

	now := s.opts.Clock()
	key := filesystem.ObjectKey(req.UserID, now, req.FileName)
	// 多读一个字节用于发现超出上限的内容
	content := io.LimitReader(io.MultiReader(bytes.NewReader(header), req.Content), s.policy.MaxFileSize()+1)
	written, err := s.objects.Put(ctx, key, content)
	if err != nil {
		return nil, domain.NewError(domain.KindStorage, "upload file", err)
	}
	if written > s.policy.MaxFileSize() {
		s.removeObject(key)
		return nil, domain.NewError(domain.KindValidation, "upload file", domain.ErrFileTooLarge)
	}

	file := &domain.ScheduledFile{
		ID:             newToken(),
		UserID:         req.UserID,
		FileName:       req.FileName,
		FileSize:       written,
		FileType:       fileType,
		StoragePath:    key,
		RecipientEmail: domain.NormalizeEmail(req.Recipient),
		ScheduledDate:  req.ScheduledDate.UTC(),
		Status:         domain.FileStatusPending,
		AccessToken:    newToken(),
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
	if err := s.store.CreateFile(ctx, file); err != nil {
		s.removeObject(key)
		return nil, domain.NewError(domain.KindQuery, "schedule file", err)
	}

	s.log.Info("file scheduled",
		zap.String("file_id", file.ID),
		zap.String("user_id", file.UserID),
		zap.Time("scheduled_date", file.ScheduledDate),
	)
	s.events.publish(ctx, domain.ChangeInsert, nil, file, now)
	s.nudgeIfDue(file.ScheduledDate, now)
	return file, nil
}

// Update 修改 pending 记录的收件人与计划时间
func (s *FileService) Update(ctx context.Context, userID, id string, req UpdateRequest) (*domain.ScheduledFile, error) {
	if err := domain.ValidateRecipient(req.Recipient); err != nil {
		return nil, domain.NewError(domain.KindValidation, "update file", err)
	}
	if req.ScheduledDate.IsZero() {
		return nil, domain.NewError(domain.KindValidation, "update file", domain.ErrScheduleRequired)
	}

	before, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	now := s.opts.Clock()
	updated, err := s.store.UpdateSchedule(ctx, id, domain.NormalizeEmail(req.Recipient), req.ScheduledDate.UTC(), now.UTC())
	if err != nil {
		return nil, queryError("update file", err)
	}

	s.events.publish(ctx, domain.ChangeUpdate, before, updated, now)
	s.nudgeIfDue(updated.ScheduledDate, now)
	return updated, nil
}

// Delete 删除记录，对象文件异步移除
func (s *FileService) Delete(ctx context.Context, userID, id string) error {
	file, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteFile(ctx, id); err != nil {
		return queryError("delete file", err)
	}

	s.removeObject(file.StoragePath)
	s.events.publish(ctx, domain.ChangeDelete, file, nil, s.opts.Clock())
	s.log.Info("file deleted", zap.String("file_id", id), zap.String("user_id", userID))
	return nil
}

// List 返回用户的记录，按创建时间倒序
func (s *FileService) List(ctx context.Context, userID string, filter domain.FileFilter) ([]domain.ScheduledFile, error) {
	files, err := s.store.ListFilesByUser(ctx, userID, filter)
	if err != nil {
		return nil, queryError("list files", err)
	}
	return files, nil
}

// Get 返回用户自己的记录，其他用户的记录视为不存在
func (s *FileService) Get(ctx context.Context, userID, id string) (*domain.ScheduledFile, error) {
	file, err := s.store.GetFile(ctx, id)
	if err != nil {
		return nil, queryError("get file", err)
	}
	if file.UserID != userID {
		return nil, domain.NewError(domain.KindNotFound, "get file", storage.ErrFileNotFound)
	}
	return file, nil
}

// PreviewURL 为文件所有者签发短期预览链接
func (s *FileService) PreviewURL(ctx context.Context, userID, id string) (*PreviewLink, error) {
	file, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	url, err := s.objects.SignedURL(ctx, file.StoragePath, s.opts.PreviewTTL)
	if err != nil {
		return nil, domain.NewError(domain.KindStorage, "create preview url", err)
	}
	return &PreviewLink{URL: url, ExpiresAt: s.opts.Clock().Add(s.opts.PreviewTTL)}, nil
}

// SendNow 立即投递用户自己的记录，忽略计划时间
func (s *FileService) SendNow(ctx context.Context, userID, id string) (DispatchSummary, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return DispatchSummary{}, err
	}
	if s.dispatcher == nil {
		return DispatchSummary{}, errors.New("dispatcher is not configured")
	}
	return s.dispatcher.Dispatch(ctx, DispatchRequest{FileID: id})
}

// Trigger 请求轮询器尽快执行，返回是否有轮询器接收请求
func (s *FileService) Trigger() bool {
	if s.nudger == nil {
		return false
	}
	s.nudger.Kick()
	return true
}

func (s *FileService) nudgeIfDue(scheduled, now time.Time) {
	if !scheduled.After(now) && s.nudger != nil {
		s.log.Debug("file already due, nudging poller")
		s.nudger.Kick()
	}
}

// removeObject 尽力删除对象，失败只记录日志
func (s *FileService) removeObject(key string) {
	remove := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.objects.Delete(ctx, key); err != nil && !errors.Is(err, filesystem.ErrObjectNotFound) {
			s.log.Warn("failed to remove object", zap.String("key", key), zap.Error(err))
		}
	}
	if s.tasks != nil && s.tasks.TrySubmit(remove) {
		return
	}
	remove()
}

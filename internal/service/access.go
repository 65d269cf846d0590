package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/events"
	"timecapsule/backend/internal/storage"
)

// DefaultAccessURLTTL 访问链接默认有效期
const DefaultAccessURLTTL = 24 * time.Hour

// AccessResult 访问解析结果
type AccessResult struct {
	FileName  string    `json:"fileName"`
	FileType  string    `json:"fileType"`
	FileURL   string    `json:"fileUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AccessResolver 根据公开访问令牌解析文件
type AccessResolver struct {
	store   storage.Store
	objects ObjectStore
	events  publisher
	ttl     time.Duration
	now     Clock
	log     *zap.Logger
}

// NewAccessResolver 创建访问解析器
func NewAccessResolver(store storage.Store, objects ObjectStore, bus events.Publisher, ttl time.Duration, clock Clock, log *zap.Logger) *AccessResolver {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultAccessURLTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &AccessResolver{
		store:   store,
		objects: objects,
		events:  publisher{bus: bus, log: log},
		ttl:     ttl,
		now:     clock,
		log:     log,
	}
}

// Resolve 解析访问令牌并签发下载链接
//
// 记录仍为 pending 时（无论是否到期）顺带标记为 sent，该步骤失败不影响返回结果。
func (r *AccessResolver) Resolve(ctx context.Context, token string) (*AccessResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.NewError(domain.KindNotFound, "resolve access token", storage.ErrFileNotFound)
	}

	file, err := r.store.GetFileByToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrFileNotFound) {
			return nil, domain.NewError(domain.KindNotFound, "resolve access token", err)
		}
		return nil, domain.NewError(domain.KindQuery, "resolve access token", err)
	}

	now := r.now()
	url, err := r.objects.SignedURL(ctx, file.StoragePath, r.ttl)
	if err != nil {
		r.log.Error("failed to create signed url", zap.String("file_id", file.ID), zap.Error(err))
		return nil, domain.NewError(domain.KindStorage, "create signed url", err)
	}

	if file.Status == domain.FileStatusPending {
		r.markSent(ctx, file, now)
	}

	return &AccessResult{
		FileName:  file.FileName,
		FileType:  file.FileType,
		FileURL:   url,
		ExpiresAt: now.Add(r.ttl),
	}, nil
}

func (r *AccessResolver) markSent(ctx context.Context, file *domain.ScheduledFile, now time.Time) {
	update := domain.StatusUpdate{
		ID:     file.ID,
		From:   domain.FileStatusPending,
		To:     domain.FileStatusSent,
		SentAt: &now,
		At:     now,
	}
	ok, err := r.store.UpdateStatus(context.WithoutCancel(ctx), update)
	if err != nil {
		r.log.Warn("failed to update file status on access", zap.String("file_id", file.ID), zap.Error(err))
		return
	}
	if ok {
		r.log.Info("file marked sent on access", zap.String("file_id", file.ID))
		r.events.transition(ctx, file, update)
	}
}

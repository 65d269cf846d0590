// Package service 实现定时文件的调度、投递、轮询与访问解析。
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/events"
	"timecapsule/backend/internal/smtp"
	"timecapsule/backend/internal/storage"
)

// Mailer 发送访问通知邮件
type Mailer interface {
	SendAccessEmail(ctx context.Context, email smtp.AccessEmail) (string, error)
}

// ObjectStore 对象存储
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Delete(ctx context.Context, key string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Recorder 投递相关指标
type Recorder interface {
	RecordClaim(won bool)
	RecordDelivery(status domain.FileStatus, duration time.Duration)
	RecordPollerRun(summary PollSummary, duration time.Duration)
	RecordPollerError()
}

type nopRecorder struct{}

func (nopRecorder) RecordClaim(bool)                                {}
func (nopRecorder) RecordDelivery(domain.FileStatus, time.Duration) {}
func (nopRecorder) RecordPollerRun(PollSummary, time.Duration)      {}
func (nopRecorder) RecordPollerError()                              {}

// Clock 返回当前时间
type Clock func() time.Time

// AccessURL 构造访问链接 {appURL}/access/{token}
func AccessURL(appURL, accessToken string) string {
	return strings.TrimRight(appURL, "/") + "/access/" + accessToken
}

// FormatDuration 将耗时格式化为 "Nms"
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}

func newToken() string {
	return uuid.NewString()
}

// sleepCtx 等待 d 或 ctx 结束
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// errorMessage 提取写入记录的错误信息
func errorMessage(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	var de *domain.Error
	if errors.As(err, &de) && de.Err != nil {
		err = de.Err
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return fallback
}

// queryError 将存储层错误转换为业务错误
func queryError(op string, err error) error {
	if errors.Is(err, storage.ErrFileNotFound) {
		return domain.NewError(domain.KindNotFound, op, err)
	}
	if errors.Is(err, storage.ErrFileNotPending) {
		return domain.NewError(domain.KindConflict, op, err)
	}
	return domain.NewError(domain.KindQuery, op, err)
}

// publisher 发布变更事件，失败只记录日志
type publisher struct {
	bus events.Publisher
	log *zap.Logger
}

func (p publisher) publish(ctx context.Context, typ domain.ChangeType, old, current *domain.ScheduledFile, at time.Time) {
	if p.bus == nil {
		return
	}
	event := domain.NewChangeEvent(typ, old, current, at)
	if err := p.bus.Publish(ctx, event); err != nil {
		p.log.Warn("failed to publish change event",
			zap.String("file_id", event.FileID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}

// transition 发布一次状态变更事件
func (p publisher) transition(ctx context.Context, before *domain.ScheduledFile, update domain.StatusUpdate) {
	after := before.Clone()
	update.Apply(after)
	p.publish(ctx, domain.ChangeUpdate, before, after, update.At)
}

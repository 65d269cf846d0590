package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/events"
	"timecapsule/backend/internal/smtp"
	"timecapsule/backend/internal/storage"
)

const (
	// DefaultDispatchThrottle 相邻两条记录之间的默认延迟
	DefaultDispatchThrottle = 500 * time.Millisecond
	// DefaultBatchLimit 单次批量处理上限
	DefaultBatchLimit = 100
)

// DispatchRequest 投递请求
//
// FileID 为空时处理所有已到期的 pending 记录；ClaimToken 用于接管轮询器已持有的认领。
type DispatchRequest struct {
	FileID     string `json:"fileId,omitempty"`
	ClaimToken string `json:"claimToken,omitempty"`
}

// DispatchSummary 一次投递的汇总
type DispatchSummary struct {
	Processed int           `json:"processed"`
	Success   int           `json:"success"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"-"`
}

// DispatcherOptions 投递器参数
type DispatcherOptions struct {
	AppURL     string        // 访问链接前缀
	Throttle   time.Duration // 相邻两条记录之间的延迟
	BatchLimit int           // 批量模式单次最多处理的记录数
	Clock      Clock
	Recorder   Recorder
}

// Dispatcher 认领记录、发送访问邮件并写入终态
type Dispatcher struct {
	store    storage.Store
	mailer   Mailer
	events   publisher
	opts     DispatcherOptions
	recorder Recorder
	group    singleflight.Group
	log      *zap.Logger
}

// NewDispatcher 创建投递器
func NewDispatcher(store storage.Store, mailer Mailer, bus events.Publisher, opts DispatcherOptions, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Throttle < 0 {
		opts.Throttle = 0
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Dispatcher{
		store:    store,
		mailer:   mailer,
		events:   publisher{bus: bus, log: log},
		opts:     opts,
		recorder: recorder,
		log:      log,
	}
}

// Dispatch 执行一次投递
//
// 投递脱离调用方 ctx 执行，调用方超时或断开只是放弃等待结果，
// 已开始的认领与发送照常完成，单封邮件的耗时由 SMTP 超时约束。
//
// 同一记录（及同一转交令牌）的并发调用合并为一次执行。批量调用不合并，
// 每个调用方的汇总只统计自己认领到的记录。
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (DispatchSummary, error) {
	ctx = context.WithoutCancel(ctx)
	if req.FileID == "" {
		return d.dispatch(ctx, req)
	}

	key := "file:" + req.FileID + ":" + req.ClaimToken
	v, err, shared := d.group.Do(key, func() (interface{}, error) {
		return d.dispatch(ctx, req)
	})
	if shared {
		d.log.Debug("dispatch call coalesced", zap.String("key", key))
	}
	summary, _ := v.(DispatchSummary)
	return summary, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req DispatchRequest) (DispatchSummary, error) {
	start := d.opts.Clock()
	var summary DispatchSummary

	files, err := d.selectFiles(ctx, req, start)
	if err != nil {
		d.log.Error("failed to select scheduled files", zap.String("file_id", req.FileID), zap.Error(err))
		return DispatchSummary{}, err
	}
	if len(files) == 0 {
		d.log.Info("no scheduled files found to process", zap.String("file_id", req.FileID))
		return summary, nil
	}

	d.log.Info("processing scheduled files",
		zap.Int("count", len(files)),
		zap.String("file_id", req.FileID),
	)

	for i := range files {
		if i > 0 && d.opts.Throttle > 0 {
			time.Sleep(d.opts.Throttle)
		}

		file := &files[i]
		token, ok := d.claim(ctx, file, req.ClaimToken)
		if !ok {
			summary.Skipped++
			continue
		}

		summary.Processed++
		if d.deliver(ctx, file, token) {
			summary.Success++
		} else {
			summary.Failed++
		}
	}

	summary.Duration = d.opts.Clock().Sub(start)
	d.log.Info("dispatch completed",
		zap.Int("processed", summary.Processed),
		zap.Int("success", summary.Success),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

// selectFiles 指定 ID 时忽略到期时间，否则选取所有已到期的 pending 记录
func (d *Dispatcher) selectFiles(ctx context.Context, req DispatchRequest, now time.Time) ([]domain.ScheduledFile, error) {
	if req.FileID == "" {
		files, err := d.store.ListDueFiles(ctx, now, d.opts.BatchLimit)
		if err != nil {
			return nil, domain.NewError(domain.KindQuery, "list due files", err)
		}
		return files, nil
	}

	file, err := d.store.GetFile(ctx, req.FileID)
	if errors.Is(err, storage.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewError(domain.KindQuery, "get file", err)
	}
	switch {
	case file.Status == domain.FileStatusPending:
	case file.Status == domain.FileStatusProcessing && req.ClaimToken != "" && file.ClaimToken == req.ClaimToken:
	default:
		return nil, nil
	}
	return []domain.ScheduledFile{*file}, nil
}

// claim 认领记录，返回认领令牌；认领失败时静默跳过
func (d *Dispatcher) claim(ctx context.Context, file *domain.ScheduledFile, delegated string) (string, bool) {
	if file.Status == domain.FileStatusProcessing {
		// 轮询器已认领并随请求转交令牌
		return delegated, true
	}

	now := d.opts.Clock()
	update := domain.StatusUpdate{
		ID:         file.ID,
		From:       domain.FileStatusPending,
		To:         domain.FileStatusProcessing,
		ClaimToken: newToken(),
		At:         now,
	}
	won, err := d.store.UpdateStatus(ctx, update)
	if err != nil {
		d.log.Error("failed to claim file", zap.String("file_id", file.ID), zap.Error(err))
		return "", false
	}
	d.recorder.RecordClaim(won)
	if !won {
		d.log.Info("file already claimed, skipping", zap.String("file_id", file.ID))
		return "", false
	}

	d.events.transition(ctx, file, update)
	file.Status = domain.FileStatusProcessing
	file.ClaimToken = update.ClaimToken
	file.ClaimedAt = &now
	return update.ClaimToken, true
}

// deliver 发送访问邮件并写入终态，返回是否发送成功
func (d *Dispatcher) deliver(ctx context.Context, file *domain.ScheduledFile, token string) bool {
	start := d.opts.Clock()
	accessURL := AccessURL(d.opts.AppURL, file.AccessToken)

	messageID, sendErr := d.mailer.SendAccessEmail(ctx, smtp.AccessEmail{
		To:            file.RecipientEmail,
		FileName:      file.FileName,
		AccessURL:     accessURL,
		ScheduledDate: file.ScheduledDate,
	})

	now := d.opts.Clock()
	update := domain.StatusUpdate{
		ID:         file.ID,
		From:       domain.FileStatusProcessing,
		ClaimToken: token,
		At:         now,
	}
	if sendErr == nil {
		update.To = domain.FileStatusSent
		update.SentAt = &now
		update.EmailID = messageID
	} else {
		update.To = domain.FileStatusFailed
		update.ErrorMessage = errorMessage(sendErr, "SMTP error")
		d.log.Error("email failed",
			zap.String("file_id", file.ID),
			zap.String("recipient", file.RecipientEmail),
			zap.Error(sendErr),
		)
	}

	// 终态写入不随请求取消
	writeCtx := context.WithoutCancel(ctx)
	ok, err := d.store.UpdateStatus(writeCtx, update)
	switch {
	case err != nil:
		d.log.Error("failed to record delivery result",
			zap.String("file_id", file.ID),
			zap.String("status", string(update.To)),
			zap.Error(err),
		)
	case !ok:
		d.log.Warn("claim lost before delivery result was recorded",
			zap.String("file_id", file.ID),
			zap.String("status", string(update.To)),
		)
	default:
		d.events.transition(writeCtx, file, update)
	}

	d.recorder.RecordDelivery(update.To, now.Sub(start))
	if sendErr == nil {
		d.log.Info("email sent",
			zap.String("file_id", file.ID),
			zap.String("message_id", messageID),
		)
	}
	return sendErr == nil
}

package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/events"
	"timecapsule/backend/internal/storage"
)

const (
	// DefaultPollThrottle 轮询器相邻两条记录之间的默认延迟
	DefaultPollThrottle = time.Second
	// DefaultClaimTimeout 默认认领超时时间
	DefaultClaimTimeout = 15 * time.Minute

	// NoPendingMessage 没有到期记录时的汇总信息
	NoPendingMessage = "No pending files to process"
	// ClaimExpiredMessage 认领超时被判定失败时写入的错误信息
	ClaimExpiredMessage = "claim expired"
)

// PollSummary 一次轮询的汇总
type PollSummary struct {
	Message   string `json:"message,omitempty"`
	Processed int    `json:"processed"`
	Success   int    `json:"success"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped,omitempty"`
	Recovered int    `json:"recovered,omitempty"`
	Duration  string `json:"duration,omitempty"`
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
}

// PollerOptions 轮询器参数
type PollerOptions struct {
	Interval     time.Duration // 轮询间隔
	Throttle     time.Duration // 相邻两条记录之间的延迟
	ClaimTimeout time.Duration // 认领超时，<= 0 时不做回收
	BatchLimit   int
	Clock        Clock
	Recorder     Recorder
}

// Poller 周期性地认领到期记录并调用投递器
//
// 每条记录都会写入 attempt 审计日志，以及 success、error 或 skipped 之一。
type Poller struct {
	store    storage.Store
	client   DispatchClient
	events   publisher
	opts     PollerOptions
	recorder Recorder
	kick     chan struct{}
	mu       sync.Mutex // 串行化 RunOnce
	log      *zap.Logger
}

// NewPoller 创建轮询器
func NewPoller(store storage.Store, client DispatchClient, bus events.Publisher, opts PollerOptions, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
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
	return &Poller{
		store:    store,
		client:   client,
		events:   publisher{bus: bus, log: log},
		opts:     opts,
		recorder: recorder,
		kick:     make(chan struct{}, 1),
		log:      log,
	}
}

// Kick 请求尽快执行一次轮询，已有待处理请求时合并
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run 按间隔执行轮询，直到 ctx 结束
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.log.Info("poller started", zap.Duration("interval", p.opts.Interval))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return nil
		case <-ticker.C:
		case <-p.kick:
		}

		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("poller run failed", zap.Error(err))
		}
	}
}

// RunOnce 执行一次轮询
func (p *Poller) RunOnce(ctx context.Context) (PollSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.opts.Clock()
	p.log.Info("starting scheduled file processing", zap.Time("start_time", start))

	recovered := p.recoverStaleClaims(ctx, start)

	files, err := p.store.ListDueFiles(ctx, start, p.opts.BatchLimit)
	if err != nil {
		p.log.Error("database query failed", zap.Error(err))
		p.recorder.RecordPollerError()
		return PollSummary{}, domain.NewError(domain.KindQuery, "list due files", err)
	}

	if len(files) == 0 {
		p.log.Info("no pending files found to process")
		summary := PollSummary{Message: NoPendingMessage, Recovered: recovered}
		p.recorder.RecordPollerRun(summary, p.opts.Clock().Sub(start))
		return summary, nil
	}

	summary := PollSummary{Processed: len(files), Recovered: recovered}
	for i := range files {
		if i > 0 {
			if err := sleepCtx(ctx, p.opts.Throttle); err != nil {
				p.log.Warn("poller interrupted", zap.Int("remaining", len(files)-i), zap.Error(err))
				break
			}
		}

		switch p.process(ctx, &files[i]) {
		case domain.FileStatusSent:
			summary.Success++
		case domain.FileStatusFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
	}

	end := p.opts.Clock()
	summary.Duration = FormatDuration(end.Sub(start))
	summary.StartTime = start.UTC().Format(time.RFC3339Nano)
	summary.EndTime = end.UTC().Format(time.RFC3339Nano)

	p.log.Info("processing completed",
		zap.Int("processed", summary.Processed),
		zap.Int("success", summary.Success),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.String("duration", summary.Duration),
	)
	p.recorder.RecordPollerRun(summary, end.Sub(start))
	return summary, nil
}

// process 处理单条记录，返回计入汇总的结果；认领失败时返回 pending
//
// ctx 只在记录之间生效，单条记录一旦开始处理就不随 ctx 取消。
func (p *Poller) process(ctx context.Context, file *domain.ScheduledFile) domain.FileStatus {
	writeCtx := context.WithoutCancel(ctx)

	p.audit(writeCtx, file.ID, domain.SendLogAttempt, map[string]interface{}{
		"fileName":      file.FileName,
		"recipient":     file.RecipientEmail,
		"scheduledDate": file.ScheduledDate.UTC().Format(time.RFC3339Nano),
	})

	now := p.opts.Clock()
	claim := domain.StatusUpdate{
		ID:         file.ID,
		From:       domain.FileStatusPending,
		To:         domain.FileStatusProcessing,
		ClaimToken: newToken(),
		At:         now,
	}
	won, err := p.store.UpdateStatus(writeCtx, claim)
	if err != nil {
		p.log.Error("failed to update status to processing", zap.String("file_id", file.ID), zap.Error(err))
		p.audit(writeCtx, file.ID, domain.SendLogError, map[string]interface{}{
			"error":   "claim failed",
			"details": err.Error(),
		})
		return domain.FileStatusFailed
	}
	p.recorder.RecordClaim(won)
	if !won {
		p.log.Info("file already claimed, skipping", zap.String("file_id", file.ID))
		p.audit(writeCtx, file.ID, domain.SendLogSkipped, map[string]interface{}{
			"reason": "claimed by another dispatcher",
		})
		return domain.FileStatusPending
	}
	p.events.transition(writeCtx, file, claim)

	resp, err := p.client.Dispatch(writeCtx, DispatchRequest{FileID: file.ID, ClaimToken: claim.ClaimToken})
	if err != nil {
		var statusErr *DispatchStatusError
		details := err.Error()
		message := errorMessage(err, "Processing exception occurred")
		if errors.As(err, &statusErr) {
			details = statusErr.Body
		}

		p.log.Error("send function failed", zap.String("file_id", file.ID), zap.Error(err))
		p.fail(writeCtx, file, claim, message)
		p.audit(writeCtx, file.ID, domain.SendLogError, map[string]interface{}{
			"error":   message,
			"details": details,
		})
		return domain.FileStatusFailed
	}

	p.log.Info("send function completed",
		zap.String("file_id", file.ID),
		zap.Int("success", resp.Success),
		zap.Int("failed", resp.Failed),
	)

	// 重新读取记录确认最终状态
	current, err := p.store.GetFile(writeCtx, file.ID)
	if err != nil {
		p.log.Error("could not verify final status", zap.String("file_id", file.ID), zap.Error(err))
		p.audit(writeCtx, file.ID, domain.SendLogError, map[string]interface{}{
			"error":   "could not verify final status",
			"details": err.Error(),
		})
		return domain.FileStatusFailed
	}

	if current.Status == domain.FileStatusSent && current.EmailID != "" {
		details := map[string]interface{}{"emailId": current.EmailID}
		if current.SentAt != nil {
			details["sentAt"] = current.SentAt.UTC().Format(time.RFC3339Nano)
		}
		p.audit(writeCtx, file.ID, domain.SendLogSuccess, details)
		p.log.Info("file successfully sent", zap.String("file_id", file.ID), zap.String("email_id", current.EmailID))
		return domain.FileStatusSent
	}

	p.audit(writeCtx, file.ID, domain.SendLogError, map[string]interface{}{
		"finalStatus":  current.Status,
		"errorMessage": current.ErrorMessage,
	})
	p.log.Error("file failed to send",
		zap.String("file_id", file.ID),
		zap.String("final_status", string(current.Status)),
		zap.String("error_message", current.ErrorMessage),
	)
	return domain.FileStatusFailed
}

// fail 将本轮询器持有认领的记录标记为失败
func (p *Poller) fail(ctx context.Context, file *domain.ScheduledFile, claim domain.StatusUpdate, message string) {
	claimed := file.Clone()
	claim.Apply(claimed)

	update := domain.StatusUpdate{
		ID:           file.ID,
		From:         domain.FileStatusProcessing,
		To:           domain.FileStatusFailed,
		ClaimToken:   claim.ClaimToken,
		ErrorMessage: message,
		At:           p.opts.Clock(),
	}
	ok, err := p.store.UpdateStatus(ctx, update)
	if err != nil {
		p.log.Error("failed to update error status", zap.String("file_id", file.ID), zap.Error(err))
		return
	}
	if ok {
		p.events.transition(ctx, claimed, update)
	}
}

// recoverStaleClaims 将认领超时的 processing 记录标记为失败
func (p *Poller) recoverStaleClaims(ctx context.Context, now time.Time) int {
	if p.opts.ClaimTimeout <= 0 {
		return 0
	}

	stale, err := p.store.ListStaleClaims(ctx, now.Add(-p.opts.ClaimTimeout))
	if err != nil {
		p.log.Error("failed to list stale claims", zap.Error(err))
		return 0
	}

	recovered := 0
	for i := range stale {
		file := &stale[i]
		update := domain.StatusUpdate{
			ID:           file.ID,
			From:         domain.FileStatusProcessing,
			To:           domain.FileStatusFailed,
			ClaimToken:   file.ClaimToken,
			ErrorMessage: ClaimExpiredMessage,
			At:           now,
		}
		ok, err := p.store.UpdateStatus(ctx, update)
		if err != nil {
			p.log.Error("failed to expire stale claim", zap.String("file_id", file.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		recovered++
		p.events.transition(ctx, file, update)
		p.audit(context.WithoutCancel(ctx), file.ID, domain.SendLogError, map[string]interface{}{
			"finalStatus":  domain.FileStatusFailed,
			"errorMessage": ClaimExpiredMessage,
		})
		p.log.Warn("stale claim expired", zap.String("file_id", file.ID))
	}
	return recovered
}

func (p *Poller) audit(ctx context.Context, fileID string, phase domain.SendLogPhase, details interface{}) {
	entry := domain.NewSendLogEntry(uuid.NewString(), fileID, phase, details, p.opts.Clock())
	if err := p.store.AppendSendLog(ctx, entry); err != nil {
		p.log.Error("failed to log to send_logs table",
			zap.String("file_id", fileID),
			zap.String("phase", string(phase)),
			zap.Error(err),
		)
	}
}

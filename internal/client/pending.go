package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"timecapsule/backend/internal/domain"
)

const (
	DefaultInitialDelay  = 2 * time.Second
	DefaultCheckInterval = 30 * time.Second
	DefaultRefetchDelay  = 3 * time.Second
)

// Triggerer 请求服务端处理到期记录
type Triggerer interface {
	Trigger(ctx context.Context) error
}

// PendingCheckerOptions 到期检查参数
type PendingCheckerOptions struct {
	InitialDelay time.Duration
	Interval     time.Duration
	RefetchDelay time.Duration
	Clock        func() time.Time
}

// PendingChecker 根据缓存列表发现已到期但仍为 pending 的记录，
// 请求服务端尽快处理并安排一次延迟刷新。它只影响刷新时机，不决定投递。
type PendingChecker struct {
	list    *FileList
	trigger Triggerer
	refresh *Refresher
	opts    PendingCheckerOptions
	log     *zap.Logger
}

// NewPendingChecker 创建到期检查器
func NewPendingChecker(list *FileList, trigger Triggerer, refresh *Refresher, opts PendingCheckerOptions, log *zap.Logger) *PendingChecker {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultCheckInterval
	}
	if opts.RefetchDelay <= 0 {
		opts.RefetchDelay = DefaultRefetchDelay
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &PendingChecker{list: list, trigger: trigger, refresh: refresh, opts: opts, log: log}
}

// Run 启动后延迟一次检查，之后按固定间隔检查，直到 ctx 结束
func (p *PendingChecker) Run(ctx context.Context) error {
	if p.list.UserID() == "" {
		return nil
	}

	timer := time.NewTimer(p.opts.InitialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}
	p.Check(ctx)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check 执行一次检查，返回发现的到期记录数
func (p *PendingChecker) Check(ctx context.Context) int {
	now := p.opts.Clock()
	due := 0
	for _, f := range p.list.Snapshot() {
		if f.Status == domain.FileStatusPending && !f.ScheduledDate.After(now) {
			due++
		}
	}
	if due == 0 {
		return 0
	}

	p.log.Info("found due pending files, triggering send", zap.Int("count", due))
	if err := p.trigger.Trigger(ctx); err != nil {
		p.log.Warn("failed to trigger send", zap.Error(err))
	}
	p.refresh.RequestAfter(p.opts.RefetchDelay)
	return due
}

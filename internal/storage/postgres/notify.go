package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/events"
)

// NotifyBus 基于 LISTEN/NOTIFY 的变更事件总线
//
// 发布通过 pg_notify 写入通道，Run 持有一个专用连接监听通道并分发给本地订阅者。
type NotifyBus struct {
	client  *Client
	channel string
	local   *events.LocalBus
	log     *zap.Logger
}

// NewNotifyBus 创建 PostgreSQL 通知总线
func NewNotifyBus(client *Client, channel string, log *zap.Logger) *NotifyBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &NotifyBus{
		client:  client,
		channel: channel,
		local:   events.NewLocalBus(log),
		log:     log,
	}
}

// Publish 通过 pg_notify 发布事件
func (b *NotifyBus) Publish(ctx context.Context, event domain.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if _, err := b.client.Pool().Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Subscribe 订阅本进程收到的事件
func (b *NotifyBus) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	return b.local.Subscribe(ctx)
}

// Close 关闭本地订阅
func (b *NotifyBus) Close() error {
	return b.local.Close()
}

// Run 监听通知直到 ctx 结束，连接断开时自动重连
func (b *NotifyBus) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn("postgres listener disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (b *NotifyBus) listen(ctx context.Context) error {
	conn, err := b.client.Pool().Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", b.channel, err)
	}
	b.log.Info("listening for change events", zap.String("channel", b.channel))

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var event domain.ChangeEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			b.log.Warn("invalid change event payload", zap.Error(err))
			continue
		}
		_ = b.local.Publish(ctx, event)
	}
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/events"
)

// PubSubBus 基于 Redis 发布订阅的变更事件总线，多实例部署时共享事件
type PubSubBus struct {
	client  *redis.Client
	channel string
	local   *events.LocalBus
	log     *zap.Logger
}

// NewPubSubBus 创建 Redis 事件总线
func NewPubSubBus(client *redis.Client, channel string, log *zap.Logger) *PubSubBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &PubSubBus{
		client:  client,
		channel: channel,
		local:   events.NewLocalBus(log),
		log:     log,
	}
}

// Publish 发布事件到 Redis 频道
func (b *PubSubBus) Publish(ctx context.Context, event domain.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe 订阅本进程收到的事件
func (b *PubSubBus) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	return b.local.Subscribe(ctx)
}

// Close 关闭本地订阅
func (b *PubSubBus) Close() error {
	return b.local.Close()
}

// Run 订阅 Redis 频道直到 ctx 结束，连接断开后按退避间隔重新订阅
func (b *PubSubBus) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn("redis subscriber disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

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

func (b *PubSubBus) listen(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info("listening for change events", zap.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			var event domain.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn("invalid change event payload", zap.Error(err))
				continue
			}
			_ = b.local.Publish(ctx, event)
		}
	}
}

// Package events 定义记录变更事件的发布订阅通道。
package events

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"timecapsule/backend/internal/domain"
)

// ErrBusClosed 事件总线已关闭
var ErrBusClosed = errors.New("event bus closed")

// DefaultBufferSize 每个订阅者的默认缓冲区大小
const DefaultBufferSize = 64

// Publisher 发布变更事件
type Publisher interface {
	Publish(ctx context.Context, event domain.ChangeEvent) error
}

// Subscriber 订阅变更事件，ctx 结束时通道被关闭
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error)
}

// Bus 变更事件总线
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// LocalBus 进程内事件总线
//
// 订阅者缓冲区满时丢弃事件，发布方永不阻塞。
type LocalBus struct {
	mu         sync.RWMutex
	subs       map[uint64]chan domain.ChangeEvent
	next       uint64
	closed     bool
	bufferSize int
	log        *zap.Logger
}

// NewLocalBus 创建进程内事件总线
func NewLocalBus(log *zap.Logger) *LocalBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalBus{
		subs:       make(map[uint64]chan domain.ChangeEvent),
		bufferSize: DefaultBufferSize,
		log:        log,
	}
}

// Publish 向所有订阅者广播事件
func (b *LocalBus) Publish(_ context.Context, event domain.ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.log.Warn("dropping change event for slow subscriber",
				zap.Uint64("subscriber", id),
				zap.String("file_id", event.FileID))
		}
	}
	return nil
}

// Subscribe 注册订阅者
func (b *LocalBus) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	id := b.next
	b.next++
	ch := make(chan domain.ChangeEvent, b.bufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(id)
	}()

	return ch, nil
}

// Subscribers 当前订阅者数量
func (b *LocalBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 关闭总线及全部订阅通道
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	return nil
}

func (b *LocalBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Nop 丢弃所有事件的总线
type Nop struct{}

func (Nop) Publish(context.Context, domain.ChangeEvent) error { return nil }

func (Nop) Subscribe(ctx context.Context) (<-chan domain.ChangeEvent, error) {
	ch := make(chan domain.ChangeEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (Nop) Close() error { return nil }

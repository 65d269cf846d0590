package client

import (
	"context"
	"sync"
	"time"
)

// RefreshEvent 请求重新拉取文件列表的事件名
const RefreshEvent = "refresh-file-list"

// Refresher 在触发方与文件列表之间传递刷新请求
//
// 多次请求在订阅者处理前会被合并为一次。
type Refresher struct {
	mu     sync.Mutex
	subs   map[uint64]chan struct{}
	next   uint64
	timers map[*time.Timer]struct{}
	closed bool
}

// NewRefresher 创建刷新事件通道
func NewRefresher() *Refresher {
	return &Refresher{
		subs:   make(map[uint64]chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Subscribe 订阅刷新事件，ctx 结束时通道被关闭
func (r *Refresher) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch
	}
	id := r.next
	r.next++
	r.subs[id] = ch
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
		r.mu.Unlock()
	}()
	return ch
}

// Request 立即发出刷新请求
func (r *Refresher) Request() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// RequestAfter 延迟发出刷新请求
func (r *Refresher) RequestAfter(d time.Duration) {
	if d <= 0 {
		r.Request()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, timer)
		r.mu.Unlock()
		r.Request()
	})
	r.timers[timer] = struct{}{}
}

// Pending 尚未触发的延迟请求数
func (r *Refresher) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Close 取消所有延迟请求并关闭订阅
func (r *Refresher) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for timer := range r.timers {
		timer.Stop()
	}
	r.timers = make(map[*time.Timer]struct{})
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
}

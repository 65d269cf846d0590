package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"timecapsule/backend/internal/domain"
	wshub "timecapsule/backend/internal/websocket"
)

const (
	DefaultRealtimeRefetchDelay = time.Second
	DefaultReconnectDelay       = 5 * time.Second
)

// Notification 投递结果提示
type Notification struct {
	FileID  string
	Status  domain.FileStatus
	Title   string
	Message string
}

// NotificationFor 事件表示一次投递结果时返回对应提示
func NotificationFor(ev domain.ChangeEvent) (Notification, bool) {
	status, ok := ev.DeliveryOutcome()
	if !ok {
		return Notification{}, false
	}
	n := Notification{FileID: ev.FileID, Status: status}
	if status == domain.FileStatusSent {
		n.Title = "File Sent"
		n.Message = fmt.Sprintf("The file %q has been sent.", ev.New.FileName)
	} else {
		n.Title = "File Failed"
		n.Message = fmt.Sprintf("Failed to send %q.", ev.New.FileName)
	}
	return n, true
}

// RealtimeOptions 实时监听参数
type RealtimeOptions struct {
	RefetchDelay   time.Duration
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

// RealtimeListener 订阅当前用户的记录变更
//
// 任意匹配事件都会安排一次延迟刷新；投递结果额外触发一次提示。
// 同一时刻最多只有一个订阅，用户变化时重新订阅。
type RealtimeListener struct {
	wsURL   string
	refresh *Refresher
	notify  func(Notification)
	opts    RealtimeOptions
	log     *zap.Logger

	mu     sync.Mutex
	userID string
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRealtimeListener 创建实时监听器，baseURL 为后端 HTTP 地址
func NewRealtimeListener(baseURL string, refresh *Refresher, notify func(Notification), opts RealtimeOptions, log *zap.Logger) *RealtimeListener {
	if log == nil {
		log = zap.NewNop()
	}
	if notify == nil {
		notify = func(Notification) {}
	}
	if opts.RefetchDelay <= 0 {
		opts.RefetchDelay = DefaultRealtimeRefetchDelay
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	wsURL := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	return &RealtimeListener{
		wsURL:   wsURL + "/v1/ws",
		refresh: refresh,
		notify:  notify,
		opts:    opts,
		log:     log,
	}
}

// SetUser 切换订阅用户，userID 为空时只取消现有订阅
func (l *RealtimeListener) SetUser(ctx context.Context, userID, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil && l.userID == userID && l.token == token {
		return
	}
	l.stopLocked()

	l.userID, l.token = userID, token
	if userID == "" {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	go func() {
		defer close(done)
		l.run(runCtx, userID, token)
	}()
}

// UserID 当前订阅的用户
func (l *RealtimeListener) UserID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.userID
}

// Stop 取消订阅并等待连接退出
func (l *RealtimeListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
	l.userID, l.token = "", ""
}

func (l *RealtimeListener) stopLocked() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.cancel, l.done = nil, nil
}

// run 保持连接，断开后按固定间隔重连
func (l *RealtimeListener) run(ctx context.Context, userID, token string) {
	for {
		err := l.listen(ctx, userID, token)
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("realtime connection lost, reconnecting",
			zap.String("user_id", userID),
			zap.Duration("delay", l.opts.ReconnectDelay),
			zap.Error(err))

		timer := time.NewTimer(l.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *RealtimeListener) listen(ctx context.Context, userID, token string) error {
	conn, _, err := l.opts.Dialer.DialContext(ctx, l.wsURL+"?token="+url.QueryEscape(token), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// 取消时关闭连接以中断阻塞的读取
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	l.log.Info("realtime subscription established", zap.String("user_id", userID))
	return l.serve(conn, userID)
}

// wsConn 监听循环使用的连接操作，由 *websocket.Conn 实现
type wsConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
}

// serve 读取推送直到连接出错；回复 pong 失败同样视为断线，交给重连处理
func (l *RealtimeListener) serve(conn wsConn, userID string) error {
	for {
		var msg wshub.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		switch msg.Type {
		case wshub.MessageTypeChange:
			ev, err := msg.ChangeEvent()
			if err != nil {
				l.log.Warn("invalid change event", zap.Error(err))
				continue
			}
			l.handle(userID, ev)
		case wshub.MessageTypePing:
			if err := conn.WriteJSON(wshub.Message{Type: wshub.MessageTypePong, Timestamp: time.Now()}); err != nil {
				return fmt.Errorf("write pong: %w", err)
			}
		}
	}
}

func (l *RealtimeListener) handle(userID string, ev domain.ChangeEvent) {
	if ev.UserID != userID {
		return
	}
	l.refresh.RequestAfter(l.opts.RefetchDelay)
	if n, ok := NotificationFor(ev); ok {
		l.notify(n)
	}
}

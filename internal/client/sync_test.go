package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authjwt "timecapsule/backend/internal/auth/jwt"
	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/events"
	wshub "timecapsule/backend/internal/websocket"
)

type stubLister struct {
	mu    sync.Mutex
	files []domain.ScheduledFile
	calls int
	err   error
}

func (s *stubLister) ListFiles(context.Context, domain.FileStatus, string) ([]domain.ScheduledFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]domain.ScheduledFile(nil), s.files...), nil
}

func (s *stubLister) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubTrigger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubTrigger) Trigger(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubTrigger) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRefresher(t *testing.T) {
	t.Run("多次请求合并", func(t *testing.T) {
		r := NewRefresher()
		defer r.Close()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch := r.Subscribe(ctx)

		r.Request()
		r.Request()
		r.Request()

		<-ch
		select {
		case <-ch:
			t.Fatal("requests were not coalesced")
		default:
		}
	})

	t.Run("延迟请求", func(t *testing.T) {
		r := NewRefresher()
		defer r.Close()
		ch := r.Subscribe(context.Background())

		start := time.Now()
		r.RequestAfter(30 * time.Millisecond)
		assert.Equal(t, 1, r.Pending())

		select {
		case <-ch:
			assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		case <-time.After(5 * time.Second):
			t.Fatal("delayed refresh not delivered")
		}
		require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("关闭后取消延迟请求", func(t *testing.T) {
		r := NewRefresher()
		ch := r.Subscribe(context.Background())
		r.RequestAfter(time.Hour)
		r.Close()

		_, ok := <-ch
		assert.False(t, ok)
		assert.Equal(t, 0, r.Pending())
	})
}

func TestFileList_RunRefetchesOnRequest(t *testing.T) {
	lister := &stubLister{files: []domain.ScheduledFile{{ID: "f1"}}}
	list := NewFileList(lister, "user-1", nil)
	refresh := NewRefresher()
	defer refresh.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go list.Run(ctx, refresh)

	require.Eventually(t, func() bool { return lister.callCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, list.Snapshot(), 1)

	lister.mu.Lock()
	lister.files = append(lister.files, domain.ScheduledFile{ID: "f2"})
	lister.mu.Unlock()

	refresh.Request()
	require.Eventually(t, func() bool { return len(list.Snapshot()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, list.FetchedAt().IsZero())
}

func TestFileList_KeepsCacheOnError(t *testing.T) {
	lister := &stubLister{files: []domain.ScheduledFile{{ID: "f1"}}}
	list := NewFileList(lister, "user-1", nil)
	require.NoError(t, list.Refetch(context.Background()))

	lister.err = errors.New("offline")
	assert.Error(t, list.Refetch(context.Background()))
	assert.Len(t, list.Snapshot(), 1)
}

func TestPendingChecker_Check(t *testing.T) {
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	lister := &stubLister{files: []domain.ScheduledFile{
		{ID: "due", Status: domain.FileStatusPending, ScheduledDate: now.Add(-time.Minute)},
		{ID: "future", Status: domain.FileStatusPending, ScheduledDate: now.Add(time.Hour)},
		{ID: "sent", Status: domain.FileStatusSent, ScheduledDate: now.Add(-time.Hour)},
	}}
	list := NewFileList(lister, "user-1", nil)
	require.NoError(t, list.Refetch(context.Background()))

	refresh := NewRefresher()
	defer refresh.Close()
	trigger := &stubTrigger{}
	checker := NewPendingChecker(list, trigger, refresh, PendingCheckerOptions{
		RefetchDelay: time.Hour,
		Clock:        func() time.Time { return now },
	}, nil)

	assert.Equal(t, 1, checker.Check(context.Background()))
	assert.Equal(t, 1, trigger.count())
	assert.Equal(t, 1, refresh.Pending())

	t.Run("没有到期记录", func(t *testing.T) {
		lister.mu.Lock()
		lister.files = lister.files[1:]
		lister.mu.Unlock()
		require.NoError(t, list.Refetch(context.Background()))

		assert.Equal(t, 0, checker.Check(context.Background()))
		assert.Equal(t, 1, trigger.count())
	})

	t.Run("触发失败仍安排刷新", func(t *testing.T) {
		lister.mu.Lock()
		lister.files = []domain.ScheduledFile{{ID: "due", Status: domain.FileStatusPending, ScheduledDate: now}}
		lister.mu.Unlock()
		require.NoError(t, list.Refetch(context.Background()))
		trigger.mu.Lock()
		trigger.err = errors.New("unavailable")
		trigger.mu.Unlock()

		assert.Equal(t, 1, checker.Check(context.Background()))
		assert.Equal(t, 2, refresh.Pending())
	})
}

func TestPendingChecker_Run(t *testing.T) {
	t.Run("未登录时直接返回", func(t *testing.T) {
		checker := NewPendingChecker(NewFileList(&stubLister{}, "", nil), &stubTrigger{}, NewRefresher(), PendingCheckerOptions{}, nil)
		assert.NoError(t, checker.Run(context.Background()))
	})

	t.Run("首次检查与周期检查", func(t *testing.T) {
		lister := &stubLister{files: []domain.ScheduledFile{
			{ID: "due", Status: domain.FileStatusPending, ScheduledDate: time.Now().Add(-time.Minute)},
		}}
		list := NewFileList(lister, "user-1", nil)
		require.NoError(t, list.Refetch(context.Background()))
		refresh := NewRefresher()
		defer refresh.Close()
		trigger := &stubTrigger{}

		checker := NewPendingChecker(list, trigger, refresh, PendingCheckerOptions{
			InitialDelay: 10 * time.Millisecond,
			Interval:     20 * time.Millisecond,
			RefetchDelay: time.Hour,
		}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- checker.Run(ctx) }()

		require.Eventually(t, func() bool { return trigger.count() >= 2 }, 5*time.Second, 5*time.Millisecond)
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestNotificationFor(t *testing.T) {
	now := time.Now()
	file := func(status domain.FileStatus) *domain.ScheduledFile {
		return &domain.ScheduledFile{ID: "f1", UserID: "u", FileName: "letter.txt", Status: status}
	}

	n, ok := NotificationFor(domain.NewChangeEvent(domain.ChangeUpdate, file(domain.FileStatusProcessing), file(domain.FileStatusSent), now))
	require.True(t, ok)
	assert.Equal(t, "File Sent", n.Title)
	assert.Equal(t, `The file "letter.txt" has been sent.`, n.Message)

	n, ok = NotificationFor(domain.NewChangeEvent(domain.ChangeUpdate, file(domain.FileStatusPending), file(domain.FileStatusFailed), now))
	require.True(t, ok)
	assert.Equal(t, "File Failed", n.Title)
	assert.Equal(t, `Failed to send "letter.txt".`, n.Message)

	_, ok = NotificationFor(domain.NewChangeEvent(domain.ChangeUpdate, file(domain.FileStatusPending), file(domain.FileStatusProcessing), now))
	assert.False(t, ok)
	_, ok = NotificationFor(domain.NewChangeEvent(domain.ChangeInsert, nil, file(domain.FileStatusPending), now))
	assert.False(t, ok)
}

func TestRealtimeListener(t *testing.T) {
	gin.SetMode(gin.TestMode)

	bus := events.NewLocalBus(nil)
	tokens := authjwt.NewManager("realtime-test-secret-at-least-32-chars", "timecapsule", time.Hour, time.Hour)
	hub := wshub.NewHub(bus, tokens, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	router := gin.New()
	router.GET("/v1/ws", wshub.HandleWebSocket(hub))
	server := httptest.NewServer(router)
	defer func() {
		server.Close()
		cancel()
		<-hubDone
		bus.Close()
	}()

	var mu sync.Mutex
	var notes []Notification
	refresh := NewRefresher()
	defer refresh.Close()
	refreshed := refresh.Subscribe(ctx)

	listener := NewRealtimeListener(server.URL, refresh, func(n Notification) {
		mu.Lock()
		notes = append(notes, n)
		mu.Unlock()
	}, RealtimeOptions{RefetchDelay: 10 * time.Millisecond, ReconnectDelay: 50 * time.Millisecond}, nil)
	defer listener.Stop()

	pair, err := tokens.GenerateTokenPair("user-1", "user-1@example.com")
	require.NoError(t, err)
	listener.SetUser(ctx, "user-1", pair.AccessToken)
	assert.Equal(t, "user-1", listener.UserID())

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	// 同一用户重复设置不会建立新连接
	listener.SetUser(ctx, "user-1", pair.AccessToken)
	assert.Equal(t, 1, hub.ClientCount())

	before := &domain.ScheduledFile{ID: "f1", UserID: "user-1", FileName: "letter.txt", Status: domain.FileStatusProcessing}
	after := before.Clone()
	after.Status = domain.FileStatusSent
	require.NoError(t, bus.Publish(ctx, domain.NewChangeEvent(domain.ChangeUpdate, before, after, time.Now())))

	select {
	case <-refreshed:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh not requested")
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notes) == 1
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "File Sent", notes[0].Title)
	mu.Unlock()

	// 切换到其他用户会替换原订阅
	other, err := tokens.GenerateTokenPair("user-2", "user-2@example.com")
	require.NoError(t, err)
	listener.SetUser(ctx, "user-2", other.AccessToken)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 && listener.UserID() == "user-2" }, 5*time.Second, 10*time.Millisecond)

	listener.Stop()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timecapsule/backend/internal/domain"
)

// brokenObjects 签名总是失败的对象存储
type brokenObjects struct{}

func (brokenObjects) Put(context.Context, string, io.Reader) (int64, error) {
	return 0, errors.New("disk full")
}

func (brokenObjects) Delete(context.Context, string) error { return nil }

func (brokenObjects) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("signing key unavailable")
}

func TestAccessResolver_Resolve(t *testing.T) {
	t.Run("到期记录被标记为已发送且可重复访问", func(t *testing.T) {
		f := newFixture(t)
		ch := f.subscribe(t)
		file := f.seed(t, time.Now().Add(-time.Minute), domain.FileStatusPending)
		resolver := NewAccessResolver(f.store, f.objects, f.bus, time.Hour, nil, nil)

		first, err := resolver.Resolve(context.Background(), file.AccessToken)
		require.NoError(t, err)
		second, err := resolver.Resolve(context.Background(), file.AccessToken)
		require.NoError(t, err)

		for _, res := range []*AccessResult{first, second} {
			assert.Equal(t, file.FileName, res.FileName)
			assert.Equal(t, "text/plain", res.FileType)
			assert.Contains(t, res.FileURL, "http://localhost:8080/")
			assert.True(t, res.ExpiresAt.After(time.Now().Add(59*time.Minute)))
		}

		stored := f.get(t, file.ID)
		assert.Equal(t, domain.FileStatusSent, stored.Status)
		assert.NotNil(t, stored.SentAt)

		evs := drain(ch)
		require.Len(t, evs, 1)
		status, ok := evs[0].DeliveryOutcome()
		assert.True(t, ok)
		assert.Equal(t, domain.FileStatusSent, status)
	})

	t.Run("未到期记录被打开后同样标记为已发送", func(t *testing.T) {
		f := newFixture(t)
		ch := f.subscribe(t)
		file := f.seed(t, time.Now().Add(time.Hour), domain.FileStatusPending)
		resolver := NewAccessResolver(f.store, f.objects, f.bus, 0, nil, nil)

		res, err := resolver.Resolve(context.Background(), file.AccessToken)
		require.NoError(t, err)
		assert.NotEmpty(t, res.FileURL)

		stored := f.get(t, file.ID)
		assert.Equal(t, domain.FileStatusSent, stored.Status)
		assert.NotNil(t, stored.SentAt)
		assert.Len(t, drain(ch), 1)
	})

	t.Run("处理中记录不改变状态", func(t *testing.T) {
		f := newFixture(t)
		file := f.seed(t, time.Now().Add(-time.Minute), domain.FileStatusProcessing)
		resolver := NewAccessResolver(f.store, f.objects, f.bus, 0, nil, nil)

		_, err := resolver.Resolve(context.Background(), file.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, domain.FileStatusProcessing, f.get(t, file.ID).Status)
	})

	t.Run("失败记录不改变状态", func(t *testing.T) {
		f := newFixture(t)
		file := f.seed(t, time.Now().Add(-time.Minute), domain.FileStatusFailed)
		resolver := NewAccessResolver(f.store, f.objects, f.bus, 0, nil, nil)

		_, err := resolver.Resolve(context.Background(), file.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, domain.FileStatusFailed, f.get(t, file.ID).Status)
	})

	t.Run("令牌不存在", func(t *testing.T) {
		f := newFixture(t)
		resolver := NewAccessResolver(f.store, f.objects, f.bus, 0, nil, nil)

		for _, token := range []string{"", "   ", "unknown-token"} {
			_, err := resolver.Resolve(context.Background(), token)
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, domain.KindNotFound), token)
		}
	})

	t.Run("签名失败", func(t *testing.T) {
		f := newFixture(t)
		file := f.seed(t, time.Now().Add(-time.Minute), domain.FileStatusPending)
		resolver := NewAccessResolver(f.store, brokenObjects{}, f.bus, 0, nil, nil)

		_, err := resolver.Resolve(context.Background(), file.AccessToken)
		require.Error(t, err)
		assert.True(t, domain.IsKind(err, domain.KindStorage))
		assert.Equal(t, domain.FileStatusPending, f.get(t, file.ID).Status)
	})
}

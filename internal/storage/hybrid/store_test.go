package hybrid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/storage"
	"timecapsule/backend/internal/storage/memory"
	"timecapsule/backend/internal/storage/storagetest"
)

var errMiss = errors.New("miss")

// mapCache 内存版 FileCache
type mapCache struct {
	mu     sync.Mutex
	files  map[string]*domain.ScheduledFile
	tokens map[string]string
	hits   int
}

func newMapCache() *mapCache {
	return &mapCache{files: map[string]*domain.ScheduledFile{}, tokens: map[string]string{}}
}

func (c *mapCache) CacheFile(_ context.Context, file *domain.ScheduledFile, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[file.ID] = file.Clone()
	c.tokens[file.AccessToken] = file.ID
	return nil
}

func (c *mapCache) GetCachedFile(_ context.Context, id string) (*domain.ScheduledFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.files[id]; ok {
		c.hits++
		return f.Clone(), nil
	}
	return nil, errMiss
}

func (c *mapCache) GetCachedFileID(_ context.Context, token string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.tokens[token]; ok {
		return id, nil
	}
	return "", errMiss
}

func (c *mapCache) DeleteCachedFile(_ context.Context, id, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, id)
	if token != "" {
		delete(c.tokens, token)
	}
	return nil
}

func TestHybridStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return NewStore(memory.NewStore(), newMapCache(), time.Minute, nil)
	})
}

func TestHybridStore_CachesTerminalRecordsOnly(t *testing.T) {
	cache := newMapCache()
	store := NewStore(memory.NewStore(), cache, time.Minute, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	file := storagetest.NewFile("user-1", now.Add(-time.Minute))
	require.NoError(t, store.CreateFile(ctx, file))

	got, err := store.GetFileByToken(ctx, file.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusPending, got.Status)
	assert.Equal(t, 0, cache.hits)

	ok, err := store.UpdateStatus(ctx, domain.StatusUpdate{
		ID: file.ID, From: domain.FileStatusPending, To: domain.FileStatusSent, SentAt: &now, At: now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 2; i++ {
		got, err = store.GetFileByToken(ctx, file.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, domain.FileStatusSent, got.Status)
	}
	assert.Equal(t, 1, cache.hits)
}

// racingDB 在读取返回前执行一次 after，模拟读取与状态更新交错
type racingDB struct {
	*memory.Store
	once  sync.Once
	after func()
}

func (d *racingDB) GetFile(ctx context.Context, id string) (*domain.ScheduledFile, error) {
	file, err := d.Store.GetFile(ctx, id)
	if err == nil && d.after != nil {
		d.once.Do(d.after)
	}
	return file, err
}

func TestHybridStore_ConcurrentReadDoesNotPinStaleStatus(t *testing.T) {
	db := &racingDB{Store: memory.NewStore()}
	store := NewStore(db, newMapCache(), time.Minute, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	file := storagetest.NewFile("user-1", now.Add(-time.Minute))
	require.NoError(t, store.CreateFile(ctx, file))

	claim := domain.StatusUpdate{
		ID: file.ID, From: domain.FileStatusPending, To: domain.FileStatusProcessing, ClaimToken: "claim-1", At: now,
	}
	ok, err := store.UpdateStatus(ctx, claim)
	require.NoError(t, err)
	require.True(t, ok)

	// 读取拿到 processing 之后、写入缓存之前，投递器写入终态
	db.after = func() {
		ok, err := store.UpdateStatus(ctx, domain.StatusUpdate{
			ID: file.ID, From: domain.FileStatusProcessing, To: domain.FileStatusSent,
			ClaimToken: "claim-1", SentAt: &now, EmailID: "<1@test.local>", At: now,
		})
		require.NoError(t, err)
		require.True(t, ok)
	}

	stale, err := store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusProcessing, stale.Status)

	fresh, err := store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusSent, fresh.Status)
	assert.Equal(t, "<1@test.local>", fresh.EmailID)
}

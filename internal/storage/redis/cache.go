package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"timecapsule/backend/internal/domain"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// Cache Redis 记录缓存
type Cache struct {
	client *redis.Client
}

// NewCache 使用已有连接创建缓存
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func fileKey(id string) string {
	return fmt.Sprintf("scheduled_file:%s", id)
}

func tokenKey(token string) string {
	return fmt.Sprintf("scheduled_file:token:%s", token)
}

// CacheFile 缓存记录及访问令牌索引
func (c *Cache) CacheFile(ctx context.Context, file *domain.ScheduledFile, ttl time.Duration) error {
	data, err := json.Marshal(cachedFile{ScheduledFile: file, ClaimToken: file.ClaimToken, ClaimedAt: file.ClaimedAt})
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, fileKey(file.ID), data, ttl)
	pipe.Set(ctx, tokenKey(file.AccessToken), file.ID, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// GetCachedFile 获取缓存的记录
func (c *Cache) GetCachedFile(ctx context.Context, id string) (*domain.ScheduledFile, error) {
	data, err := c.client.Get(ctx, fileKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var cached cachedFile
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	file := cached.ScheduledFile
	file.ClaimToken = cached.ClaimToken
	file.ClaimedAt = cached.ClaimedAt
	return file, nil
}

// GetCachedFileID 根据访问令牌获取缓存的记录 ID
func (c *Cache) GetCachedFileID(ctx context.Context, token string) (string, error) {
	id, err := c.client.Get(ctx, tokenKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return id, nil
}

// DeleteCachedFile 删除缓存的记录
func (c *Cache) DeleteCachedFile(ctx context.Context, id, token string) error {
	keys := []string{fileKey(id)}
	if token != "" {
		keys = append(keys, tokenKey(token))
	}
	return c.client.Del(ctx, keys...).Err()
}

// cachedFile 缓存序列化格式，补上 JSON 中隐藏的认领字段
type cachedFile struct {
	*domain.ScheduledFile
	ClaimToken string     `json:"claimToken,omitempty"`
	ClaimedAt  *time.Time `json:"claimedAt,omitempty"`
}

package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrObjectNotFound 对象不存在
var ErrObjectNotFound = errors.New("object not found")

// Store 文件系统对象存储
//
// 对象以键为相对路径保存在根目录下，读取通过签名链接授权。
type Store struct {
	basePath      string         // 对象存储根目录
	platformUtils *PlatformUtils // 平台兼容性工具
	signer        *URLSigner     // 签名链接生成器
}

// NewStore 创建文件系统存储实例
func NewStore(basePath string, signer *URLSigner) (*Store, error) {
	if signer == nil {
		return nil, fmt.Errorf("url signer is required")
	}

	platformUtils := NewPlatformUtils()
	normalizedPath := platformUtils.NormalizePath(basePath)

	// 确保基础目录存在
	if err := os.MkdirAll(normalizedPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Store{
		basePath:      normalizedPath,
		platformUtils: platformUtils,
		signer:        signer,
	}, nil
}

// ObjectKey 生成上传对象键: {userId}/{unixMillis}.{ext}
func ObjectKey(userID string, now time.Time, fileName string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(NewPlatformUtils().SanitizeFilename(fileName))), ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%s/%d.%s", userID, now.UnixMilli(), ext)
}

// Put 写入对象，先写临时文件再原子重命名
func (s *Store) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	target, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, &contextReader{ctx: ctx, r: r})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write object: %w", err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return 0, fmt.Errorf("failed to commit object: %w", err)
	}
	return written, nil
}

// Open 打开对象
func (s *Store) Open(_ context.Context, key string) (*os.File, error) {
	target, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	return f, nil
}

// Delete 删除对象
func (s *Store) Delete(_ context.Context, key string) error {
	target, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}

	// 清理空目录
	if dir := filepath.Dir(target); dir != s.basePath {
		_ = os.Remove(dir)
	}
	return nil
}

// SignedURL 生成对象的限时访问链接
func (s *Store) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := s.resolve(key); err != nil {
		return "", err
	}
	return s.signer.Sign(key, ttl)
}

// Verify 校验下载令牌
func (s *Store) Verify(token, key string) error {
	return s.signer.Verify(token, key)
}

// Stats 返回对象数量和总字节数
func (s *Store) Stats() (int, int64, error) {
	var count int
	var size int64
	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		count++
		size += info.Size()
		return nil
	})
	return count, size, err
}

// resolve 将对象键解析为绝对路径
func (s *Store) resolve(key string) (string, error) {
	if err := s.platformUtils.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}

// contextReader 在 ctx 结束后中断读取
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

package filesystem

import (
	"context"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "object-signing-secret-for-tests-only"

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	signer, err := NewURLSigner(testSecret, "http://localhost:8080/")
	require.NoError(t, err)
	store, err := NewStore(t.TempDir(), signer)
	require.NoError(t, err)
	return store
}

func TestStore_PutOpenDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	key := "user-1/1700000000000.txt"

	n, err := store.Put(ctx, key, strings.NewReader("hello capsule"))
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)

	f, err := store.Open(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "hello capsule", string(data))

	count, size, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(13), size)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Open(ctx, key)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.ErrorIs(t, store.Delete(ctx, key), ErrObjectNotFound)
}

func TestStore_RejectsUnsafeKeys(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "../etc/passwd", "/abs/path", "a/../../b", "a//b", "a\\b", "./a"} {
		t.Run(key, func(t *testing.T) {
			_, err := store.Put(ctx, key, strings.NewReader("x"))
			assert.Error(t, err)
		})
	}
}

func TestStore_PutCancelled(t *testing.T) {
	store := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Put(ctx, "user-1/cancelled.txt", strings.NewReader("data"))
	assert.Error(t, err)
	_, err = store.Open(context.Background(), "user-1/cancelled.txt")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestURLSigner(t *testing.T) {
	signer, err := NewURLSigner(testSecret, "https://api.example.com")
	require.NoError(t, err)
	key := "user 1/1700000000000.pdf"

	t.Run("签名链接可验证", func(t *testing.T) {
		raw, err := signer.Sign(key, time.Hour)
		require.NoError(t, err)

		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, "api.example.com", u.Host)
		assert.Equal(t, "/v1/objects/user%201/1700000000000.pdf", u.EscapedPath())
		assert.NoError(t, signer.Verify(u.Query().Get("token"), key))
	})

	t.Run("对象不匹配", func(t *testing.T) {
		token, err := signer.Token(key, time.Hour)
		require.NoError(t, err)
		assert.ErrorIs(t, signer.Verify(token, "user-2/other.pdf"), ErrInvalidSignature)
	})

	t.Run("过期", func(t *testing.T) {
		past := time.Now().Add(-2 * time.Hour)
		signer.now = func() time.Time { return past }
		token, err := signer.Token(key, time.Hour)
		signer.now = time.Now
		require.NoError(t, err)
		assert.ErrorIs(t, signer.Verify(token, key), ErrSignatureExpired)
	})

	t.Run("不同密钥", func(t *testing.T) {
		other, err := NewURLSigner("another-signing-secret-value", "https://api.example.com")
		require.NoError(t, err)
		token, err := other.Token(key, time.Hour)
		require.NoError(t, err)
		assert.ErrorIs(t, signer.Verify(token, key), ErrInvalidSignature)
	})

	t.Run("两次签名互不相同", func(t *testing.T) {
		first, err := signer.Sign(key, time.Hour)
		require.NoError(t, err)
		second, err := signer.Sign(key, time.Hour)
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
	})

	t.Run("密钥过短", func(t *testing.T) {
		_, err := NewURLSigner("short", "")
		assert.Error(t, err)
	})
}

func TestObjectKey(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	assert.Equal(t, "u1/1700000000123.pdf", ObjectKey("u1", at, "Report.PDF"))
	assert.Equal(t, "u1/1700000000123.bin", ObjectKey("u1", at, "README"))
	assert.Equal(t, "u1/1700000000123.png", ObjectKey("u1", at, "../../evil.png"))
}

func TestSanitizeFilename(t *testing.T) {
	p := NewPlatformUtils()
	assert.Equal(t, "passwd", p.SanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "unnamed", p.SanitizeFilename("..."))
	assert.Equal(t, "a b.txt", p.SanitizeFilename("a\x01 b.txt"))
	assert.Len(t, p.SanitizeFilename(strings.Repeat("x", 300)+".txt"), 200)
}

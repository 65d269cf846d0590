package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-development-32-chars-long-at-least"

func newTestManager() *Manager {
	return NewManager(testSecret, "timecapsule", 15*time.Minute, 7*24*time.Hour)
}

func TestManager_GenerateTokenPair(t *testing.T) {
	manager := newTestManager()

	tokens, err := manager.GenerateTokenPair("user-1", "user@example.com")
	require.NoError(t, err)

	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, int64(15*60), tokens.ExpiresIn)

	claims, err := manager.ValidateToken(tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "user@example.com", claims.Email)
	assert.Equal(t, RoleUser, claims.Role)
	assert.False(t, claims.IsService())
}

func TestManager_ServiceToken(t *testing.T) {
	manager := newTestManager()

	token, err := manager.GenerateServiceToken("poller", 0)
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.True(t, claims.IsService())
	assert.Empty(t, claims.UserID)
	assert.Equal(t, "poller", claims.Subject)

	_, err = manager.RefreshAccessToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_ValidateToken(t *testing.T) {
	manager := newTestManager()

	t.Run("格式错误", func(t *testing.T) {
		_, err := manager.ValidateToken("invalid.token.string")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("密钥不同", func(t *testing.T) {
		other := NewManager("another-secret-key-for-development-32-chars", "timecapsule", time.Minute, time.Hour)
		tokens, err := other.GenerateTokenPair("user-1", "")
		require.NoError(t, err)

		_, err = manager.ValidateToken(tokens.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("签发者不同", func(t *testing.T) {
		other := NewManager(testSecret, "someone-else", time.Minute, time.Hour)
		tokens, err := other.GenerateTokenPair("user-1", "")
		require.NoError(t, err)

		_, err = manager.ValidateToken(tokens.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("令牌过期", func(t *testing.T) {
		issued := newTestManager()
		issued.now = func() time.Time { return time.Now().Add(-time.Hour) }
		tokens, err := issued.GenerateTokenPair("user-1", "")
		require.NoError(t, err)

		_, err = manager.ValidateToken(tokens.AccessToken)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})
}

func TestManager_RefreshAccessToken(t *testing.T) {
	manager := newTestManager()

	tokens, err := manager.GenerateTokenPair("user-1", "user@example.com")
	require.NoError(t, err)

	access, err := manager.RefreshAccessToken(tokens.RefreshToken)
	require.NoError(t, err)

	claims, err := manager.ValidateToken(access)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "user@example.com", claims.Email)

	_, err = manager.RefreshAccessToken("invalid")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

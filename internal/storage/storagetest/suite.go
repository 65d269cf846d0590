// Package storagetest 提供所有 storage.Store 实现共用的契约测试。
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/storage"
)

// Factory 为每个子测试创建一个全新的存储
type Factory func(t *testing.T) storage.Store

// NewFile 构造测试用记录
func NewFile(userID string, scheduled time.Time) *domain.ScheduledFile {
	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.ScheduledFile{
		ID:             id,
		UserID:         userID,
		FileName:       "capsule-" + id[:8] + ".txt",
		FileSize:       12,
		FileType:       "text/plain",
		StoragePath:    userID + "/" + id + ".txt",
		RecipientEmail: "friend@example.com",
		ScheduledDate:  scheduled.UTC().Truncate(time.Millisecond),
		Status:         domain.FileStatusPending,
		AccessToken:    uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Run 运行完整的契约测试
func Run(t *testing.T, newStore Factory) {
	t.Run("create and get", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("list by user", func(t *testing.T) { testListByUser(t, newStore(t)) })
	t.Run("list due", func(t *testing.T) { testListDue(t, newStore(t)) })
	t.Run("claim is exclusive", func(t *testing.T) { testClaimExclusive(t, newStore(t)) })
	t.Run("claim token guards completion", func(t *testing.T) { testClaimTokenGuard(t, newStore(t)) })
	t.Run("terminal states are final", func(t *testing.T) { testTerminalFinal(t, newStore(t)) })
	t.Run("update schedule", func(t *testing.T) { testUpdateSchedule(t, newStore(t)) })
	t.Run("stale claims", func(t *testing.T) { testStaleClaims(t, newStore(t)) })
	t.Run("delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("send logs", func(t *testing.T) { testSendLogs(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, store storage.Store) {
	ctx := context.Background()
	file := NewFile("user-1", time.Now().Add(time.Hour))
	require.NoError(t, store.CreateFile(ctx, file))

	got, err := store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, file.FileName, got.FileName)
	assert.Equal(t, domain.FileStatusPending, got.Status)
	assert.True(t, file.ScheduledDate.Equal(got.ScheduledDate))

	byToken, err := store.GetFileByToken(ctx, file.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, file.ID, byToken.ID)

	_, err = store.GetFile(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrFileNotFound)

	_, err = store.GetFileByToken(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrFileNotFound)
}

func testListByUser(t *testing.T, store storage.Store) {
	ctx := context.Background()
	base := time.Now().UTC()

	older := NewFile("user-1", base.Add(time.Hour))
	older.CreatedAt = base.Add(-2 * time.Minute)
	older.FileName = "holiday-photo.png"
	newer := NewFile("user-1", base.Add(time.Hour))
	newer.CreatedAt = base.Add(-time.Minute)
	newer.RecipientEmail = "carol@example.com"
	other := NewFile("user-2", base.Add(time.Hour))

	for _, f := range []*domain.ScheduledFile{older, newer, other} {
		require.NoError(t, store.CreateFile(ctx, f))
	}

	files, err := store.ListFilesByUser(ctx, "user-1", domain.FileFilter{})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, newer.ID, files[0].ID)
	assert.Equal(t, older.ID, files[1].ID)

	files, err = store.ListFilesByUser(ctx, "user-1", domain.FileFilter{Search: "PHOTO"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, older.ID, files[0].ID)

	files, err = store.ListFilesByUser(ctx, "user-1", domain.FileFilter{Search: "carol"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, newer.ID, files[0].ID)

	sent := domain.FileStatusSent
	files, err = store.ListFilesByUser(ctx, "user-1", domain.FileFilter{Status: &sent})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func testListDue(t *testing.T, store storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	past := NewFile("user-1", now.Add(-time.Hour))
	earlier := NewFile("user-1", now.Add(-2*time.Hour))
	future := NewFile("user-1", now.Add(time.Hour))
	for _, f := range []*domain.ScheduledFile{past, earlier, future} {
		require.NoError(t, store.CreateFile(ctx, f))
	}

	due, err := store.ListDueFiles(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, earlier.ID, due[0].ID)
	assert.Equal(t, past.ID, due[1].ID)

	limited, err := store.ListDueFiles(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	claimed, err := store.UpdateStatus(ctx, domain.StatusUpdate{
		ID: past.ID, From: domain.FileStatusPending, To: domain.FileStatusProcessing,
		ClaimToken: "claim-1", At: now,
	})
	require.NoError(t, err)
	require.True(t, claimed)

	due, err = store.ListDueFiles(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, earlier.ID, due[0].ID)
}

func testClaimExclusive(t *testing.T, store storage.Store) {
	ctx := context.Background()
	file := NewFile("user-1", time.Now().Add(-time.Minute))
	require.NoError(t, store.CreateFile(ctx, file))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := store.UpdateStatus(ctx, domain.StatusUpdate{
				ID: file.ID, From: domain.FileStatusPending, To: domain.FileStatusProcessing,
				ClaimToken: fmt.Sprintf("claim-%d", n), At: time.Now().UTC(),
			})
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	got, err := store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusProcessing, got.Status)
	require.NotNil(t, got.ClaimedAt)
}

func testClaimTokenGuard(t *testing.T, store storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	file := NewFile("user-1", now.Add(-time.Minute))
	require.NoError(t, store.CreateFile(ctx, file))

	ok, err := store.UpdateStatus(ctx, domain.StatusUpdate{
		ID: file.ID, From: domain.FileStatusPending, To: domain.FileStatusProcessing, ClaimToken: "owner", At: now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	sentAt := now.Add(time.Second)
	ok, err = store.UpdateStatus(ctx, domain.StatusUpdate{
		ID: file.ID, From: domain.FileStatusProcessing, To: domain.FileStatusSent, ClaimToken: "intruder",
		SentAt: &sentAt, EmailID: "<x@y>", At: sentAt,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.UpdateStatus(ctx, domain.StatusUpdate{
		ID: file.ID, From: domain.FileStatusProcessing, To: domain.FileStatusSent, ClaimToken: "owner",
		SentAt: &sentAt, EmailID: "<x@y>", At: sentAt,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusSent, got.Status)
	assert.Equal(t, "<x@y>", got.EmailID)
	require.NotNil(t, got.SentAt)
}

func testTerminalFinal(t *testing.T, store storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	file := NewFile("user-1", now.Add(-time.Minute))
	require.NoError(t, store.CreateFile(ctx, file))

	ok, err := store.UpdateStatus(ctx, domain.StatusUpdate{
		ID: file.ID, From: domain.FileStatusPending, To: domain.FileStatusProcessing, ClaimToken: "c", At: now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.UpdateStatus(ctx, domain.StatusUpdate{
		ID: file.ID, From: domain.FileStatusProcessing, To: domain.FileStatusFailed, ClaimToken: "c",
		ErrorMessage: "SMTP error", At: now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.UpdateStatus(ctx, domain.StatusUpdate{
		ID: file.ID, From: domain.FileStatusFailed, To: domain.FileStatusProcessing, ClaimToken: "again", At: now,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	ok, err = store.UpdateStatus(ctx, domain.StatusUpdate{
		ID: file.ID, From: domain.FileStatusPending, To: domain.FileStatusProcessing, ClaimToken: "again", At: now,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusFailed, got.Status)
	assert.Equal(t, "SMTP error", got.ErrorMessage)
}

func testUpdateSchedule(t *testing.T, store storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	file := NewFile("user-1", now.Add(time.Hour))
	require.NoError(t, store.CreateFile(ctx, file))

	newDate := now.Add(48 * time.Hour).Truncate(time.Millisecond)
	updated, err := store.UpdateSchedule(ctx, file.ID, "new@example.com", newDate, now)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", updated.RecipientEmail)
	assert.True(t, newDate.Equal(updated.ScheduledDate))

	ok, err := store.UpdateStatus(ctx, domain.StatusUpdate{
		ID: file.ID, From: domain.FileStatusPending, To: domain.FileStatusSent, SentAt: &now, At: now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.UpdateSchedule(ctx, file.ID, "late@example.com", now, now)
	assert.ErrorIs(t, err, storage.ErrFileNotPending)

	_, err = store.UpdateSchedule(ctx, "missing", "x@example.com", now, now)
	assert.ErrorIs(t, err, storage.ErrFileNotFound)
}

func testStaleClaims(t *testing.T, store storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	stale := NewFile("user-1", now.Add(-time.Hour))
	fresh := NewFile("user-1", now.Add(-time.Hour))
	require.NoError(t, store.CreateFile(ctx, stale))
	require.NoError(t, store.CreateFile(ctx, fresh))

	_, err := store.UpdateStatus(ctx, domain.StatusUpdate{
		ID: stale.ID, From: domain.FileStatusPending, To: domain.FileStatusProcessing, ClaimToken: "s", At: now.Add(-time.Hour),
	})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, domain.StatusUpdate{
		ID: fresh.ID, From: domain.FileStatusPending, To: domain.FileStatusProcessing, ClaimToken: "f", At: now,
	})
	require.NoError(t, err)

	files, err := store.ListStaleClaims(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, stale.ID, files[0].ID)
	assert.Equal(t, "s", files[0].ClaimToken)
}

func testDelete(t *testing.T, store storage.Store) {
	ctx := context.Background()
	file := NewFile("user-1", time.Now().Add(time.Hour))
	require.NoError(t, store.CreateFile(ctx, file))

	require.NoError(t, store.DeleteFile(ctx, file.ID))
	_, err := store.GetFile(ctx, file.ID)
	assert.ErrorIs(t, err, storage.ErrFileNotFound)
	_, err = store.GetFileByToken(ctx, file.AccessToken)
	assert.ErrorIs(t, err, storage.ErrFileNotFound)

	assert.ErrorIs(t, store.DeleteFile(ctx, file.ID), storage.ErrFileNotFound)
}

func testSendLogs(t *testing.T, store storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	first := domain.NewSendLogEntry(uuid.NewString(), "file-1", domain.SendLogAttempt,
		map[string]string{"fileName": "a.txt"}, now)
	second := domain.NewSendLogEntry(uuid.NewString(), "file-1", domain.SendLogSuccess,
		map[string]string{"emailId": "<m@x>"}, now.Add(time.Second))
	require.NoError(t, store.AppendSendLog(ctx, first))
	require.NoError(t, store.AppendSendLog(ctx, second))
	require.NoError(t, store.AppendSendLog(ctx, domain.NewSendLogEntry(uuid.NewString(), "file-2", domain.SendLogError, nil, now)))

	entries, err := store.ListSendLogs(ctx, "file-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.SendLogAttempt, entries[0].Status)
	assert.Equal(t, domain.SendLogSuccess, entries[1].Status)
	assert.Equal(t, "<m@x>", entries[1].DetailMap()["emailId"])
}

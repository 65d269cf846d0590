package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStatus_Transitions(t *testing.T) {
	allowed := map[FileStatus][]FileStatus{
		FileStatusPending:    {FileStatusProcessing, FileStatusSent},
		FileStatusProcessing: {FileStatusSent, FileStatusFailed},
	}

	for _, from := range AllFileStatuses() {
		for _, to := range AllFileStatuses() {
			expected := false
			for _, s := range allowed[from] {
				if s == to {
					expected = true
				}
			}
			assert.Equal(t, expected, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	t.Run("终态不可回退", func(t *testing.T) {
		err := CheckTransition(FileStatusSent, FileStatusPending)
		assert.True(t, errors.Is(err, ErrInvalidTransition))

		err = CheckTransition(FileStatusFailed, FileStatusProcessing)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	})

	t.Run("未知状态", func(t *testing.T) {
		err := CheckTransition(FileStatus("queued"), FileStatusSent)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.True(t, FileStatusSent.IsTerminal())
		assert.False(t, FileStatusProcessing.IsTerminal())
	})
}

func TestParseFileStatus(t *testing.T) {
	status, err := ParseFileStatus(" Sent ")
	require.NoError(t, err)
	assert.Equal(t, FileStatusSent, status)

	_, err = ParseFileStatus("archived")
	assert.Error(t, err)
}

func TestStatusUpdate_MatchesAndApply(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	file := &ScheduledFile{
		ID:            "f1",
		Status:        FileStatusPending,
		ScheduledDate: now.Add(-time.Minute),
	}

	claim := StatusUpdate{ID: "f1", From: FileStatusPending, To: FileStatusProcessing, ClaimToken: "c1", At: now}
	require.NoError(t, claim.Validate())
	require.True(t, claim.Matches(file))
	claim.Apply(file)
	assert.Equal(t, FileStatusProcessing, file.Status)
	assert.Equal(t, "c1", file.ClaimToken)
	require.NotNil(t, file.ClaimedAt)

	t.Run("认领令牌不匹配", func(t *testing.T) {
		update := StatusUpdate{ID: "f1", From: FileStatusProcessing, To: FileStatusSent, ClaimToken: "other", At: now}
		assert.False(t, update.Matches(file))
	})

	t.Run("认领令牌匹配", func(t *testing.T) {
		sentAt := now.Add(time.Second)
		update := StatusUpdate{ID: "f1", From: FileStatusProcessing, To: FileStatusSent, ClaimToken: "c1", SentAt: &sentAt, EmailID: "<m1@x>", At: sentAt}
		require.True(t, update.Matches(file))
		update.Apply(file)
		assert.Equal(t, FileStatusSent, file.Status)
		assert.Equal(t, "<m1@x>", file.EmailID)
		assert.Equal(t, sentAt, *file.SentAt)
	})

	t.Run("未到期时 DueBy 条件不成立", func(t *testing.T) {
		future := &ScheduledFile{ID: "f2", Status: FileStatusPending, ScheduledDate: now.Add(time.Hour)}
		update := StatusUpdate{ID: "f2", From: FileStatusPending, To: FileStatusSent, DueBy: &now, At: now}
		assert.False(t, update.Matches(future))
	})

	t.Run("认领必须携带令牌", func(t *testing.T) {
		update := StatusUpdate{ID: "f3", From: FileStatusPending, To: FileStatusProcessing}
		assert.Error(t, update.Validate())
	})
}

func TestFileFilter_Matches(t *testing.T) {
	sent := FileStatusSent
	file := &ScheduledFile{FileName: "Letter.PDF", RecipientEmail: "bob@example.com", Status: FileStatusSent}

	assert.True(t, FileFilter{}.Matches(file))
	assert.True(t, FileFilter{Search: "letter"}.Matches(file))
	assert.True(t, FileFilter{Search: "BOB@"}.Matches(file))
	assert.True(t, FileFilter{Status: &sent}.Matches(file))
	assert.False(t, FileFilter{Search: "photo"}.Matches(file))

	pending := FileStatusPending
	assert.False(t, FileFilter{Status: &pending}.Matches(file))
}

func TestChangeEvent_DeliveryOutcome(t *testing.T) {
	now := time.Now()
	before := &ScheduledFile{ID: "f1", UserID: "u1", Status: FileStatusProcessing}
	after := before.Clone()
	after.Status = FileStatusFailed

	outcome, ok := NewChangeEvent(ChangeUpdate, before, after, now).DeliveryOutcome()
	require.True(t, ok)
	assert.Equal(t, FileStatusFailed, outcome)

	_, ok = NewChangeEvent(ChangeInsert, nil, after, now).DeliveryOutcome()
	assert.False(t, ok)

	claimed := &ScheduledFile{ID: "f1", UserID: "u1", Status: FileStatusPending}
	processing := claimed.Clone()
	processing.Status = FileStatusProcessing
	_, ok = NewChangeEvent(ChangeUpdate, claimed, processing, now).DeliveryOutcome()
	assert.False(t, ok)

	ev := NewChangeEvent(ChangeDelete, before, nil, now)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "f1", ev.FileID)
}

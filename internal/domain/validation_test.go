package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateRecipient(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected error
	}{
		{"Valid email", "test@example.com", nil},
		{"Valid email with subdomain", "user@mail.example.com", nil},
		{"Valid email with plus", "user+tag@example.com", nil},
		{"Mixed case is normalized", "  User@Example.COM ", nil},
		{"Empty", "", ErrRecipientRequired},
		{"No @", "testexample.com", ErrInvalidEmail},
		{"No domain dot", "test@example", ErrInvalidEmail},
		{"Spaces", "test @example.com", ErrInvalidEmail},
		{"Multiple @", "test@@example.com", ErrInvalidEmail},
		{"Too long", strings.Repeat("a", 250) + "@example.com", ErrEmailTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecipient(tt.email)
			if tt.expected == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.expected), "got %v", err)
		})
	}
}

func TestScheduleInput_Validate(t *testing.T) {
	valid := ScheduleInput{
		FileName:       "memo.txt",
		FileSize:       42,
		FileType:       "text/plain",
		RecipientEmail: "friend@example.com",
		ScheduledDate:  time.Now().Add(time.Hour),
	}
	assert.NoError(t, valid.Validate(0))

	t.Run("超出大小限制", func(t *testing.T) {
		in := valid
		in.FileSize = DefaultMaxUploadSize + 1
		err := in.Validate(0)
		assert.True(t, errors.Is(err, ErrFileTooLarge))
		assert.True(t, IsKind(err, KindValidation))
	})

	t.Run("自定义大小限制", func(t *testing.T) {
		in := valid
		in.FileSize = 100
		assert.True(t, errors.Is(in.Validate(50), ErrFileTooLarge))
	})

	t.Run("缺少文件", func(t *testing.T) {
		in := valid
		in.FileSize = 0
		assert.True(t, errors.Is(in.Validate(0), ErrFileRequired))
	})

	t.Run("缺少时间", func(t *testing.T) {
		in := valid
		in.ScheduledDate = time.Time{}
		assert.True(t, errors.Is(in.Validate(0), ErrScheduleRequired))
	})

	t.Run("收件人无效", func(t *testing.T) {
		in := valid
		in.RecipientEmail = "nobody"
		err := in.Validate(0)
		assert.True(t, errors.Is(err, ErrInvalidEmail))
		assert.Equal(t, KindValidation, KindOf(err))
	})
}

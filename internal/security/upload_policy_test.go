package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timecapsule/backend/internal/domain"
)

func TestUploadPolicy_Check(t *testing.T) {
	policy := NewUploadPolicy(1024)

	testCases := []struct {
		name     string
		fileName string
		mimeType string
		size     int64
		header   []byte
		wantErr  error
	}{
		{name: "普通文本文件", fileName: "notes.txt", mimeType: "text/plain", size: 10, header: []byte("hello")},
		{name: "PDF文件", fileName: "letter.pdf", mimeType: "application/pdf", size: 1024, header: []byte("%PDF-1.7")},
		{name: "超过大小上限", fileName: "big.bin", size: 1025, wantErr: domain.ErrFileTooLarge},
		{name: "危险扩展名", fileName: "setup.EXE", size: 10, wantErr: ErrDangerousExtension},
		{name: "禁止的MIME类型", fileName: "tool", mimeType: "application/x-msdownload", size: 10, wantErr: ErrBlockedMimeType},
		{name: "ELF可执行文件", fileName: "image.png", mimeType: "image/png", size: 10, header: []byte{0x7F, 0x45, 0x4C, 0x46, 0x02}, wantErr: ErrExecutableContent},
		{name: "PE可执行文件", fileName: "doc.txt", size: 10, header: []byte("MZ\x90\x00"), wantErr: ErrExecutableContent},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := policy.Check(tc.fileName, tc.mimeType, tc.size, tc.header)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.True(t, domain.IsKind(err, domain.KindValidation))
		})
	}
}

func TestNewUploadPolicy_DefaultSize(t *testing.T) {
	assert.Equal(t, domain.DefaultMaxUploadSize, NewUploadPolicy(0).MaxFileSize())
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", DetectContentType("a.bin", "application/pdf", nil))
	assert.Equal(t, "text/plain", DetectContentType("a.bin", "text/plain; charset=utf-8", nil))
	assert.Equal(t, "image/png", DetectContentType("photo.png", "application/octet-stream", nil))
	assert.Equal(t, "application/pdf", DetectContentType("noext", "", []byte("%PDF-1.7\n")))
	assert.Equal(t, "application/octet-stream", DetectContentType("noext", "", nil))
}

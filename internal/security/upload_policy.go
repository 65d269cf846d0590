package security

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"timecapsule/backend/internal/domain"
)

var (
	// ErrDangerousExtension 文件扩展名被禁止
	ErrDangerousExtension = errors.New("dangerous file extension")
	// ErrExecutableContent 文件内容为可执行程序
	ErrExecutableContent = errors.New("executable file detected")
	// ErrBlockedMimeType MIME 类型被禁止
	ErrBlockedMimeType = errors.New("disallowed MIME type")
)

// SniffLength 内容检测读取的头部长度
const SniffLength = 512

// UploadPolicy 上传文件安全检查器
type UploadPolicy struct {
	// 最大文件大小（字节）
	maxFileSize int64

	// 危险文件扩展名
	dangerousExtensions map[string]bool

	// 禁止的 MIME 类型
	blockedMimeTypes map[string]bool
}

// NewUploadPolicy 创建上传检查器，maxFileSize <= 0 时使用 10MB
func NewUploadPolicy(maxFileSize int64) *UploadPolicy {
	if maxFileSize <= 0 {
		maxFileSize = domain.DefaultMaxUploadSize
	}
	return &UploadPolicy{
		maxFileSize: maxFileSize,
		dangerousExtensions: map[string]bool{
			".exe": true,
			".bat": true,
			".cmd": true,
			".scr": true,
			".pif": true,
			".com": true,
			".vbs": true,
			".msi": true,
			".jar": true,
			".ps1": true,
			".dll": true,
		},
		blockedMimeTypes: map[string]bool{
			"application/x-msdownload":    true,
			"application/x-msdos-program": true,
			"application/x-executable":    true,
			"application/x-sharedlib":     true,
		},
	}
}

// MaxFileSize 返回上传上限
func (p *UploadPolicy) MaxFileSize() int64 {
	return p.maxFileSize
}

// Check 检查文件名、声明的 MIME 类型、大小和文件头部
func (p *UploadPolicy) Check(fileName, mimeType string, size int64, header []byte) error {
	if size > p.maxFileSize {
		return domain.NewError(domain.KindValidation, "upload policy", domain.ErrFileTooLarge)
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	if p.dangerousExtensions[ext] {
		return domain.NewError(domain.KindValidation, "upload policy", fmt.Errorf("%w: %s", ErrDangerousExtension, ext))
	}

	if mimeType != "" {
		mediaType, _, err := mime.ParseMediaType(mimeType)
		if err == nil && p.blockedMimeTypes[mediaType] {
			return domain.NewError(domain.KindValidation, "upload policy", fmt.Errorf("%w: %s", ErrBlockedMimeType, mediaType))
		}
	}

	if isExecutable(header) {
		return domain.NewError(domain.KindValidation, "upload policy", ErrExecutableContent)
	}
	return nil
}

// DetectContentType 确定文件的 MIME 类型：优先使用客户端声明，其次扩展名，最后嗅探内容
func DetectContentType(fileName, declared string, header []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		if mediaType, _, err := mime.ParseMediaType(declared); err == nil {
			return mediaType
		}
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName))); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
	}
	if len(header) == 0 {
		return "application/octet-stream"
	}
	mediaType, _, _ := mime.ParseMediaType(http.DetectContentType(header))
	return mediaType
}

// isExecutable 检查文件魔数
func isExecutable(header []byte) bool {
	executableSignatures := [][]byte{
		{0x4D, 0x5A},             // PE executable
		{0x7F, 0x45, 0x4C, 0x46}, // ELF executable
		{0xFE, 0xED, 0xFA, 0xCE}, // Mach-O executable
		{0xCE, 0xFA, 0xED, 0xFE}, // Mach-O executable (reverse)
	}
	for _, sig := range executableSignatures {
		if bytes.HasPrefix(header, sig) {
			return true
		}
	}
	return false
}

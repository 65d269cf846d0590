package filesystem

import (
	"fmt"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

// PlatformUtils 平台兼容性工具
type PlatformUtils struct{}

// NewPlatformUtils 创建平台工具实例
func NewPlatformUtils() *PlatformUtils {
	return &PlatformUtils{}
}

// SanitizeFilename 清理文件名，确保跨平台兼容
func (p *PlatformUtils) SanitizeFilename(filename string) string {
	// 1. 移除路径分隔符
	filename = filepath.Base(strings.ReplaceAll(filename, "\\", "/"))

	// 2. 移除或替换不允许的字符
	for _, char := range p.getInvalidChars() {
		filename = strings.ReplaceAll(filename, char, "_")
	}

	// 3. 移除控制字符
	filename = p.removeControlChars(filename)

	// 4. 限制长度
	filename = p.limitLength(filename, 200)

	// 5. 移除前后空格和点
	filename = strings.Trim(filename, " .")

	// 6. 确保不为空
	if filename == "" {
		filename = "unnamed"
	}

	return filename
}

// getInvalidChars 获取当前平台不允许的字符
func (p *PlatformUtils) getInvalidChars() []string {
	switch runtime.GOOS {
	case "darwin", "linux":
		return []string{"/", "\x00"}
	default:
		return []string{"<", ">", ":", "\"", "|", "?", "*", "\\", "/", "\x00"}
	}
}

// removeControlChars 移除控制字符
func (p *PlatformUtils) removeControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// limitLength 限制字符串长度，保留扩展名
func (p *PlatformUtils) limitLength(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	ext := filepath.Ext(s)
	nameWithoutExt := strings.TrimSuffix(s, ext)

	availableLen := maxLen - len(ext)
	if availableLen <= 0 {
		return ext
	}
	return nameWithoutExt[:availableLen] + ext
}

// ValidateKey 验证对象键是否安全
//
// 对象键使用 "/" 分隔，不允许绝对路径、反斜杠和路径遍历。
func (p *PlatformUtils) ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("object key is empty")
	}
	if len(key) > 1024 {
		return fmt.Errorf("object key too long: %d characters", len(key))
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") || strings.ContainsRune(key, 0) {
		return fmt.Errorf("invalid object key: %s", key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("path traversal detected: %s", key)
		}
	}
	if path.Clean(key) != key {
		return fmt.Errorf("object key is not canonical: %s", key)
	}
	return nil
}

// NormalizePath 标准化根目录路径
func (p *PlatformUtils) NormalizePath(dir string) string {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return filepath.Clean(absPath)
}

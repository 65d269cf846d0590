package httptransport

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"timecapsule/backend/internal/storage/filesystem"
)

// ObjectServer 提供签名对象下载
type ObjectServer interface {
	Verify(token, key string) error
	Open(ctx context.Context, key string) (*os.File, error)
}

// accessFile 解析公开访问令牌
func (h *Handler) accessFile(c *gin.Context) {
	result, err := h.access.Resolve(c.Request.Context(), c.Param("token"))
	if err != nil {
		_ = c.Error(err)
		status := StatusFor(err)
		if status == http.StatusNotFound {
			NotFound(c, MsgAccessNotFound)
			return
		}
		Error(c, status, GetErrorMessage(err))
		return
	}
	Success(c, result)
}

// downloadObject 校验签名后输出对象内容，支持 Range 请求
func (h *Handler) downloadObject(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("path"), "/")

	if err := h.objects.Verify(c.Query("token"), key); err != nil {
		_ = c.Error(err)
		Forbidden(c, GetErrorMessage(err))
		return
	}

	f, err := h.objects.Open(c.Request.Context(), key)
	if err != nil {
		_ = c.Error(err)
		if errors.Is(err, filesystem.ErrObjectNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgInternalError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		_ = c.Error(err)
		InternalError(c, MsgInternalError)
		return
	}

	name := path.Base(key)
	c.Header("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	c.Header("Cache-Control", "private, no-store")
	http.ServeContent(c.Writer, c.Request, name, info.ModTime(), f)
}

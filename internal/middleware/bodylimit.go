package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	// 默认请求体大小限制
	DefaultBodyLimit = 10 * 1024 * 1024 // 10MB

	// 普通 JSON 请求的限制
	SmallBodyLimit = 1 * 1024 * 1024 // 1MB

	// multipart 表单在文件之外的额外开销
	MultipartOverhead = 1 * 1024 * 1024 // 1MB
)

// BodySizeLimit 限制请求体大小的中间件
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !applyLimit(c, maxBytes) {
			return
		}

		c.Next()

		// 检查是否因为请求体过大而产生错误
		for _, err := range c.Errors {
			var maxErr *http.MaxBytesError
			if errors.As(err.Err, &maxErr) && !c.Writer.Written() {
				tooLarge(c, maxBytes, -1)
				return
			}
		}
	}
}

// DynamicBodySizeLimit 根据路由动态设置请求体大小限制
func DynamicBodySizeLimit(limits map[string]int64, defaultLimit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 获取当前路由的限制
		limit, exists := limits[c.FullPath()]
		if !exists {
			limit = defaultLimit
		}

		if !applyLimit(c, limit) {
			return
		}
		c.Next()
	}
}

// applyLimit 按 Content-Length 预检并包装请求体，超限时中止请求
func applyLimit(c *gin.Context, limit int64) bool {
	if c.Request.ContentLength > limit {
		tooLarge(c, limit, c.Request.ContentLength)
		return false
	}

	// 限制请求体读取大小
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	// 设置响应头，告知客户端最大允许的请求体大小
	c.Header("X-Max-Body-Size", strconv.FormatInt(limit, 10))
	return true
}

func tooLarge(c *gin.Context, limit, size int64) {
	data := gin.H{"limit": limit}
	if size >= 0 {
		data["size"] = size
	}
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
		"code": http.StatusRequestEntityTooLarge,
		"msg":  fmt.Sprintf("请求体超过大小限制（%d 字节）", limit),
		"data": data,
	})
}

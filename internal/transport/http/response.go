package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构，Code 与 HTTP 状态码保持一致
type Response struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

// 状态码缺省提示
var statusMessages = map[int]string{
	http.StatusOK:                  "成功",
	http.StatusCreated:             "创建成功",
	http.StatusAccepted:            "已受理",
	http.StatusBadRequest:          MsgInvalidRequest,
	http.StatusUnauthorized:        MsgAuthRequired,
	http.StatusForbidden:           MsgPermissionDenied,
	http.StatusNotFound:            "资源不存在",
	http.StatusConflict:            "资源状态冲突",
	http.StatusServiceUnavailable:  "服务暂不可用",
	http.StatusInternalServerError: MsgInternalError,
}

func respond(c *gin.Context, status int, msg string, data interface{}) {
	if msg == "" {
		msg = statusMessage(status)
	}
	c.JSON(status, Response{Code: status, Msg: msg, Data: data})
}

func statusMessage(status int) string {
	if msg, ok := statusMessages[status]; ok {
		return msg
	}
	if status >= http.StatusInternalServerError {
		return MsgInternalError
	}
	return http.StatusText(status)
}

// Success 200
func Success(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, "", data)
}

// Created 201
func Created(c *gin.Context, data interface{}) {
	respond(c, http.StatusCreated, "", data)
}

// Accepted 202，msg 说明请求的后续去向
func Accepted(c *gin.Context, msg string, data interface{}) {
	respond(c, http.StatusAccepted, msg, data)
}

// NoContent 204，删除成功时使用
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Error 写出错误响应，msg 为空时使用状态码的缺省提示
func Error(c *gin.Context, status int, msg string) {
	respond(c, status, msg, nil)
}

// BadRequest 400
func BadRequest(c *gin.Context, msg string) {
	Error(c, http.StatusBadRequest, msg)
}

// Forbidden 403
func Forbidden(c *gin.Context, msg string) {
	Error(c, http.StatusForbidden, msg)
}

// NotFound 404
func NotFound(c *gin.Context, msg string) {
	Error(c, http.StatusNotFound, msg)
}

// InternalError 500
func InternalError(c *gin.Context, msg string) {
	Error(c, http.StatusInternalServerError, msg)
}

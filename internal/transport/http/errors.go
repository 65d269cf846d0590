package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/security"
	"timecapsule/backend/internal/storage"
	"timecapsule/backend/internal/storage/filesystem"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = []struct {
	err error
	msg string
}{
	// 上传与输入校验
	{domain.ErrRecipientRequired, "收件人邮箱不能为空"},
	{domain.ErrInvalidEmail, "收件人邮箱格式无效"},
	{domain.ErrEmailTooLong, "收件人邮箱过长"},
	{domain.ErrFileRequired, "请选择要上传的文件"},
	{domain.ErrFileTooLarge, "文件大小超过限制"},
	{domain.ErrFileNameRequired, "文件名不能为空"},
	{domain.ErrFileNameTooLong, "文件名过长"},
	{domain.ErrScheduleRequired, "请选择发送时间"},
	{security.ErrDangerousExtension, "不允许上传该类型的文件"},
	{security.ErrExecutableContent, "不允许上传可执行文件"},
	{security.ErrBlockedMimeType, "不允许上传该类型的文件"},

	// 记录
	{storage.ErrFileNotFound, MsgFileNotFound},
	{storage.ErrFileNotPending, "文件已进入发送流程，无法修改"},
	{domain.ErrInvalidTransition, "文件状态不允许此操作"},

	// 对象
	{filesystem.ErrObjectNotFound, "文件内容不存在"},
	{filesystem.ErrInvalidSignature, "下载链接无效"},
	{filesystem.ErrSignatureExpired, "下载链接已过期"},
}

// 错误类型对应的默认状态码与消息
var kindStatus = map[domain.ErrorKind]struct {
	status int
	msg    string
}{
	domain.KindAuth:       {http.StatusUnauthorized, MsgAuthRequired},
	domain.KindValidation: {http.StatusBadRequest, MsgInvalidRequest},
	domain.KindNotFound:   {http.StatusNotFound, MsgFileNotFound},
	domain.KindConflict:   {http.StatusConflict, "文件状态不允许此操作"},
	domain.KindQuery:      {http.StatusInternalServerError, "读取文件记录失败"},
	domain.KindStorage:    {http.StatusInternalServerError, "文件存储服务异常"},
	domain.KindMail:       {http.StatusBadGateway, "邮件发送失败"},
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for _, m := range errorMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	if s, ok := kindStatus[domain.KindOf(err)]; ok {
		return s.msg
	}
	return MsgInternalError
}

// StatusFor 根据错误类型选择 HTTP 状态码
func StatusFor(err error) int {
	if s, ok := kindStatus[domain.KindOf(err)]; ok {
		return s.status
	}
	switch {
	case errors.Is(err, storage.ErrFileNotFound), errors.Is(err, filesystem.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, filesystem.ErrInvalidSignature), errors.Is(err, filesystem.ErrSignatureExpired):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// ErrorFromErr 按错误类型写出统一响应，并把原始错误挂到上下文供日志使用
func ErrorFromErr(c *gin.Context, err error) {
	_ = c.Error(err)
	Error(c, StatusFor(err), GetErrorMessage(err))
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest     = "请求参数格式错误"
	MsgInvalidJSON        = "JSON格式错误"
	MsgInvalidDate        = "发送时间格式无效，请使用 RFC3339 格式"
	MsgMultipartRequired  = "请使用 multipart/form-data 上传文件"
	MsgUploadReadFailed   = "读取上传文件失败"
	MsgInvalidStatusParam = "状态参数无效"

	// 认证相关
	MsgAuthRequired     = "需要登录认证"
	MsgPermissionDenied = "权限不足"

	// 文件相关
	MsgFileNotFound    = "文件不存在"
	MsgAccessNotFound  = "访问链接无效或文件已删除"
	MsgTriggerAccepted = "已请求处理到期文件"
	MsgTriggerNoPoller = "当前部署未运行轮询器"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)

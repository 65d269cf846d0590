package httptransport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/middleware"
	"timecapsule/backend/internal/service"
)

// DispatchRunner 执行一次投递
type DispatchRunner interface {
	Dispatch(ctx context.Context, req service.DispatchRequest) (service.DispatchSummary, error)
}

// CronRunner 执行一次轮询
type CronRunner interface {
	RunOnce(ctx context.Context) (service.PollSummary, error)
}

// CronMessage 轮询成功时的固定消息
const CronMessage = "Cron job executed successfully"

type cronResponse struct {
	Success   bool                 `json:"success"`
	Message   string               `json:"message,omitempty"`
	Result    *service.PollSummary `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp string               `json:"timestamp"`
	Duration  string               `json:"duration"`
}

func dispatchError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// sendScheduledFile 投递端点，响应保持原有的非信封格式
//
// 服务调用可以投递任意记录并接管认领；用户只能投递自己的记录；
// 匿名调用只能触发批量投递。
func (h *Handler) sendScheduledFile(c *gin.Context) {
	var req service.DispatchRequest
	if c.Request.Body != nil {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			dispatchError(c, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	req.FileID = strings.TrimSpace(req.FileID)

	if !middleware.IsService(c) {
		req.ClaimToken = ""
		if req.FileID != "" {
			userID := middleware.UserID(c)
			if userID == "" {
				dispatchError(c, http.StatusUnauthorized, "Unauthorized")
				return
			}
			if _, err := h.files.Get(c.Request.Context(), userID, req.FileID); err != nil {
				if domain.IsKind(err, domain.KindNotFound) {
					dispatchError(c, http.StatusNotFound, "File not found")
					return
				}
				_ = c.Error(err)
				dispatchError(c, http.StatusInternalServerError, err.Error())
				return
			}
		}
	}

	start := h.now()
	summary, err := h.dispatcher.Dispatch(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		h.log.Error("dispatch failed", zap.String("file_id", req.FileID), zap.Error(err))
		dispatchError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, service.NewDispatchResponse(summary, h.now().Sub(start), h.now()))
}

// runCron 执行一次轮询并返回汇总
//
// 外部调度器超时断开后轮询继续执行完本轮。
func (h *Handler) runCron(c *gin.Context) {
	start := h.now()
	summary, err := h.cron.RunOnce(context.WithoutCancel(c.Request.Context()))
	end := h.now()

	resp := cronResponse{
		Timestamp: end.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Duration:  service.FormatDuration(end.Sub(start)),
	}
	if err != nil {
		_ = c.Error(err)
		h.log.Error("cron run failed", zap.Error(err))
		resp.Error = err.Error()
		c.JSON(http.StatusInternalServerError, resp)
		return
	}

	resp.Success = true
	resp.Message = CronMessage
	resp.Result = &summary
	c.JSON(http.StatusOK, resp)
}

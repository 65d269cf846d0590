package httptransport

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/middleware"
	"timecapsule/backend/internal/service"
)

// scheduledDateLayouts 接受的计划时间格式，浏览器 datetime-local 控件不带时区
var scheduledDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
}

func parseScheduledDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, true
	}
	for _, layout := range scheduledDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type updateFileRequest struct {
	Recipient     string `json:"recipient"`
	ScheduledDate string `json:"scheduledDate"`
}

// listFiles 列出当前用户的文件，支持 status 与 q 过滤
func (h *Handler) listFiles(c *gin.Context) {
	var filter domain.FileFilter
	if raw := c.Query("status"); raw != "" {
		status, err := domain.ParseFileStatus(raw)
		if err != nil {
			BadRequest(c, MsgInvalidStatusParam)
			return
		}
		filter.Status = &status
	}
	filter.Search = strings.TrimSpace(c.Query("q"))

	files, err := h.files.List(c.Request.Context(), middleware.UserID(c), filter)
	if err != nil {
		ErrorFromErr(c, err)
		return
	}
	if files == nil {
		files = []domain.ScheduledFile{}
	}
	Success(c, files)
}

// scheduleFile 上传文件并创建定时投递
func (h *Handler) scheduleFile(c *gin.Context) {
	if !strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		BadRequest(c, MsgMultipartRequired)
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		ErrorFromErr(c, domain.NewError(domain.KindValidation, "read upload", domain.ErrFileRequired))
		return
	}

	scheduled, ok := parseScheduledDate(c.PostForm("scheduledDate"))
	if !ok {
		BadRequest(c, MsgInvalidDate)
		return
	}

	content, err := header.Open()
	if err != nil {
		_ = c.Error(err)
		BadRequest(c, MsgUploadReadFailed)
		return
	}
	defer content.Close()

	c.Set(middleware.ContextUploadSize, header.Size)

	file, err := h.files.Schedule(c.Request.Context(), service.ScheduleRequest{
		UserID:        middleware.UserID(c),
		FileName:      header.Filename,
		FileType:      header.Header.Get("Content-Type"),
		FileSize:      header.Size,
		Recipient:     c.PostForm("recipient"),
		ScheduledDate: scheduled,
		Content:       content,
	})
	if err != nil {
		ErrorFromErr(c, err)
		return
	}
	Created(c, file)
}

// getFile 获取单个文件
func (h *Handler) getFile(c *gin.Context) {
	file, err := h.files.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		ErrorFromErr(c, err)
		return
	}
	Success(c, file)
}

// updateFile 修改收件人与计划时间，只对 pending 记录生效
func (h *Handler) updateFile(c *gin.Context) {
	var req updateFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}
	scheduled, ok := parseScheduledDate(req.ScheduledDate)
	if !ok {
		BadRequest(c, MsgInvalidDate)
		return
	}

	file, err := h.files.Update(c.Request.Context(), middleware.UserID(c), c.Param("id"), service.UpdateRequest{
		Recipient:     req.Recipient,
		ScheduledDate: scheduled,
	})
	if err != nil {
		ErrorFromErr(c, err)
		return
	}
	Success(c, file)
}

// deleteFile 删除记录及其对象
func (h *Handler) deleteFile(c *gin.Context) {
	if err := h.files.Delete(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		ErrorFromErr(c, err)
		return
	}
	NoContent(c)
}

// previewFile 为文件所有者签发短期预览链接
func (h *Handler) previewFile(c *gin.Context) {
	link, err := h.files.PreviewURL(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		ErrorFromErr(c, err)
		return
	}
	Success(c, link)
}

// sendFile 立即投递，忽略计划时间
func (h *Handler) sendFile(c *gin.Context) {
	start := h.now()
	summary, err := h.files.SendNow(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		ErrorFromErr(c, err)
		return
	}
	Success(c, service.NewDispatchResponse(summary, h.now().Sub(start), h.now()))
}

// triggerPoller 请求轮询器尽快处理到期文件
func (h *Handler) triggerPoller(c *gin.Context) {
	if !h.files.Trigger() {
		Accepted(c, MsgTriggerNoPoller, gin.H{"triggered": false})
		return
	}
	Accepted(c, MsgTriggerAccepted, gin.H{"triggered": true})
}

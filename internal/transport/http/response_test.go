package httptransport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/storage"
)

func recordResponse(t *testing.T, write func(c *gin.Context)) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	write(c)
	c.Writer.WriteHeaderNow()

	var resp Response
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestResponse_CodeMatchesStatus(t *testing.T) {
	cases := []struct {
		name   string
		write  func(c *gin.Context)
		status int
		msg    string
	}{
		{"成功", func(c *gin.Context) { Success(c, gin.H{"ok": true}) }, http.StatusOK, "成功"},
		{"创建", func(c *gin.Context) { Created(c, nil) }, http.StatusCreated, "创建成功"},
		{"已受理", func(c *gin.Context) { Accepted(c, MsgTriggerAccepted, nil) }, http.StatusAccepted, MsgTriggerAccepted},
		{"参数错误", func(c *gin.Context) { BadRequest(c, MsgInvalidJSON) }, http.StatusBadRequest, MsgInvalidJSON},
		{"缺省提示", func(c *gin.Context) { Forbidden(c, "") }, http.StatusForbidden, MsgPermissionDenied},
		{"未登记状态码", func(c *gin.Context) { Error(c, http.StatusBadGateway, "") }, http.StatusBadGateway, MsgInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, resp := recordResponse(t, tc.write)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.status, resp.Code)
			assert.Equal(t, tc.msg, resp.Msg)
		})
	}

	t.Run("无内容", func(t *testing.T) {
		w, _ := recordResponse(t, NoContent)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Zero(t, w.Body.Len())
	})
}

func TestErrorFromErr_Conflict(t *testing.T) {
	err := domain.NewError(domain.KindConflict, "update", storage.ErrFileNotPending)
	w, resp := recordResponse(t, func(c *gin.Context) { ErrorFromErr(c, err) })

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "文件已进入发送流程，无法修改", resp.Msg)
}

package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timecapsule/backend/internal/domain"
)

func writeEnvelope(w http.ResponseWriter, status int, msg string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"code": status, "msg": msg, "data": data})
}

func TestClient_ListFiles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/files", r.URL.Path)
		assert.Equal(t, "pending", r.URL.Query().Get("status"))
		assert.Equal(t, "letter", r.URL.Query().Get("q"))
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))

		writeEnvelope(w, http.StatusOK, "成功", []domain.ScheduledFile{
			{ID: "f1", FileName: "letter.txt", Status: domain.FileStatusPending},
		})
	}))
	defer server.Close()

	c := New(server.URL+"/", WithToken("user-token"))
	files, err := c.ListFiles(context.Background(), domain.FileStatusPending, "letter")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "f1", files[0].ID)
	assert.Equal(t, server.URL, c.BaseURL())
}

func TestClient_ErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, "文件不存在", nil)
	}))
	defer server.Close()

	_, err := New(server.URL, WithToken("t")).GetFile(context.Background(), "missing")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "文件不存在", apiErr.Message)
}

func TestClient_ScheduleFile(t *testing.T) {
	scheduled := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "friend@example.com", r.FormValue("recipient"))
		assert.Equal(t, "2030-01-02T03:04:05Z", r.FormValue("scheduledDate"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "letter.txt", header.Filename)
		assert.Equal(t, "hello", string(data))

		writeEnvelope(w, http.StatusCreated, "创建成功", domain.ScheduledFile{ID: "new", Status: domain.FileStatusPending})
	}))
	defer server.Close()

	file, err := New(server.URL).ScheduleFile(context.Background(), ScheduleInput{
		FileName:      "letter.txt",
		Content:       strings.NewReader("hello"),
		Recipient:     "friend@example.com",
		ScheduledDate: scheduled,
	})
	require.NoError(t, err)
	assert.Equal(t, "new", file.ID)
}

func TestClient_DeleteNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	assert.NoError(t, New(server.URL).DeleteFile(context.Background(), "f1"))
}

func TestClient_RunCron(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cron-scheduler", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"message":"Cron job executed successfully","result":{"processed":2,"success":2,"failed":0},"timestamp":"t","duration":"3ms"}`))
	}))
	defer server.Close()

	resp, err := New(server.URL, WithToken("service-key")).RunCron(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Result.Processed)
	assert.Equal(t, "3ms", resp.Duration)
}

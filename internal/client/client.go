// Package client 提供 TimeCapsule 后端的 Go 客户端，以及文件列表缓存、
// 到期检查与实时监听等前端行为的实现。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/service"
)

// ErrNoToken 客户端未配置令牌
var ErrNoToken = errors.New("client has no access token")

// APIError 服务端返回的错误响应
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// envelope 统一响应结构
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client 调用 TimeCapsule HTTP 接口
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option 客户端选项
type Option func(*Client)

// WithToken 设置 Bearer 令牌（用户 JWT 或服务密钥）
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient 替换底层 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New 创建客户端
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL 服务地址
func (c *Client) BaseURL() string { return c.baseURL }

// Token 当前令牌
func (c *Client) Token() string { return c.token }

// ScheduleInput 上传参数
type ScheduleInput struct {
	FileName      string
	Content       io.Reader
	Recipient     string
	ScheduledDate time.Time
}

// ListFiles 列出当前用户的文件
func (c *Client) ListFiles(ctx context.Context, status domain.FileStatus, search string) ([]domain.ScheduledFile, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if search != "" {
		q.Set("q", search)
	}
	path := "/v1/files"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var files []domain.ScheduledFile
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// GetFile 获取单个文件
func (c *Client) GetFile(ctx context.Context, id string) (*domain.ScheduledFile, error) {
	var file domain.ScheduledFile
	if err := c.doJSON(ctx, http.MethodGet, "/v1/files/"+url.PathEscape(id), nil, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// ScheduleFile 以 multipart 表单上传文件
func (c *Client) ScheduleFile(ctx context.Context, in ScheduleInput) (*domain.ScheduledFile, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("recipient", in.Recipient); err != nil {
		return nil, err
	}
	if err := w.WriteField("scheduledDate", in.ScheduledDate.UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	part, err := w.CreateFormFile("file", in.FileName)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, in.Content); err != nil {
		return nil, fmt.Errorf("read upload content: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/files", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var file domain.ScheduledFile
	if err := c.do(req, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// UpdateFile 修改收件人与计划时间
func (c *Client) UpdateFile(ctx context.Context, id, recipient string, scheduledDate time.Time) (*domain.ScheduledFile, error) {
	payload := map[string]interface{}{
		"recipient":     recipient,
		"scheduledDate": scheduledDate.UTC().Format(time.RFC3339),
	}
	var file domain.ScheduledFile
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/files/"+url.PathEscape(id), payload, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// DeleteFile 删除文件
func (c *Client) DeleteFile(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/files/"+url.PathEscape(id), nil, nil)
}

// PreviewURL 获取短期预览链接
func (c *Client) PreviewURL(ctx context.Context, id string) (*service.PreviewLink, error) {
	var link service.PreviewLink
	if err := c.doJSON(ctx, http.MethodGet, "/v1/files/"+url.PathEscape(id)+"/preview", nil, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// SendNow 立即投递
func (c *Client) SendNow(ctx context.Context, id string) (*service.DispatchResponse, error) {
	var resp service.DispatchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/files/"+url.PathEscape(id)+"/send", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Trigger 请求服务端轮询器尽快执行
func (c *Client) Trigger(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/files/trigger", nil, nil)
}

// Access 解析公开访问令牌
func (c *Client) Access(ctx context.Context, token string) (*service.AccessResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/access/"+url.PathEscape(token), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Del("Authorization")

	var result service.AccessResult
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Dispatch 调用 /send-scheduled-file，返回原始响应
func (c *Client) Dispatch(ctx context.Context, fileID string) (*service.DispatchResponse, error) {
	dispatch := service.NewHTTPDispatchClient(c.baseURL+"/send-scheduled-file", c.token, c.httpClient.Timeout)
	return dispatch.Dispatch(ctx, service.DispatchRequest{FileID: fileID})
}

// CronResponse /cron-scheduler 的响应体
type CronResponse struct {
	Success   bool                `json:"success"`
	Message   string              `json:"message"`
	Result    service.PollSummary `json:"result"`
	Error     string              `json:"error,omitempty"`
	Timestamp string              `json:"timestamp"`
	Duration  string              `json:"duration"`
}

// RunCron 调用 /cron-scheduler
func (c *Client) RunCron(ctx context.Context) (*CronResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/cron-scheduler", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out CronResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode cron response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		return &out, &APIError{StatusCode: resp.StatusCode, Message: out.Error}
	}
	return &out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// do 发送请求并解析统一响应结构
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

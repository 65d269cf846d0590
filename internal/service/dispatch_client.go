package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DispatchResponse /send-scheduled-file 的响应体
type DispatchResponse struct {
	Success   int    `json:"success"`
	Failed    int    `json:"failed"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Timestamp string `json:"timestamp"`
	Duration  string `json:"duration"`
}

// NewDispatchResponse 由汇总构造响应体
func NewDispatchResponse(summary DispatchSummary, elapsed time.Duration, now time.Time) DispatchResponse {
	return DispatchResponse{
		Success:   summary.Success,
		Failed:    summary.Failed,
		Processed: summary.Processed,
		Skipped:   summary.Skipped,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Duration:  FormatDuration(elapsed),
	}
}

// DispatchStatusError 投递器返回了非成功状态码
type DispatchStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *DispatchStatusError) Error() string {
	return fmt.Sprintf("Send function failed: %d %s", e.StatusCode, e.Status)
}

// DispatchClient 跨越网络边界调用投递器
type DispatchClient interface {
	Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResponse, error)
}

// LocalDispatchClient 在进程内调用投递器，错误映射为 500
type LocalDispatchClient struct {
	dispatcher *Dispatcher
	now        Clock
}

// NewLocalDispatchClient 创建进程内调用的客户端
func NewLocalDispatchClient(dispatcher *Dispatcher) *LocalDispatchClient {
	return &LocalDispatchClient{dispatcher: dispatcher, now: time.Now}
}

// Dispatch 实现 DispatchClient
func (c *LocalDispatchClient) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResponse, error) {
	start := c.now()
	summary, err := c.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return nil, &DispatchStatusError{
			StatusCode: http.StatusInternalServerError,
			Status:     http.StatusText(http.StatusInternalServerError),
			Body:       err.Error(),
		}
	}
	resp := NewDispatchResponse(summary, c.now().Sub(start), c.now())
	return &resp, nil
}

// HTTPDispatchClient 通过 HTTP 调用 /send-scheduled-file
type HTTPDispatchClient struct {
	url        string
	serviceKey string
	httpClient *http.Client
}

// NewHTTPDispatchClient 创建 HTTP 投递客户端
func NewHTTPDispatchClient(url, serviceKey string, timeout time.Duration) *HTTPDispatchClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPDispatchClient{
		url:        url,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Dispatch 实现 DispatchClient
func (c *HTTPDispatchClient) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.serviceKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.serviceKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call dispatcher: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read dispatcher response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &DispatchStatusError{
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
			Body:       string(data),
		}
	}

	var out DispatchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode dispatcher response: %w", err)
	}
	return &out, nil
}

// statusText 从 "500 Internal Server Error" 中取出原因短语
func statusText(resp *http.Response) string {
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

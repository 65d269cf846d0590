package monitoring

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/service"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 文件指标
	FilesScheduled prometheus.Counter
	FilesUpdated   prometheus.Counter
	FilesDeleted   prometheus.Counter
	UploadSize     prometheus.Histogram

	// 投递指标
	ClaimsTotal      *prometheus.CounterVec
	DeliveriesTotal  *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram

	// 轮询器指标
	PollerRunsTotal   *prometheus.CounterVec
	PollerFilesTotal  *prometheus.CounterVec
	PollerRunDuration prometheus.Histogram
	PollerLastRun     prometheus.Gauge

	// 实时推送
	WebsocketClients prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec

	gatherer  prometheus.Gatherer
	startedAt time.Time

	// 供告警规则读取的投递计数
	sent   atomic.Int64
	failed atomic.Int64
}

var _ service.Recorder = (*Metrics)(nil)

// NewMetrics 创建监控指标，reg 为 nil 时注册到默认注册表
func NewMetrics(reg *prometheus.Registry) *Metrics {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	m := &Metrics{
		gatherer:  gatherer,
		startedAt: time.Now(),

		// HTTP 请求指标
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timecapsule_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "timecapsule_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "timecapsule_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "timecapsule_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		// 文件指标
		FilesScheduled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "timecapsule_files_scheduled_total",
				Help: "Total number of files scheduled for delivery",
			},
		),

		FilesUpdated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "timecapsule_files_updated_total",
				Help: "Total number of schedule updates",
			},
		),

		FilesDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "timecapsule_files_deleted_total",
				Help: "Total number of scheduled files deleted",
			},
		),

		UploadSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "timecapsule_upload_size_bytes",
				Help:    "Size of uploaded files in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),

		// 投递指标
		ClaimsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timecapsule_claims_total",
				Help: "Claim attempts by result",
			},
			[]string{"result"},
		),

		DeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timecapsule_deliveries_total",
				Help: "Deliveries by terminal status",
			},
			[]string{"status"},
		),

		DeliveryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "timecapsule_delivery_duration_seconds",
				Help:    "Time from claim to terminal status",
				Buckets: prometheus.DefBuckets,
			},
		),

		// 轮询器指标
		PollerRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timecapsule_poller_runs_total",
				Help: "Poller runs by result",
			},
			[]string{"result"},
		),

		PollerFilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timecapsule_poller_files_total",
				Help: "Files handled by the poller by outcome",
			},
			[]string{"outcome"},
		),

		PollerRunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "timecapsule_poller_run_duration_seconds",
				Help:    "Poller run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),

		PollerLastRun: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "timecapsule_poller_last_run_timestamp_seconds",
				Help: "Unix time of the last completed poller run",
			},
		),

		WebsocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "timecapsule_websocket_clients",
				Help: "Number of connected realtime clients",
			},
		),

		// 错误指标
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timecapsule_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "timecapsule_panics_total",
				Help: "Total number of panics recovered",
			},
		),

		// 限流指标
		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timecapsule_rate_limit_blocks_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"type"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "timecapsule_uptime_seconds",
			Help: "Seconds since the process started",
		},
		func() float64 { return time.Since(m.startedAt).Seconds() },
	)

	return m
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordFileScheduled 记录文件创建
func (m *Metrics) RecordFileScheduled(size int64) {
	m.FilesScheduled.Inc()
	if size > 0 {
		m.UploadSize.Observe(float64(size))
	}
}

// RecordFileUpdated 记录投递计划修改
func (m *Metrics) RecordFileUpdated() {
	m.FilesUpdated.Inc()
}

// RecordFileDeleted 记录文件删除
func (m *Metrics) RecordFileDeleted() {
	m.FilesDeleted.Inc()
}

// RecordClaim 记录一次认领结果
func (m *Metrics) RecordClaim(won bool) {
	result := "lost"
	if won {
		result = "won"
	}
	m.ClaimsTotal.WithLabelValues(result).Inc()
}

// RecordDelivery 记录一次投递的终态
func (m *Metrics) RecordDelivery(status domain.FileStatus, duration time.Duration) {
	m.DeliveriesTotal.WithLabelValues(string(status)).Inc()
	m.DeliveryDuration.Observe(duration.Seconds())

	switch status {
	case domain.FileStatusSent:
		m.sent.Add(1)
	case domain.FileStatusFailed:
		m.failed.Add(1)
	}
}

// RecordPollerRun 记录一次轮询
func (m *Metrics) RecordPollerRun(summary service.PollSummary, duration time.Duration) {
	m.PollerRunsTotal.WithLabelValues("completed").Inc()
	m.PollerRunDuration.Observe(duration.Seconds())
	m.PollerLastRun.SetToCurrentTime()

	outcomes := map[string]int{
		"success":   summary.Success,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"recovered": summary.Recovered,
	}
	for outcome, n := range outcomes {
		if n > 0 {
			m.PollerFilesTotal.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

// RecordPollerError 记录一次失败的轮询
func (m *Metrics) RecordPollerError() {
	m.PollerRunsTotal.WithLabelValues("error").Inc()
	m.RecordError("poller_run", "poller")
}

// DeliveryCounts 返回累计的成功与失败投递数
func (m *Metrics) DeliveryCounts() (sent, failed int64) {
	return m.sent.Load(), m.failed.Load()
}

// UpdateWebsocketClients 更新实时连接数
func (m *Metrics) UpdateWebsocketClients(count int) {
	m.WebsocketClients.Set(float64(count))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

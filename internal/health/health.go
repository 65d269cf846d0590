package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultCheckTimeout 单项检查的超时时间
const DefaultCheckTimeout = 5 * time.Second

// Status 健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Report 健康报告
type Report struct {
	Status    Status            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
}

// StoreHealth 记录存储的连通性检查
type StoreHealth interface {
	Health() error
}

// Pinger 可 Ping 的外部依赖（Redis、PostgreSQL 连接池）
type Pinger interface {
	Ping(ctx context.Context) error
}

// ObjectStats 对象存储统计
type ObjectStats interface {
	Stats() (int, int64, error)
}

type namedCheck struct {
	name  string
	check healthcheck.Check
}

type settings struct {
	registry  prometheus.Registerer
	readiness []namedCheck
	liveness  []namedCheck
}

// Option 健康检查选项
type Option func(*settings)

// WithPinger 添加一项就绪检查
func WithPinger(name string, p Pinger) Option {
	return func(s *settings) {
		s.readiness = append(s.readiness, namedCheck{name, PingCheck(p, DefaultCheckTimeout)})
	}
}

// WithObjectStore 添加对象存储就绪检查
func WithObjectStore(objects ObjectStats) Option {
	return func(s *settings) {
		s.readiness = append(s.readiness, namedCheck{"objects", func() error {
			_, _, err := objects.Stats()
			return err
		}})
	}
}

// WithGoroutineLimit 协程数超过上限时判定为不存活
func WithGoroutineLimit(limit int) Option {
	return func(s *settings) {
		s.liveness = append(s.liveness, namedCheck{"goroutines", healthcheck.GoroutineCountCheck(limit)})
	}
}

// WithMetrics 将每项检查的结果导出为 Prometheus 指标
func WithMetrics(registry prometheus.Registerer) Option {
	return func(s *settings) {
		s.registry = registry
	}
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health    healthcheck.Handler
	logger    *zap.Logger
	startedAt time.Time
	checks    map[string]healthcheck.Check
}

// NewHealthChecker 创建健康检查器，数据库检查总是启用
func NewHealthChecker(store StoreHealth, logger *zap.Logger, opts ...Option) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &settings{
		readiness: []namedCheck{{"database", healthcheck.Timeout(store.Health, DefaultCheckTimeout)}},
	}
	for _, opt := range opts {
		opt(s)
	}

	handler := healthcheck.NewHandler()
	if s.registry != nil {
		handler = healthcheck.NewMetricsHandler(s.registry, "timecapsule")
	}

	hc := &HealthChecker{
		health:    handler,
		logger:    logger,
		startedAt: time.Now(),
		checks:    make(map[string]healthcheck.Check),
	}
	for _, c := range s.readiness {
		hc.health.AddReadinessCheck(c.name, c.check)
		hc.checks[c.name] = c.check
	}
	for _, c := range s.liveness {
		hc.health.AddLivenessCheck(c.name, c.check)
		hc.checks[c.name] = c.check
	}
	return hc
}

// LiveHandler 存活探针
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪探针
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// CheckHealth 执行全部检查并生成报告
func (hc *HealthChecker) CheckHealth() Report {
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	report := Report{
		Status:    StatusHealthy,
		Checks:    make(map[string]string, len(names)),
		Uptime:    time.Since(hc.startedAt).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
	for _, name := range names {
		if err := hc.checks[name](); err != nil {
			report.Status = StatusUnhealthy
			report.Checks[name] = fmt.Sprintf("ERROR: %v", err)
			hc.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		report.Checks[name] = "OK"
	}
	return report
}

// PingCheck 带超时的 Ping 检查
func PingCheck(p Pinger, timeout time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return p.Ping(ctx)
	}
}

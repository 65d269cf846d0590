package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"timecapsule/backend/internal/storage"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警，ID 与触发它的规则 ID 相同
type Alert struct {
	ID         string                 `json:"id"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Level      AlertLevel             `json:"level"`
	Component  string                 `json:"component"`
	Timestamp  time.Time              `json:"timestamp"`
	Resolved   bool                   `json:"resolved"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Condition 检查告警条件，返回是否触发以及告警消息
type Condition func(ctx context.Context) (bool, string)

// AlertRule 告警规则
type AlertRule struct {
	ID        string
	Name      string
	Condition Condition
	Level     AlertLevel
	Component string
	Cooldown  time.Duration
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(ctx context.Context, alert *Alert) error
}

// AlertManager 告警管理器
//
// 规则条件成立时触发告警，条件消失后自动恢复。同一规则在冷却期内不会重复通知。
type AlertManager struct {
	alerts        map[string]*Alert
	rules         []AlertRule
	lastTriggered map[string]time.Time
	receivers     []AlertReceiver
	now           func() time.Time
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		alerts:        make(map[string]*Alert),
		lastTriggered: make(map[string]time.Time),
		now:           time.Now,
		logger:        logger,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// TriggerAlert 触发告警，同 ID 的告警未恢复时忽略
func (am *AlertManager) TriggerAlert(ctx context.Context, alert *Alert) bool {
	am.mu.Lock()
	if existing, exists := am.alerts[alert.ID]; exists && !existing.Resolved {
		am.mu.Unlock()
		am.logger.Debug("Alert already active", zap.String("alert_id", alert.ID))
		return false
	}
	am.alerts[alert.ID] = alert
	receivers := append([]AlertReceiver(nil), am.receivers...)
	am.mu.Unlock()

	am.logger.Info("Alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
	am.notify(ctx, receivers, alert)
	return true
}

// ResolveAlert 恢复告警
func (am *AlertManager) ResolveAlert(ctx context.Context, alertID string) bool {
	am.mu.Lock()
	alert, exists := am.alerts[alertID]
	if !exists || alert.Resolved {
		am.mu.Unlock()
		return false
	}
	now := am.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	resolved := *alert
	receivers := append([]AlertReceiver(nil), am.receivers...)
	am.mu.Unlock()

	am.logger.Info("Alert resolved", zap.String("alert_id", alertID))
	am.notify(ctx, receivers, &resolved)
	return true
}

func (am *AlertManager) notify(ctx context.Context, receivers []AlertReceiver, alert *Alert) {
	for _, receiver := range receivers {
		if err := receiver.SendAlert(ctx, alert); err != nil {
			am.logger.Error("Failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}
}

// GetAlerts 获取告警列表
func (am *AlertManager) GetAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0, len(am.alerts))
	for _, alert := range am.alerts {
		alerts = append(alerts, *alert)
	}
	return alerts
}

// GetActiveAlerts 获取活跃告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0)
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// CheckRules 检查所有告警规则
func (am *AlertManager) CheckRules(ctx context.Context) {
	am.mu.RLock()
	rules := append([]AlertRule(nil), am.rules...)
	am.mu.RUnlock()

	for _, rule := range rules {
		firing, message := rule.Condition(ctx)
		if !firing {
			am.ResolveAlert(ctx, rule.ID)
			continue
		}

		now := am.now()
		am.mu.RLock()
		last := am.lastTriggered[rule.ID]
		am.mu.RUnlock()
		if !last.IsZero() && now.Sub(last) < rule.Cooldown {
			continue
		}

		triggered := am.TriggerAlert(ctx, &Alert{
			ID:        rule.ID,
			Title:     rule.Name,
			Message:   message,
			Level:     rule.Level,
			Component: rule.Component,
			Timestamp: now,
		})
		if triggered {
			am.mu.Lock()
			am.lastTriggered[rule.ID] = now
			am.mu.Unlock()
		}
	}
}

// StartMonitoring 按固定间隔检查规则，直到 ctx 结束
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			am.CheckRules(ctx)
		}
	}
}

// ========== 内置告警规则 ==========

// DeliveryFailureRateRule 投递失败率告警规则
//
// 每次检查只统计上次检查以来新增的投递，样本少于 minDeliveries 时沿用上次结果。
func DeliveryFailureRateRule(counts func() (sent, failed int64), threshold float64, minDeliveries int) AlertRule {
	var mu sync.Mutex
	var lastSent, lastFailed int64
	var firing bool
	var message string

	return AlertRule{
		ID:   "delivery_failure_rate",
		Name: "High Delivery Failure Rate",
		Condition: func(context.Context) (bool, string) {
			mu.Lock()
			defer mu.Unlock()

			sent, failed := counts()
			ds, df := sent-lastSent, failed-lastFailed
			total := ds + df
			if total < int64(minDeliveries) || total == 0 {
				return firing, message
			}
			lastSent, lastFailed = sent, failed

			rate := float64(df) / float64(total)
			firing = rate > threshold
			message = fmt.Sprintf("Delivery failure rate %.1f%% over %d deliveries exceeds %.1f%%",
				rate*100, total, threshold*100)
			return firing, message
		},
		Level:     AlertLevelWarning,
		Component: "dispatcher",
		Cooldown:  5 * time.Minute,
	}
}

// StuckClaimsRule 认领超时告警规则，存在超过 claimTimeout 仍未完成的记录时触发
func StuckClaimsRule(files storage.FileRepository, claimTimeout time.Duration, now func() time.Time) AlertRule {
	if now == nil {
		now = time.Now
	}
	return AlertRule{
		ID:   "stuck_claims",
		Name: "Stuck Claims",
		Condition: func(ctx context.Context) (bool, string) {
			stale, err := files.ListStaleClaims(ctx, now().Add(-claimTimeout))
			if err != nil || len(stale) == 0 {
				return false, ""
			}
			return true, fmt.Sprintf("%d files have been processing for more than %s", len(stale), claimTimeout)
		},
		Level:     AlertLevelWarning,
		Component: "poller",
		Cooldown:  10 * time.Minute,
	}
}

// HealthChecker 可检查连通性的依赖
type HealthChecker interface {
	Health() error
}

// DatabaseConnectionRule 数据库连接告警规则
func DatabaseConnectionRule(store HealthChecker) AlertRule {
	return AlertRule{
		ID:   "database_connection",
		Name: "Database Connection",
		Condition: func(context.Context) (bool, string) {
			if err := store.Health(); err != nil {
				return true, "Database connection failed: " + err.Error()
			}
			return false, ""
		},
		Level:     AlertLevelCritical,
		Component: "database",
		Cooldown:  time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(_ context.Context, alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}
	if alert.Resolved {
		lar.logger.Info("ALERT RESOLVED", fields...)
		return nil
	}

	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}

// WebhookAlertReceiver Webhook 告警接收器，以 JSON 形式 POST 告警
type WebhookAlertReceiver struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookAlertReceiver 创建 Webhook 告警接收器
func NewWebhookAlertReceiver(url string, logger *zap.Logger) *WebhookAlertReceiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookAlertReceiver{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// SendAlert 发送告警到 Webhook
func (war *WebhookAlertReceiver) SendAlert(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, war.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := war.client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %s", resp.Status)
	}

	war.logger.Debug("Alert delivered to webhook",
		zap.String("alert_id", alert.ID),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}

package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"copy-trader-go/infrastructure/logger"
)

// LogChannel 写入结构化日志
type LogChannel struct {
	log  *logger.Logger
	name string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, log *logger.Logger) *LogChannel {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogChannel{log: log, name: name}
}

// Send 按级别映射到 zap 日志级别
func (c *LogChannel) Send(alert Alert) error {
	fields := []zap.Field{
		zap.String("severity", alert.Level),
		zap.String("key", alert.Key),
		zap.Time("alert_ts", alert.Timestamp),
	}
	for k, v := range alert.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch alert.Level {
	case LevelError, LevelCritical:
		c.log.Error(alert.Message, fields...)
	case LevelWarning:
		c.log.Warn(alert.Message, fields...)
	default:
		c.log.Info(alert.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}

// WebhookChannel 以 {"text": ...} 形式 POST 到 webhook（Slack/飞书兼容）
type WebhookChannel struct {
	url    string
	client *http.Client
	name   string
}

// NewWebhookChannel 创建 webhook 告警通道
func NewWebhookChannel(name, url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookChannel{url: url, client: client, name: name}
}

// Send 同步发送，非 2xx 视为失败
func (c *WebhookChannel) Send(alert Alert) error {
	body, err := json.Marshal(map[string]string{"text": formatText(alert)})
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// Name 返回通道名称
func (c *WebhookChannel) Name() string {
	return c.name
}

// formatText 字段按键排序，输出稳定
func formatText(alert Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s - %s", alert.Level, alert.Timestamp.UTC().Format(time.RFC3339), alert.Message)
	if len(alert.Fields) > 0 {
		keys := make([]string, 0, len(alert.Fields))
		for k := range alert.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, alert.Fields[k])
		}
	}
	return b.String()
}

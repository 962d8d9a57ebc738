package logger

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 封装zap日志器，提供结构化事件日志
type Logger struct {
	*zap.Logger
	config Config
}

// Config 日志配置
type Config struct {
	Level      string   `yaml:"level"`      // debug, info, warn, error
	Format     string   `yaml:"format"`     // json 或 console
	Outputs    []string `yaml:"outputs"`    // stdout, file
	OutputFile string   `yaml:"outputFile"` // 日志文件路径
	ErrorFile  string   `yaml:"errorFile"`  // 错误日志单独文件
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Format:  "json",
		Outputs: []string{"stdout"},
	}
}

// New 创建新的Logger实例
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if len(cfg.Outputs) == 0 {
		cfg.Outputs = []string{"stdout"}
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{}
	if contains(cfg.Outputs, "stdout") {
		encoder := zapcore.NewJSONEncoder(encoderConfig)
		if cfg.Format == "console" {
			encoder = zapcore.NewConsoleEncoder(encoderConfig)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}

	// 文件统一使用 JSON
	fileEncoder := zap.NewProductionEncoderConfig()
	fileEncoder.EncodeTime = zapcore.ISO8601TimeEncoder
	if contains(cfg.Outputs, "file") && cfg.OutputFile != "" {
		w, err := openAppend(cfg.OutputFile)
		if err != nil {
			return nil, fmt.Errorf("open log file failed: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoder), w, level))
	}
	if cfg.ErrorFile != "" {
		w, err := openAppend(cfg.ErrorFile)
		if err != nil {
			return nil, fmt.Errorf("open error log file failed: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoder), w, zapcore.ErrorLevel))
	}

	zapLogger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{Logger: zapLogger, config: cfg}, nil
}

// NewNop 不输出任何内容，测试使用
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), config: DefaultConfig()}
}

// Named 返回带组件名的子logger
func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name), config: l.config}
}

// WithFields 添加字段返回新的logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(toZap(fields)...), config: l.config}
}

// LogOrder 记录订单相关事件
func (l *Logger) LogOrder(event string, clientID string, fields map[string]interface{}) {
	fields = stamp(fields, event)
	fields["cloid"] = clientID
	l.Info("order_event", toZap(fields)...)
}

// LogSync 记录同步轮次事件
func (l *Logger) LogSync(event string, fields map[string]interface{}) {
	l.Info("sync_event", toZap(stamp(fields, event))...)
}

// LogStore 记录状态存储事件；陈旧快照与非法数据提升级别
func (l *Logger) LogStore(event string, fields map[string]interface{}) {
	zf := toZap(stamp(fields, event))
	switch event {
	case "fill_invalid", "snapshot_invalid":
		l.Error("store_event", zf...)
	case "snapshot_stale":
		l.Warn("store_event", zf...)
	case "fill_ignored":
		l.Debug("store_event", zf...)
	default:
		l.Info("store_event", zf...)
	}
}

// LogError 记录错误并附带上下文
func (l *Logger) LogError(err error, context map[string]interface{}) {
	if context == nil {
		context = make(map[string]interface{})
	}
	context["error"] = err.Error()
	context["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	l.Error("error_event", toZap(context)...)
}

// LogRisk 记录风控事件
func (l *Logger) LogRisk(event string, fields map[string]interface{}) {
	l.Warn("risk_event", toZap(stamp(fields, event))...)
}

// Close 关闭日志器
func (l *Logger) Close() error {
	return l.Sync()
}

func stamp(fields map[string]interface{}, event string) map[string]interface{} {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["event"] = event
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	return fields
}

func toZap(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func openAppend(path string) (zapcore.WriteSyncer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(f), nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

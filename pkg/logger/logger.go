// Package logger 提供基于 zap 的日志工具
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	log   *zap.Logger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	mu    sync.RWMutex
)

// Config 日志配置
type Config struct {
	Level      string `yaml:"level" env:"MCPI_LOG_LEVEL"`   // debug, info, warn, error
	Format     string `yaml:"format" env:"MCPI_LOG_FORMAT"` // json, console
	Output     string `yaml:"output" env:"MCPI_LOG_OUTPUT"` // stderr, stdout, file, both
	FilePath   string `yaml:"file_path" env:"MCPI_LOG_FILE"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
}

// DefaultConfig 返回默认日志配置
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     "console",
		Output:     "stderr",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
	}
}

// Init 初始化全局日志实例，可重复调用，后一次覆盖前一次
func Init(cfg *Config) {
	l := New(cfg)
	mu.Lock()
	log = l
	mu.Unlock()
}

// New 创建日志实例，共享全局日志级别
func New(cfg *Config) *zap.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	SetLevelFromString(cfg.Level)
	return newLogger(cfg, nil)
}

// NewWithWriter 创建写入指定 writer 的日志实例（用于测试）
func NewWithWriter(cfg *Config, w io.Writer) *zap.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	SetLevelFromString(cfg.Level)
	return newLogger(cfg, zapcore.AddSync(w))
}

// newLogger 创建日志实例
func newLogger(cfg *Config, sink zapcore.WriteSyncer) *zap.Logger {
	// 编码器配置
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	// 选择编码器
	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	// 配置输出
	var cores []zapcore.Core
	if sink != nil {
		cores = append(cores, zapcore.NewCore(encoder, sink, level))
	} else {
		switch cfg.Output {
		case "stdout":
			cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level))
		case "file":
		default:
			// stderr 与 both 都写 stderr，保持 stdout 只输出程序结果
			cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
		}
		if (cfg.Output == "file" || cfg.Output == "both") && cfg.FilePath != "" {
			writer := &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
			}
			cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(writer), level))
		}
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller())
}

// SetLevelFromString 从字符串设置日志级别
func SetLevelFromString(s string) {
	switch strings.ToLower(s) {
	case "debug":
		level.SetLevel(zapcore.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zapcore.WarnLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// EnableDebug 启用调试日志
func EnableDebug() {
	level.SetLevel(zapcore.DebugLevel)
}

// IsDebugEnabled 检查是否启用调试日志
func IsDebugEnabled() bool {
	return level.Enabled(zapcore.DebugLevel)
}

// L 获取日志实例
func L() *zap.Logger {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l == nil {
		Init(nil)
		mu.RLock()
		l = log
		mu.RUnlock()
	}
	return l
}

// Named 返回带名称的子日志实例
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Debug 调试日志
func Debug(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

// Info 信息日志
func Info(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

// Warn 警告日志
func Warn(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
}

// Error 错误日志
func Error(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

// Sync 同步日志
func Sync() {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}

package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Log struct {
	*slog.LevelVar
	*slog.Logger
}

// Logger 全局日志实例, 默认输出到 stderr, 级别为 error
var Logger *Log

func init() {
	Logger = New(os.Stderr)
}

// New 创建一个带独立级别的文本日志, 时间字段统一命名为 timestamp
func New(w io.Writer) *Log {
	level := &slog.LevelVar{}
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: slog.TimeValue(a.Value.Time())}
			}
			return a
		},
	}
	l := &Log{
		LevelVar: level,
		Logger:   slog.New(slog.NewTextHandler(w, opts)),
	}
	l.Set(slog.LevelError)
	return l
}

// SetLogLevel 按名称设置日志级别, 未知名称保持原级别不变
func (l *Log) SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l.Set(slog.LevelDebug)
	case "info":
		l.Set(slog.LevelInfo)
	case "warn", "warning":
		l.Set(slog.LevelWarn)
	case "error":
		l.Set(slog.LevelError)
	}
}

// With 返回附带固定属性的子日志, 共享同一个级别
func (l *Log) With(args ...any) *Log {
	return &Log{LevelVar: l.LevelVar, Logger: l.Logger.With(args...)}
}

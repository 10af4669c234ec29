package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"log/slog"
)

var (
	levelVar   slog.LevelVar
	loggerMu   sync.RWMutex
	baseLogger *slog.Logger
)

func init() {
	levelVar.Set(slog.LevelInfo)
	baseLogger = newLogger(os.Stdout)
}

func newLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar})
	return slog.New(handler)
}

func SetOutput(w io.Writer) {
	loggerMu.Lock()
	baseLogger = newLogger(w)
	loggerMu.Unlock()
}

func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn", "warning":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

func activeLogger() *slog.Logger {
	loggerMu.RLock()
	l := baseLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if baseLogger == nil {
		baseLogger = newLogger(os.Stdout)
	}
	return baseLogger
}

func Debugf(format string, v ...any) {
	activeLogger().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	activeLogger().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	activeLogger().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	activeLogger().Error(fmt.Sprintf(format, v...))
}

// Entry 携带组件标签，便于在混合输出中按模块过滤。
type Entry struct {
	component string
}

// With 返回带 component 属性的日志入口。
func With(component string) *Entry {
	return &Entry{component: strings.TrimSpace(component)}
}

func (e *Entry) log(level slog.Level, format string, v ...any) {
	l := activeLogger()
	if e != nil && e.component != "" {
		l = l.With(slog.String("component", e.component))
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func (e *Entry) Debugf(format string, v ...any) { e.log(slog.LevelDebug, format, v...) }
func (e *Entry) Infof(format string, v ...any)  { e.log(slog.LevelInfo, format, v...) }
func (e *Entry) Warnf(format string, v ...any)  { e.log(slog.LevelWarn, format, v...) }
func (e *Entry) Errorf(format string, v ...any) { e.log(slog.LevelError, format, v...) }

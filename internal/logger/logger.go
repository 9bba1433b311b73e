package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"log/slog"
)

var (
	levelVar slog.LevelVar
	mu       sync.RWMutex
	base     *slog.Logger
)

func init() {
	levelVar.Set(slog.LevelInfo)
	base = newLogger(os.Stdout)
}

func newLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar})
	return slog.New(handler)
}

// SetOutput 重定向日志输出（例如同时写文件）。
func SetOutput(w io.Writer) {
	mu.Lock()
	base = newLogger(w)
	mu.Unlock()
}

// SetLevel 接受 debug/info/warn/error，未识别时回落到 info。
func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "info":
		levelVar.Set(slog.LevelInfo)
	case "warn", "warning":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

func active() *slog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		base = newLogger(os.Stdout)
	}
	return base
}

func Debugf(format string, v ...any) {
	active().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	active().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	active().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	active().Error(fmt.Sprintf(format, v...))
}

// Scope 绑定组件名，每条输出带 component 属性，
// 多策略并发回测的日志靠它按模块过滤。
type Scope struct {
	name string
}

// Named 返回绑定组件名的 Scope。
func Named(name string) Scope { return Scope{name: name} }

func (s Scope) logger() *slog.Logger {
	return active().With("component", s.name)
}

func (s Scope) Debugf(format string, v ...any) {
	s.logger().Debug(fmt.Sprintf(format, v...))
}

func (s Scope) Infof(format string, v ...any) {
	s.logger().Info(fmt.Sprintf(format, v...))
}

func (s Scope) Warnf(format string, v ...any) {
	s.logger().Warn(fmt.Sprintf(format, v...))
}

func (s Scope) Errorf(format string, v ...any) {
	s.logger().Error(fmt.Sprintf(format, v...))
}

// Package log wraps zap with a small ctx-first API so call sites never touch
// zap.Field directly and background hooks can enrich every line with
// request-scoped data.
package log

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a re-export of zap.Field so callers never import zap directly.
type Field = zap.Field

func String(key, val string) Field        { return zap.String(key, val) }
func Strings(key string, val []string) Field { return zap.Strings(key, val) }
func Int(key string, val int) Field        { return zap.Int(key, val) }
func Bool(key string, val bool) Field      { return zap.Bool(key, val) }
func Duration(key string, val time.Duration) Field { return zap.Duration(key, val) }
func Any(key string, val any) Field        { return zap.Any(key, val) }
func Cause(err error) Field                { return zap.Error(err) }

// Hook mutates/augments the field list for every log call made through a
// Logger that has it registered.
type Hook interface {
	Apply(ctx context.Context, msg string, fields ...Field) []Field
}

// HookFunc adapts a plain function to the Hook interface.
type HookFunc func(ctx context.Context, msg string, fields ...Field) []Field

func (f HookFunc) Apply(ctx context.Context, msg string, fields ...Field) []Field {
	return f(ctx, msg, fields...)
}

// Config controls how the global logger is built.
type Config struct {
	Level  string `conf:"level"  yaml:"level"  json:"level"`
	Format string `conf:"format" yaml:"format" json:"format"` // "json" or "console"
}

// Logger is the concrete logger type returned by New and held by components
// that want to log without depending on the mutable global.
type Logger struct {
	zap  *zap.Logger
	mu   sync.RWMutex
	hook []Hook
}

func New(cfg Config) *Logger {
	level := zapcore.InfoLevel
	_ = level.UnmarshalText([]byte(cfg.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)

	return &Logger{zap: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}
}

// AddHook registers a hook that enriches every subsequent log call.
func (l *Logger) AddHook(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = append(l.hook, h)
}

func (l *Logger) applyHooks(ctx context.Context, msg string, fields []Field) []Field {
	l.mu.RLock()
	hooks := l.hook
	l.mu.RUnlock()

	for _, h := range hooks {
		fields = h.Apply(ctx, msg, fields...)
	}

	return fields
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.zap.Debug(msg, l.applyHooks(ctx, msg, fields)...)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...Field) {
	l.zap.Info(msg, l.applyHooks(ctx, msg, fields)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.zap.Warn(msg, l.applyHooks(ctx, msg, fields)...)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...Field) {
	l.zap.Error(msg, l.applyHooks(ctx, msg, fields)...)
}

func (l *Logger) DebugEnabled(context.Context) bool {
	return l.zap.Core().Enabled(zapcore.DebugLevel)
}

func (l *Logger) AsSlog() *zap.Logger {
	return l.zap
}

var (
	globalMu     sync.RWMutex
	globalLogger = New(Config{Level: "info", Format: "json"})
)

// SetGlobalConfig rebuilds the process-wide logger from cfg. Called once at
// boot after configuration has loaded.
func SetGlobalConfig(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = New(cfg)
}

// GetGlobalLogger returns the current process-wide logger.
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	return globalLogger
}

func Debug(ctx context.Context, msg string, fields ...Field) { GetGlobalLogger().Debug(ctx, msg, fields...) }
func Info(ctx context.Context, msg string, fields ...Field)  { GetGlobalLogger().Info(ctx, msg, fields...) }
func Warn(ctx context.Context, msg string, fields ...Field)  { GetGlobalLogger().Warn(ctx, msg, fields...) }
func Error(ctx context.Context, msg string, fields ...Field) { GetGlobalLogger().Error(ctx, msg, fields...) }
func DebugEnabled(ctx context.Context) bool                  { return GetGlobalLogger().DebugEnabled(ctx) }

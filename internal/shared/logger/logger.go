package logger

import (
	"context"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a structured logger that stamps every entry with service, hostname,
// action and the request id carried by the context.
type Logger struct {
	service  string
	hostname string
	level    zap.AtomicLevel
	zl       *zap.Logger
}

// NewLogger creates a JSON logger writing to stdout.
func NewLogger(service string) *Logger {
	level := zap.NewAtomicLevelAt(zap.DebugLevel)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.StacktraceKey = "stack"

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stdout), level)

	l := NewWithCore(service, core)
	l.level = level
	return l
}

// NewWithCore builds a logger on top of an arbitrary zap core (tests use zaptest/observer).
func NewWithCore(service string, core zapcore.Core) *Logger {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Logger{
		service:  service,
		hostname: hostname,
		level:    zap.NewAtomicLevelAt(zap.DebugLevel),
		zl: zap.New(core, zap.AddStacktrace(zap.ErrorLevel)).With(
			zap.String("service", service),
			zap.String("hostname", hostname),
		),
	}
}

// SetLevel changes the minimum level; unknown names are ignored.
func (logger *Logger) SetLevel(name string) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return
	}
	logger.level.SetLevel(lvl)
}

// Sync flushes buffered entries.
func (logger *Logger) Sync() error {
	return logger.zl.Sync()
}

// Define an unexported type for context keys.
type ctxKey string

// requestIDKey is the context key for the request ID.
const requestIDKey ctxKey = "request_id"

// WithRequestID returns a context carrying a request id (useful for HTTP/mq hops).
func (logger *Logger) WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestIDKey, rid)
}

// NewRequestID returns a fresh random request id.
func NewRequestID() string {
	return uuid.NewString()
}

// RequestIDFrom returns the request id saved in the context, if any.
func RequestIDFrom(ctx context.Context) string {
	if v := ctx.Value(requestIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (logger *Logger) fields(ctx context.Context, action string, details any) []zap.Field {
	fields := []zap.Field{
		zap.String("action", action),
		zap.String("request_id", RequestIDFrom(ctx)),
	}
	if details != nil {
		fields = append(fields, zap.Any("details", details))
	}
	return fields
}

// -- Logger helper functions --

func (logger *Logger) Info(ctx context.Context, action, msg string, details any) {
	logger.zl.Info(msg, logger.fields(ctx, action, details)...)
}

func (logger *Logger) Debug(ctx context.Context, action, msg string, details any) {
	logger.zl.Debug(msg, logger.fields(ctx, action, details)...)
}

func (logger *Logger) Warn(ctx context.Context, action, msg string, details any) {
	logger.zl.Warn(msg, logger.fields(ctx, action, details)...)
}

func (logger *Logger) Error(ctx context.Context, action, msg string, err error) {
	fields := logger.fields(ctx, action, nil)
	if err != nil {
		fields = append(fields, zap.NamedError("error", err))
	}
	logger.zl.Error(msg, fields...)
}

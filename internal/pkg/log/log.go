package log

import (
	"context"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Info(ctx context.Context, msg string, fields ...zap.Field)
	Warn(ctx context.Context, msg string, fields ...zap.Field)
	Error(ctx context.Context, msg string, fields ...zap.Field)
}

type logger struct {
	l *otelzap.Logger
}

var global Logger = &logger{l: otelzap.New(zap.NewNop())}

// SetupLogger builds the production zap logger wrapped for trace correlation.
func SetupLogger() *otelzap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewExample()
	}

	return otelzap.New(l, otelzap.WithMinLevel(zapcore.InfoLevel))
}

// Setup is used by handlers and tests that log through *otelzap.Logger directly.
func Setup() *otelzap.Logger {
	return SetupLogger()
}

func Init(l *otelzap.Logger) {
	global = &logger{l: l}
}

func GetLogger() Logger {
	return global
}

func (lg *logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	lg.l.Ctx(ctx).Info(msg, fields...)
}

func (lg *logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	lg.l.Ctx(ctx).Warn(msg, fields...)
}

func (lg *logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	lg.l.Ctx(ctx).Error(msg, fields...)
}

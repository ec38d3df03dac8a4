// Package observability wires zap logging and OpenTelemetry tracing into the HTTP stack.
package observability

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/paypal-express/internal/platform/requestctx"
)

// NewLogger builds a JSON logger whose keys match Cloud Logging's structured format.
// Unknown or empty levels fall back to info.
func NewLogger(level string) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if lvl := strings.ToLower(strings.TrimSpace(level)); lvl != "" {
		if err := atomic.UnmarshalText([]byte(lvl)); err != nil {
			atomic.SetLevel(zapcore.InfoLevel)
		}
	}

	cfg := zap.Config{
		Level:    atomic,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
			EncodeLevel: func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(l.String()))
			},
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// EventLogger adapts zap to the event callbacks used by the payments adapters and services.
// The request scoped logger wins over base when one is present on ctx.
func EventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := base
		if requestctx.HasLogger(ctx) {
			logger = requestctx.Logger(ctx)
		}
		zfields := make([]zap.Field, 0, len(fields)+1)
		zfields = append(zfields, zap.String("event", event))
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v, ok := fields[k].(error); ok {
				zfields = append(zfields, zap.NamedError(k, v))
				continue
			}
			zfields = append(zfields, zap.Any(k, fields[k]))
		}
		switch {
		case strings.HasSuffix(event, "_failed"), strings.HasSuffix(event, ".error"):
			logger.Error(event, zfields...)
		case strings.Contains(event, "invalid"), strings.Contains(event, "unexpected"), strings.Contains(event, "unknown"):
			logger.Warn(event, zfields...)
		default:
			logger.Info(event, zfields...)
		}
	}
}

package observability

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/offerdesk/internal/config"
	"github.com/pitabwire/offerdesk/model"
)

type loggerKey struct{}

// NewLogger builds the service logger: JSON lines on stdout, internal zap
// errors on stderr. An unknown level falls back to info.
//
// Levels:
//   - error: offer store or draft store unreachable, panics, 5xx responses
//   - warn:  rejected requests, failed draft saves, failed submissions
//   - info:  session lifecycle, submissions, approval stages, definition reload
//   - debug: field edits, draft saves, dropped selections
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(level))
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.Fields(zap.String("service", "offerdesk")),
	), nil
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller's tenant,
// subject and correlation id. trace_id is added only when tracing set one.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}
	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// Redacted replaces a masked form value in logs.
const Redacted = "[REDACTED]"

// sensitiveFormFields are field and sub-field ids whose values identify a
// person or an account.
var sensitiveFormFields = map[string]bool{
	"accountNumber": true,
	"bankAccount":   true,
	"taxId":         true,
	"bvn":           true,
	"rcNumber":      true,
}

// FormValue returns the log field for an edit of fieldID. A sensitive field
// is masked whole; inside cards, table rows and file descriptors only the
// sensitive keys are masked. The input is not modified.
func FormValue(fieldID string, v any) zap.Field {
	return zap.Any("value", maskFormValue(fieldID, v))
}

func maskFormValue(id string, v any) any {
	if sensitiveFormFields[id] {
		return Redacted
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, sub := range t {
			out[k] = maskFormValue(k, sub)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = maskFormValue("", item)
		}
		return out
	}
	return v
}

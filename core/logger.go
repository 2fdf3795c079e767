package core

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger backs the Logger/ComponentAwareLogger interfaces with
// go.uber.org/zap, translating the map[string]interface{} field idiom
// used at every call site into zap's typed fields.
type ZapLogger struct {
	sugar     *zap.SugaredLogger
	component string
}

var _ ComponentAwareLogger = (*ZapLogger)(nil)

// NewZapLogger builds a production zap logger from LoggingConfig.
func NewZapLogger(cfg LoggingConfig) *ZapLogger {
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

	writer := zapcore.AddSync(os.Stdout)
	if cfg.Output == "stderr" {
		writer = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(encoder, writer, level)
	logger := zap.New(core, zap.AddCaller())

	return &ZapLogger{sugar: logger.Sugar()}
}

func (z *ZapLogger) WithComponent(component string) Logger {
	return &ZapLogger{sugar: z.sugar, component: component}
}

func (z *ZapLogger) fields(fields map[string]interface{}) []interface{} {
	out := make([]interface{}, 0, len(fields)*2+2)
	if z.component != "" {
		out = append(out, "component", z.component)
	}
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func (z *ZapLogger) Info(msg string, fields map[string]interface{}) {
	z.sugar.Infow(msg, z.fields(fields)...)
}

func (z *ZapLogger) Error(msg string, fields map[string]interface{}) {
	z.sugar.Errorw(msg, z.fields(fields)...)
}

func (z *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	z.sugar.Warnw(msg, z.fields(fields)...)
}

func (z *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	z.sugar.Debugw(msg, z.fields(fields)...)
}

func (z *ZapLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	z.Info(msg, withTraceID(ctx, fields))
}

func (z *ZapLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	z.Error(msg, withTraceID(ctx, fields))
}

func (z *ZapLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	z.Warn(msg, withTraceID(ctx, fields))
}

func (z *ZapLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	z.Debug(msg, withTraceID(ctx, fields))
}

type cycleIDKey struct{}

// WithCycleID attaches a supervisor cycle identifier to ctx so log lines
// emitted while handling that cycle can be correlated.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, id)
}

func withTraceID(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	id, ok := ctx.Value(cycleIDKey{}).(string)
	if !ok || id == "" {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["cycle_id"] = id
	return out
}

package logger

import (
	"context"
	"fmt"
	"os"
	"time"

	"hive/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and sinks. OutputPath and ErrorPath take
// a file path, "stdout" or "stderr".
type Config struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"outputPath"`
	ErrorPath  string `yaml:"errorPath"`
}

// Logger is a zap logger that tags entries with ids found in the context.
type Logger struct {
	zap *zap.Logger
}

// global stays nil until Init, which turns the package functions into no-ops.
var global *Logger

// Init replaces the process-wide logger.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	global = l
	return nil
}

// New builds a Logger from cfg. Format "json" gives JSON lines; anything
// else gives colored console output.
func New(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	out, err := sink(cfg.OutputPath, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}
	errOut, err := sink(cfg.ErrorPath, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("open log error output: %w", err)
	}

	core := zapcore.NewCore(encoder(cfg.Format), out, level)
	return &Logger{zap: zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(2),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(errOut),
	)}, nil
}

func encoder(format string) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339),
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

func sink(path string, fallback *os.File) (zapcore.WriteSyncer, error) {
	switch path {
	case "":
		return zapcore.AddSync(fallback), nil
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(f), nil
}

var contextFields = []struct {
	name string
	key  interface{}
}{
	{"trace_id", contextkey.TraceID},
	{"request_id", contextkey.RequestID},
	{"user_id", contextkey.UserID},
	{"submission_id", contextkey.SubmissionID},
}

// For returns the zap logger with the context's ids attached.
func (l *Logger) For(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return l.zap
	}
	var fields []zap.Field
	for _, f := range contextFields {
		v := ctx.Value(f.key)
		if v == nil {
			continue
		}
		if s := fmt.Sprint(v); s != "" {
			fields = append(fields, zap.String(f.name, s))
		}
	}
	if len(fields) == 0 {
		return l.zap
	}
	return l.zap.With(fields...)
}

func (l *Logger) write(ctx context.Context, level zapcore.Level, msg string, fields []zap.Field) {
	if ce := l.For(ctx).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if global != nil {
		global.write(ctx, zapcore.DebugLevel, msg, fields)
	}
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	if global != nil {
		global.write(ctx, zapcore.InfoLevel, msg, fields)
	}
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	if global != nil {
		global.write(ctx, zapcore.WarnLevel, msg, fields)
	}
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	if global != nil {
		global.write(ctx, zapcore.ErrorLevel, msg, fields)
	}
}

// Sync flushes buffered entries. Safe to call before Init.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.zap.Sync()
}

package logger

import (
	"context"
	"fmt"
	"os"
	"time"

	"codearena/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var globalLogger *Logger

type ctxLoggerKey struct{}

// Logger wraps zap logger with context support
type Logger struct {
	zap *zap.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string `yaml:"level"`      // debug, info, warn, error
	Format     string `yaml:"format"`     // json, console
	OutputPath string `yaml:"outputPath"` // file path or "stdout"
}

// Init initializes the global logger
func Init(cfg Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// NewLogger creates a new logger instance
func NewLogger(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	} else {
		encCfg := encoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	writeSyncer, err := openSyncer(cfg.OutputPath)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	return &Logger{zap: newZap(core)}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// Tee returns a logger that writes to l and additionally appends JSON lines to path.
// It is used to give each tournament run its own log file.
func (l *Logger) Tee(path string, level string) (*Logger, error) {
	lvl := zapcore.DebugLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}
	ws, err := openSyncer(path)
	if err != nil {
		return nil, err
	}
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), ws, lvl)
	base := zapcore.NewNopCore()
	if l != nil && l.zap != nil {
		base = l.zap.Core()
	}
	return &Logger{zap: newZap(zapcore.NewTee(base, fileCore))}, nil
}

func newZap(core zapcore.Core) *zap.Logger {
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    "func",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     customTimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func openSyncer(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return zapcore.AddSync(file), nil
}

// customTimeEncoder formats time in RFC3339 format
func customTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format(time.RFC3339))
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// WithContext extracts fields from context (tournament, round, player) and returns logger with those fields
func (l *Logger) WithContext(ctx context.Context) *zap.Logger {
	fields := extractFieldsFromContext(ctx)
	return l.zap.With(fields...)
}

// IntoContext binds a run-scoped logger to ctx. The package-level helpers
// prefer it over the global logger.
func IntoContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, l)
}

// FromContext returns the run-scoped logger bound to ctx, or the global logger.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxLoggerKey{}).(*Logger); ok && l != nil {
			return l
		}
	}
	return globalLogger
}

// ContextWith returns a copy of ctx carrying a log field value.
func ContextWith(ctx context.Context, key interface{}, value interface{}) context.Context {
	return context.WithValue(ctx, key, value)
}

// extractFieldsFromContext extracts structured fields from context
func extractFieldsFromContext(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field

	if id := ctx.Value(contextkey.TournamentID); id != nil {
		fields = append(fields, zap.String("tournament_id", fmt.Sprint(id)))
	}
	if round := ctx.Value(contextkey.Round); round != nil {
		fields = append(fields, zap.Any("round", round))
	}
	if player := ctx.Value(contextkey.Player); player != nil {
		fields = append(fields, zap.String("player", fmt.Sprint(player)))
	}
	if phase := ctx.Value(contextkey.Phase); phase != nil {
		fields = append(fields, zap.String("phase", fmt.Sprint(phase)))
	}
	if sb := ctx.Value(contextkey.Sandbox); sb != nil {
		fields = append(fields, zap.String("sandbox", fmt.Sprint(sb)))
	}

	return fields
}

func loggerFor(ctx context.Context) *zap.Logger {
	l := FromContext(ctx)
	if l == nil {
		return nil
	}
	return l.WithContext(ctx)
}

// Debug logs a debug message
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if zl := loggerFor(ctx); zl != nil {
		zl.Debug(msg, fields...)
	}
}

// Info logs an info message
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	if zl := loggerFor(ctx); zl != nil {
		zl.Info(msg, fields...)
	}
}

// Warn logs a warning message
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	if zl := loggerFor(ctx); zl != nil {
		zl.Warn(msg, fields...)
	}
}

// Error logs an error message
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	if zl := loggerFor(ctx); zl != nil {
		zl.Error(msg, fields...)
	}
}

// Infof logs an info message with format
func Infof(ctx context.Context, format string, args ...interface{}) {
	if zl := loggerFor(ctx); zl != nil {
		zl.Info(fmt.Sprintf(format, args...))
	}
}

// Warnf logs a warning message with format
func Warnf(ctx context.Context, format string, args ...interface{}) {
	if zl := loggerFor(ctx); zl != nil {
		zl.Warn(fmt.Sprintf(format, args...))
	}
}

// Sync flushes the global logger
func Sync() error {
	if globalLogger == nil {
		return nil
	}
	return globalLogger.Sync()
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	return globalLogger
}

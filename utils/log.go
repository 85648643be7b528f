package utils

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a command line level name onto a LogLevel, falling back to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return TRACE
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "critical":
		return CRITICAL
	default:
		return INFO
	}
}

// zap has no trace level; TRACE sits one step below zap's debug.
func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case TRACE:
		return zapcore.DebugLevel - 1
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.DPanicLevel
	}
}

// Logger keeps the printf style levelled API used across the robot code while
// writing through zap. CRITICAL maps to zap's DPanic level; the loggers built
// here are never in development mode so it does not panic.
type Logger struct {
	level zap.AtomicLevel
	sugar *zap.SugaredLogger
	sink  *lumberjack.Logger
}

// NewFileLogger writes to a size-rotated file at filePath and, optionally, stdout.
func NewFileLogger(filePath string, minLevel LogLevel, alsoStdout bool) (*Logger, error) {
	sink := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    20, // MB
		MaxBackups: 3,
	}
	level := zap.NewAtomicLevelAt(minLevel.zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encCfg.EncodeLevel = encodeLevel

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(sink), level),
	}
	if alsoStdout {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stdout), level))
	}
	return &Logger{
		level: level,
		sugar: zap.New(zapcore.NewTee(cores...)).Sugar(),
		sink:  sink,
	}, nil
}

// NewZapLogger wraps an existing zap logger. The zap core must let trace
// lines (one below zap's debug) through for TRACE to show.
func NewZapLogger(z *zap.Logger, minLevel LogLevel) *Logger {
	return &Logger{level: zap.NewAtomicLevelAt(minLevel.zapLevel()), sugar: z.Sugar()}
}

// NewNopLogger discards everything.
func NewNopLogger() *Logger {
	return &Logger{level: zap.NewAtomicLevel(), sugar: zap.NewNop().Sugar()}
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch {
	case l < zapcore.DebugLevel:
		enc.AppendString("[TRACE]")
	case l >= zapcore.DPanicLevel:
		enc.AppendString("[CRITICAL]")
	default:
		enc.AppendString("[" + l.CapitalString() + "]")
	}
}

func (l *Logger) Close() error {
	_ = l.sugar.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func (l *Logger) SetMinLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// Enabled reports whether a line at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return l.level.Enabled(level.zapLevel())
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	lvl := level.zapLevel()
	if !l.level.Enabled(lvl) {
		return
	}
	l.sugar.Logf(lvl, msg, args...)
}

func (l *Logger) Trace(msg string, args ...any)    { l.log(TRACE, msg, args...) }
func (l *Logger) Debug(msg string, args ...any)    { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...any)     { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)     { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...any)    { l.log(ERROR, msg, args...) }
func (l *Logger) Critical(msg string, args ...any) { l.log(CRITICAL, msg, args...) }

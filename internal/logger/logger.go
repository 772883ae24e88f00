package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
)

type Logger struct {
	sugar *zap.SugaredLogger
	level LogLevel
	tag   string
}

// NewLogger wraps a zap logger. Level filtering happens here so that
// WithTag children share the same threshold.
func NewLogger(z *zap.Logger, level LogLevel) *Logger {
	return &Logger{
		sugar: z.Sugar(),
		level: level,
	}
}

// NewConsole builds the zap backend the service uses on the box. Under
// systemd (INVOCATION_ID set) journald already stamps each line, so the
// encoder drops time and caller.
func NewConsole(level LogLevel) *Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.CallerKey = ""
	if os.Getenv("INVOCATION_ID") != "" {
		encCfg.TimeKey = ""
	} else {
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000")
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stdout),
		zap.NewAtomicLevelAt(zapcore.DebugLevel),
	)
	return NewLogger(zap.New(core), level)
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return NewLogger(zap.NewNop(), LogLevelNone)
}

// WithTag creates a new logger with a tag prefix
func (l *Logger) WithTag(tag string) *Logger {
	return &Logger{
		sugar: l.sugar.Named(tag),
		level: l.level,
		tag:   tag,
	}
}

func (l *Logger) Level() LogLevel {
	return l.level
}

func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	if l.level >= LogLevelDebug {
		l.sugar.Debugf(format, v...)
	}
}

func (l *Logger) Infof(format string, v ...interface{}) {
	if l.level >= LogLevelInfo {
		l.sugar.Infof(format, v...)
	}
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	if l.level >= LogLevelWarning {
		l.sugar.Warnf(format, v...)
	}
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	if l.level >= LogLevelError {
		l.sugar.Errorf(format, v...)
	}
}

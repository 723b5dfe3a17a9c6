// Package logger wraps zap behind the small interface the rest of dmarcpipe logs through.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" yaml:"level"`
	DevMode  bool   `env:"LOG_DEV_MODE" envDefault:"false" yaml:"dev_mode"`
	Encoder  string `env:"LOG_ENCODER" envDefault:"console" yaml:"encoder"`
}

// Logger is the logging surface used across the application.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Warnf(template string, args ...interface{})
	Error(msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
	Logger() *zap.Logger
	Sync() error
}

type appLogger struct {
	cfg         *Config
	logger      *zap.Logger
	sugarLogger *zap.SugaredLogger
}

// NewAppLogger returns a logger that must be initialised with InitLogger.
func NewAppLogger(cfg *Config) *appLogger {
	if cfg == nil {
		cfg = &Config{}
	}
	return &appLogger{cfg: cfg}
}

var loggerLevelMap = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
	"panic": zapcore.PanicLevel,
	"fatal": zapcore.FatalLevel,
}

func (l *appLogger) level() zapcore.Level {
	level, ok := loggerLevelMap[strings.ToLower(l.cfg.LogLevel)]
	if !ok {
		return zapcore.InfoLevel
	}
	return level
}

// InitLogger builds the underlying zap core. Logs go to stderr so command
// output on stdout stays machine readable.
func (l *appLogger) InitLogger() {
	var encoderCfg zapcore.EncoderConfig
	if l.cfg.DevMode {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderCfg = zap.NewProductionEncoderConfig()
	}
	encoderCfg.TimeKey = "time"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if l.cfg.Encoder == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(l.level()))
	l.logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	l.sugarLogger = l.logger.Sugar()
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() Logger {
	z := zap.NewNop()
	return &appLogger{cfg: &Config{}, logger: z, sugarLogger: z.Sugar()}
}

func (l *appLogger) Debug(msg string, fields ...zap.Field) { l.logger.Debug(msg, fields...) }

func (l *appLogger) Info(msg string, fields ...zap.Field) { l.logger.Info(msg, fields...) }

func (l *appLogger) Warn(msg string, fields ...zap.Field) { l.logger.Warn(msg, fields...) }

func (l *appLogger) Warnf(template string, args ...interface{}) {
	l.sugarLogger.Warnf(template, args...)
}

func (l *appLogger) Error(msg string, fields ...zap.Field) { l.logger.Error(msg, fields...) }

func (l *appLogger) With(fields ...zap.Field) Logger {
	child := l.logger.With(fields...)
	return &appLogger{cfg: l.cfg, logger: child, sugarLogger: child.Sugar()}
}

func (l *appLogger) Logger() *zap.Logger { return l.logger }

func (l *appLogger) Sync() error { return l.logger.Sync() }

package common

import (
	"fmt"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// --------------------------------------------------------------------------
// Zap Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// zapLogger routes the dragonboat logger API to a named zap logger.
// Packages keep using `var Logger = logger.GetLogger("name")`, the sink is
// swapped once InitLoggers installs the factory.
type zapLogger struct {
	level logger.LogLevel
	sugar *zap.SugaredLogger
}

func (l *zapLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *zapLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.sugar.Debugf(format, args...)
	}
}

func (l *zapLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.sugar.Infof(format, args...)
	}
}

func (l *zapLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.sugar.Warnf(format, args...)
	}
}

func (l *zapLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.sugar.Errorf(format, args...)
	}
}

func (l *zapLogger) Panicf(format string, args ...interface{}) {
	l.sugar.Panicf(format, args...)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements the dragonboat logger.Factory on top of the global zap logger
func CreateLogger(pkgName string) logger.ILogger {
	return &zapLogger{
		level: logger.INFO,
		sugar: zap.L().Sugar().Named(pkgName),
	}
}

// LoggerNames lists the package loggers of uStore.
var LoggerNames = []string{
	"cli", "engine", "registry", "txn", "cache", "encryption", "migration", "sync",
	"db/btree", "db/kvstore", "db/sqlite", "rpc", "rpc/client",
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a level string (debug, info, warn, error) to a logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers builds the zap logger (development config for debug, production
// config otherwise), installs it as the dragonboat logger factory and sets the
// level of every package logger.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	if lvl == logger.DEBUG {
		cfg = zap.NewDevelopmentConfig()
	}
	// filtering happens per package in zapLogger
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	base, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build zap logger: %w", err)
	}
	zap.ReplaceGlobals(base)

	logger.SetLoggerFactory(CreateLogger)
	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}

// SyncLoggers flushes buffered log entries. Call it before the process exits.
func SyncLoggers() {
	_ = zap.L().Sync()
}

package common

import (
	"fmt"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerNames lists every logger used by dIO. InitLoggers sets the level of all of them.
var LoggerNames = []string{"elg", "bootstrap", "resolver", "tlsctx", "cli"}

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// dIOLogger implements the ILogger interface on top of a zap SugaredLogger
type dIOLogger struct {
	name   string
	level  zap.AtomicLevel
	logger *zap.SugaredLogger
}

func (l *dIOLogger) SetLevel(level logger.LogLevel) {
	l.level.SetLevel(toZapLevel(level))
}

func (l *dIOLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *dIOLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

func (l *dIOLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *dIOLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *dIOLogger) Panicf(format string, args ...interface{}) {
	l.logger.Panicf(format, args...)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements Dragonboat's logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	z := zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleEncoderConfig()),
		zapcore.Lock(os.Stdout),
		level,
	)).Named(pkgName)

	return &dIOLogger{
		name:   pkgName,
		level:  level,
		logger: z.Sugar(),
	}
}

// consoleEncoderConfig returns the console layout shared by all loggers
func consoleEncoderConfig() zapcore.EncoderConfig {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	return encCfg
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// toZapLevel maps Dragonboat levels onto zap levels
func toZapLevel(level logger.LogLevel) zapcore.Level {
	switch level {
	case logger.DEBUG:
		return zapcore.DebugLevel
	case logger.INFO:
		return zapcore.InfoLevel
	case logger.WARNING:
		return zapcore.WarnLevel
	case logger.ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.PanicLevel
	}
}

// ParseLogLevel converts a string level to logger.LogLevel
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
		return 0, Configuration("common.ParseLogLevel",
			fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level), nil)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers installs the zap backed factory and sets the level of all dIO loggers
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)

	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}

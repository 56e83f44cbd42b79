// Package logs builds the zap loggers used across statdeck.
package logs

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"statdeck/internal/config"
)

// Log level names accepted in configuration
const (
	LogLevelTrace = "trace"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// ParseLevel maps a configured level name to a zap level. Unknown names
// fall back to info.
func ParseLevel(name string) zapcore.Level {
	switch name {
	case LogLevelTrace, LogLevelDebug:
		return zap.DebugLevel
	case LogLevelInfo:
		return zap.InfoLevel
	case LogLevelWarn:
		return zap.WarnLevel
	case LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Setup creates the process logger from the logging section of the config.
// Console output goes to stderr; file output is rotated by lumberjack.
func Setup(logConfig config.LogConfig, logDir string) (*zap.Logger, error) {
	level := ParseLevel(logConfig.Level)

	var cores []zapcore.Core
	if logConfig.EnableConsole {
		cores = append(cores, createConsoleCore(logConfig, level))
	}
	if logConfig.EnableFile {
		fileCore, err := createFileCore(logConfig, logDir, level)
		if err != nil {
			return nil, fmt.Errorf("failed to create file log core: %w", err)
		}
		cores = append(cores, fileCore)
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	return cfg
}

func createConsoleCore(logConfig config.LogConfig, level zapcore.Level) zapcore.Core {
	encCfg := encoderConfig()
	var encoder zapcore.Encoder
	if logConfig.JSONFormat {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
}

func createFileCore(logConfig config.LogConfig, logDir string, level zapcore.Level) (zapcore.Core, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	filename := logConfig.Filename
	if filename == "" {
		filename = "statdeck.log"
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, filename),
		MaxSize:    logConfig.MaxSize,
		MaxBackups: logConfig.MaxBackups,
		MaxAge:     logConfig.MaxAge,
		Compress:   logConfig.Compress,
	}

	// Files are always JSON so they can be grepped and parsed.
	encoder := zapcore.NewJSONEncoder(encoderConfig())
	return zapcore.NewCore(encoder, zapcore.AddSync(writer), level), nil
}

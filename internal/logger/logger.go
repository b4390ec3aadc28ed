package logger

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerConfig struct {
	Name    string
	IsDebug bool
	// JSON switches from the console encoder to JSON lines.
	JSON          bool
	InitialFields []zap.Field
}

func NewLogger(loggerConfig LoggerConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if loggerConfig.IsDebug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	encoding := "console"
	if loggerConfig.JSON {
		encoding = "json"
	}

	config := zap.Config{
		Level:             level,
		Development:       loggerConfig.IsDebug,
		DisableStacktrace: true,
		Encoding:          encoding,
		EncoderConfig:     GetEncoderConfig(zapcore.DefaultLineEnding),
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}

	logger, err := config.Build(
		zap.Fields(zap.Int("pid", os.Getpid())),
		zap.Fields(loggerConfig.InitialFields...),
	)
	if err != nil {
		return nil, errors.Wrap(err, "error building logger")
	}

	return logger.Named(loggerConfig.Name), nil
}

func GetEncoderConfig(lineEnding string) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		MessageKey:    "message",
		LevelKey:      "level",
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		NameKey:       "logger",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339TimeEncoder,
		LineEnding:    lineEnding,
	}
}

package logger

import (
	"fmt"
	"os"

	"github.com/xaenox/wingman/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation policy for the optional log file.
const (
	fileMaxSizeMB  = 10
	fileMaxAgeDays = 7
)

// New builds the process logger: a colored console core on stderr and,
// when cfg.File is set, a JSON core writing to a rotated file.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeLevel:   zapcore.CapitalColorLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}

	if cfg.File != "" {
		fileEnc := encCfg
		fileEnc.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileEnc),
			zapcore.AddSync(&lumberjack.Logger{
				Filename: cfg.File,
				MaxSize:  fileMaxSizeMB,
				MaxAge:   fileMaxAgeDays,
				Compress: true,
			}),
			level,
		))
	}

	log := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	log.Debug("Logging configured",
		zap.String("level", level.String()),
		zap.String("file", cfg.File))
	return log, nil
}

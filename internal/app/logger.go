package app

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger: a console encoder on stderr, JSON
// in production, plus an optional log file.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", c.Level)
	}

	var encoderConfig zapcore.EncoderConfig
	if c.Production {
		encoderConfig = zap.NewProductionEncoderConfig()
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	newEncoder := func() zapcore.Encoder {
		if c.Production {
			return zapcore.NewJSONEncoder(encoderConfig)
		}
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	cores := []zapcore.Core{zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stderr), level)}

	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0o755); err != nil {
			return nil, errors.Wrap(err, "create log dir failed")
		}
		f, err := os.OpenFile(c.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "open log file failed")
		}
		fileConfig := zap.NewProductionEncoderConfig()
		fileConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), zapcore.AddSync(f), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

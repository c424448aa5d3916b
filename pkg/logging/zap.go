// Package logging provides the zap-backed implementation of
// contracts.Logger used across the gateway.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/traderlink/mtgate/pkg/contracts"
)

// ZapLogger wraps a zap.SugaredLogger.
type ZapLogger struct {
	logger *zap.SugaredLogger
}

// New builds a logger from level/format strings ("debug".."error",
// "json" or "console").
func New(level, format string) (*ZapLogger, error) {
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return &ZapLogger{logger: logger.Sugar()}, nil
}

// NewDevelopment returns a console logger at debug level.
func NewDevelopment() (*ZapLogger, error) {
	return New("debug", "console")
}

func (l *ZapLogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *ZapLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Infow(msg, keysAndValues...)
}

func (l *ZapLogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warnw(msg, keysAndValues...)
}

func (l *ZapLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, keysAndValues...)
}

func (l *ZapLogger) With(keysAndValues ...any) contracts.Logger {
	return &ZapLogger{logger: l.logger.With(keysAndValues...)}
}

func (l *ZapLogger) Named(name string) contracts.Logger {
	return &ZapLogger{logger: l.logger.Named(name)}
}

func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

var _ contracts.Logger = (*ZapLogger)(nil)

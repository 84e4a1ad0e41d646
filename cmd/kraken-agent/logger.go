package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/krakendeploy-com/kraken-agent/internal/config"
)

func buildLogger(settings config.LogSettings) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(settings.Level))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", settings.Level, err)
	}

	cfg := zap.NewProductionConfig()
	if strings.EqualFold(settings.Format, "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return logger, nil
}

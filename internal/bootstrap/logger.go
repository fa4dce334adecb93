package bootstrap

import (
	"aitrader/internal/config"
	"aitrader/internal/core"
	"aitrader/pkg/logging"
)

// InitLogger builds the process-wide structured logger from config.
func InitLogger(cfg *config.Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}

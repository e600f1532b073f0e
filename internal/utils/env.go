package utils

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// LoadEnv reads .env into the process environment. Variables already set win.
func LoadEnv(logger *zap.Logger) {
	err := godotenv.Load()
	switch {
	case err == nil:
		logger.Info("ENV file loaded successfully")
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("ENV file not found, using process environment and defaults")
	default:
		logger.Warn("ENV file failed to load, using defaults", zap.Error(err))
	}
}

package utils

import "go.uber.org/zap"

// NewLogger builds a development logger unless env is "prod" or "production".
func NewLogger(env string) (*zap.Logger, error) {
	switch env {
	case "prod", "production":
		return zap.NewProduction()
	default:
		return zap.NewDevelopment()
	}
}

package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds the process logger: human-readable in dev, JSON elsewhere.
func New(env string) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)
	if env == "dev" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("build logger failed: %w", err)
	}
	return log, nil
}

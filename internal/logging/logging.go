package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

func GetBaseLogger() (*zap.Logger, error) {
	if os.Getenv("RAFTD_ENV") == "prod" {
		cfg := zap.NewProductionConfig()

		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		cfg.DisableStacktrace = true
		cfg.DisableCaller = true
		cfg.Development = false

		return cfg.Build()
	}
	return zap.NewDevelopment()
}

func GetLogger(component string) (*zap.Logger, error) {
	base, err := GetBaseLogger()
	if err != nil {
		return nil, fmt.Errorf("fail to get base logger, %w", err)
	}
	return base.With(zap.String(Component, component)), nil
}

func GetLoggerOrPanic(component string) *zap.Logger {
	logger, err := GetLogger(component)
	if err != nil {
		panic(err)
	}
	return logger
}

// Shared zap field names so log lines stay greppable across components.
const (
	Component = "component"
	Node      = "node"
	Term      = "term"
	Peer      = "peer"
	Index     = "index"
	Role      = "role"
	PeerTerm  = "peer term"
)

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/geoblock/internal/config"
	"grimm.is/geoblock/internal/logging"
	"grimm.is/geoblock/internal/manager"
	"grimm.is/geoblock/internal/state"
)

// session is everything a management command needs. Close it when done.
type session struct {
	cfg *config.Config
	mgr *manager.Manager
	db  *state.SQLiteStore
}

func (s *session) Close() {
	if err := s.db.Close(); err != nil {
		logging.Warn("failed to close state store", "error", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	logging.SetDefault(logging.New(logging.Config{Level: level, Output: os.Stderr, JSON: cfg.LogJSON}))
}

// commandContext is cancelled by Ctrl-C or SIGTERM. A reload interrupted
// this way stops before it touches the filter.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

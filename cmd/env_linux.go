//go:build linux

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/geoblock/internal/addrset"
	"grimm.is/geoblock/internal/firewall"
	"grimm.is/geoblock/internal/logging"
	"grimm.is/geoblock/internal/manager"
	"grimm.is/geoblock/internal/metrics"
	"grimm.is/geoblock/internal/state"
)

var _ manager.FilterStore = (*firewall.Adapter)(nil)

func openSession(configFile string) (*session, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}
	logger := logging.Default()
	reg := metrics.Get()

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := state.NewSQLiteStore(state.DefaultOptions(filepath.Join(cfg.StateDir, "state.db")))
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	adapter, err := firewall.Open(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	mgr, err := manager.New(manager.Deps{
		Config:  cfg,
		Store:   adapter.WithMetrics(reg),
		Sources: addrset.FromConfig(cfg, logger, reg),
		State:   db,
		Metrics: reg,
		Logger:  logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &session{cfg: cfg, mgr: mgr, db: db}, nil
}

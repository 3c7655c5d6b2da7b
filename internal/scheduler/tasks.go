package scheduler

import (
	"context"
	"errors"
	"time"

	"grimm.is/geoblock/internal/logging"
	"grimm.is/geoblock/internal/manager"
	"grimm.is/geoblock/internal/metrics"
)

// Reloader refetches address data and applies the policy.
type Reloader interface {
	Reload(ctx context.Context) (*manager.ReloadResult, error)
}

// StatsCollector refreshes the set-size and counter gauges.
type StatsCollector interface {
	Stats(ctx context.Context) (*manager.Stats, error)
}

// Task IDs.
const (
	TaskReload  = "reload"
	TaskMetrics = "metrics"
)

// NewReloadTask refreshes the feeds on sched. A disabled filter is left
// alone until an operator enables it.
func NewReloadTask(r Reloader, sched Schedule, timeout time.Duration, logger *logging.Logger) *Task {
	return &Task{
		ID:         TaskReload,
		Name:       "Feed refresh",
		Schedule:   sched,
		RunOnStart: true,
		Timeout:    timeout,
		Func: func(ctx context.Context) error {
			res, err := r.Reload(ctx)
			if errors.Is(err, manager.ErrDisabled) {
				logger.Info("filtering disabled, refresh skipped")
				return ErrSkipped
			}
			if err != nil {
				return err
			}
			logger.Info("feeds refreshed", "mode", res.Mode, "changed", len(res.Changed), "took", res.Took)
			return nil
		},
	}
}

// NewMetricsTask mirrors filter counters into reg and, when textfile is set,
// writes them for node_exporter.
func NewMetricsTask(c StatsCollector, reg *metrics.Registry, textfile string, interval time.Duration) *Task {
	return &Task{
		ID:         TaskMetrics,
		Name:       "Metrics export",
		Schedule:   Every(interval),
		RunOnStart: true,
		Timeout:    interval,
		Func: func(ctx context.Context) error {
			if _, err := c.Stats(ctx); err != nil {
				return err
			}
			if textfile == "" {
				return nil
			}
			return reg.WriteTextfile(textfile)
		},
	}
}

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/geoblock/internal/logging"
	"grimm.is/geoblock/internal/metrics"
	"grimm.is/geoblock/internal/scheduler"
)

const (
	reloadTimeout   = 15 * time.Minute
	metricsInterval = time.Minute
)

// RunDaemon keeps the filter current: it refreshes the feeds on the
// configured schedule and exports metrics until interrupted. Management
// commands keep working while it runs.
func RunDaemon(configFile string) error {
	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	refresh, err := scheduler.Parse(s.cfg.Refresh)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	logger := logging.WithComponent("daemon")
	reg := metrics.Get()
	sched := scheduler.New(logger)
	if err := sched.Add(scheduler.NewReloadTask(s.mgr, refresh, reloadTimeout, logger)); err != nil {
		return err
	}
	if s.cfg.MetricsListen != "" || s.cfg.MetricsTextfile != "" {
		if err := sched.Add(scheduler.NewMetricsTask(s.mgr, reg, s.cfg.MetricsTextfile, metricsInterval)); err != nil {
			return err
		}
	}

	ctx, cancel := commandContext()
	defer cancel()

	if addr := s.cfg.MetricsListen; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           daemonMux(reg, sched),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "addr", addr, "error", err)
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", addr)
	}

	logger.Info("daemon started", "refresh", s.cfg.Refresh, "table", s.cfg.Table)
	return sched.Run(ctx)
}

// daemonMux serves /metrics and /healthz. Health fails while the last feed
// refresh failed.
func daemonMux(reg *metrics.Registry, sched *scheduler.Scheduler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		tasks := sched.Status()
		code := http.StatusOK
		for _, t := range tasks {
			if t.ID == scheduler.TaskReload && t.LastError != "" {
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(tasks)
	})
	return mux
}

package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/geoblock/internal/firewall"
	"grimm.is/geoblock/internal/logging"
	"grimm.is/geoblock/internal/manager"
	"grimm.is/geoblock/internal/metrics"
)

type reloadFunc func(ctx context.Context) (*manager.ReloadResult, error)

func (f reloadFunc) Reload(ctx context.Context) (*manager.ReloadResult, error) { return f(ctx) }

type statsFunc func(ctx context.Context) (*manager.Stats, error)

func (f statsFunc) Stats(ctx context.Context) (*manager.Stats, error) { return f(ctx) }

func TestReloadTask(t *testing.T) {
	calls := 0
	task := NewReloadTask(reloadFunc(func(context.Context) (*manager.ReloadResult, error) {
		calls++
		return &manager.ReloadResult{Mode: firewall.ModeNoop}, nil
	}), Every(time.Hour), time.Minute, logging.Discard())

	assert.Equal(t, TaskReload, task.ID)
	assert.True(t, task.RunOnStart)
	require.NoError(t, task.Func(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestReloadTask_Disabled(t *testing.T) {
	task := NewReloadTask(reloadFunc(func(context.Context) (*manager.ReloadResult, error) {
		return nil, manager.ErrDisabled
	}), Every(time.Hour), time.Minute, logging.Discard())
	assert.ErrorIs(t, task.Func(context.Background()), ErrSkipped)

	failing := NewReloadTask(reloadFunc(func(context.Context) (*manager.ReloadResult, error) {
		return nil, errors.New("source unavailable")
	}), Every(time.Hour), time.Minute, logging.Discard())
	assert.EqualError(t, failing.Func(context.Background()), "source unavailable")
}

func TestMetricsTask_Textfile(t *testing.T) {
	reg := metrics.New()
	path := filepath.Join(t.TempDir(), "geoblock.prom")
	task := NewMetricsTask(statsFunc(func(context.Context) (*manager.Stats, error) {
		reg.Enabled.Set(1)
		return &manager.Stats{Active: true}, nil
	}), reg, path, time.Minute)

	require.NoError(t, task.Func(context.Background()))
	assert.FileExists(t, path)
}

func TestMetricsTask_StatsError(t *testing.T) {
	task := NewMetricsTask(statsFunc(func(context.Context) (*manager.Stats, error) {
		return nil, firewall.ErrBusy
	}), metrics.New(), "", time.Minute)
	assert.ErrorIs(t, task.Func(context.Background()), firewall.ErrBusy)
}

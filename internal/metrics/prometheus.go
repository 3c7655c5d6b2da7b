// Package metrics exposes geoblock's state as Prometheus metrics: set sizes,
// per-rule counters, apply and fetch outcomes. The CLI is short-lived, so
// metrics are rendered on demand (`stats --prom`) or written to a
// node_exporter textfile rather than served.
package metrics

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all geoblock metrics on a private prometheus.Registry.
type Registry struct {
	reg *prometheus.Registry

	Enabled      prometheus.Gauge
	SetElements  *prometheus.GaugeVec
	RulePackets  *prometheus.GaugeVec
	RuleBytes    *prometheus.GaugeVec
	ApplyTotal   *prometheus.CounterVec
	ApplySeconds prometheus.Histogram
	Mutations    *prometheus.CounterVec
	FetchTotal   *prometheus.CounterVec
	SkippedLines *prometheus.CounterVec
	LastReload   prometheus.Gauge
}

// Get returns the process registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = New()
	})
	return registry
}

// New creates an independent registry. Tests use it to avoid shared state.
func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		Enabled: f.NewGauge(prometheus.GaugeOpts{
			Name: "geoblock_enabled",
			Help: "1 when the geoblock table is loaded, 0 when disabled",
		}),
		SetElements: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geoblock_set_elements",
			Help: "Number of intervals in each address set",
		}, []string{"set", "family"}),
		RulePackets: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geoblock_rule_packets",
			Help: "Packets matched by each rule since it was loaded",
		}, []string{"rule", "action"}),
		RuleBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geoblock_rule_bytes",
			Help: "Bytes matched by each rule since it was loaded",
		}, []string{"rule", "action"}),
		ApplyTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geoblock_apply_total",
			Help: "Rule program applications by outcome",
		}, []string{"mode", "result"}),
		ApplySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "geoblock_apply_duration_seconds",
			Help:    "Time spent validating and committing a rule program",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geoblock_mutations_total",
			Help: "Incremental filter mutations by operation and outcome",
		}, []string{"op", "result"}),
		FetchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geoblock_fetch_total",
			Help: "Address feed fetches by source and outcome (network, cache, revalidated, stale, malformed, error)",
		}, []string{"source", "result"}),
		SkippedLines: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geoblock_feed_skipped_lines_total",
			Help: "Malformed feed lines skipped",
		}, []string{"source"}),
		LastReload: f.NewGauge(prometheus.GaugeOpts{
			Name: "geoblock_last_reload_timestamp_seconds",
			Help: "Unix time of the last successful reload",
		}),
	}
}

// ObserveApply records the outcome and duration of one apply.
func (r *Registry) ObserveApply(mode string, took time.Duration, err error) {
	r.ApplyTotal.WithLabelValues(mode, result(err)).Inc()
	r.ApplySeconds.Observe(took.Seconds())
}

// ObserveMutation records one incremental operation.
func (r *Registry) ObserveMutation(op string, err error) {
	r.Mutations.WithLabelValues(op, result(err)).Inc()
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// WriteText writes every metric in the Prometheus text exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	families, err := r.reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// WriteTextfile atomically writes the metrics for node_exporter's textfile collector.
func (r *Registry) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Package telemetry exposes the scan-cycle, watchdog, and historian metrics
// named in §6's Supplemented external interface via prometheus/client_golang,
// grounded on vjache-cie's use of the same library for process metrics —
// replacing the reference implementation's hand-rolled Prometheus text
// renderer with the real client library the pack shows for this concern.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerMetrics is the scan-cycle/watchdog metric set:
// ironcycle_{cycles_total, overruns_total, cycle_last_ms,
// task_last_ms{task}, task_overruns_total{task}}. No cycle-average series
// is registered.
type SchedulerMetrics struct {
	cyclesTotal       prometheus.Counter
	overrunsTotal     prometheus.Counter
	cycleLastMS       prometheus.Gauge
	taskLastMS        *prometheus.GaugeVec
	taskOverrunsTotal *prometheus.CounterVec

	cycleAvgAccum time.Duration
	cycleCount    uint64
}

// NewSchedulerMetrics registers the scheduler's metric set on reg.
func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		cyclesTotal:   prometheus.NewCounter(prometheus.CounterOpts{Name: "ironcycle_cycles_total", Help: "Total scan cycles executed."}),
		overrunsTotal: prometheus.NewCounter(prometheus.CounterOpts{Name: "ironcycle_overruns_total", Help: "Total watchdog overruns."}),
		cycleLastMS:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "ironcycle_cycle_last_ms", Help: "Duration of the most recent cycle, in milliseconds."}),
		taskLastMS:    prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "ironcycle_task_last_ms", Help: "Duration of the most recent cycle, per task."}, []string{"task"}),
		taskOverrunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ironcycle_task_overruns_total", Help: "Total watchdog overruns, per task."}, []string{"task"}),
	}
	reg.MustRegister(m.cyclesTotal, m.overrunsTotal, m.cycleLastMS, m.taskLastMS, m.taskOverrunsTotal)
	return m
}

// Observe records one completed cycle's duration and overrun status.
func (m *SchedulerMetrics) Observe(task string, elapsed time.Duration, overrun bool) {
	m.cyclesTotal.Inc()
	m.cycleLastMS.Set(float64(elapsed.Milliseconds()))
	m.taskLastMS.WithLabelValues(task).Set(float64(elapsed.Milliseconds()))
	if overrun {
		m.overrunsTotal.Inc()
		m.taskOverrunsTotal.WithLabelValues(task).Inc()
	}
}

// HistorianMetrics is the historian metric set:
// ironcycle_historian_{samples_total, series_total, alerts_total}.
type HistorianMetrics struct {
	SamplesTotal prometheus.Counter
	SeriesTotal  prometheus.Gauge
	AlertsTotal  prometheus.Counter
}

// NewHistorianMetrics registers the historian's metric set on reg.
func NewHistorianMetrics(reg prometheus.Registerer) *HistorianMetrics {
	m := &HistorianMetrics{
		SamplesTotal: prometheus.NewCounter(prometheus.CounterOpts{Name: "ironcycle_historian_samples_total", Help: "Total historian samples captured."}),
		SeriesTotal:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "ironcycle_historian_series_total", Help: "Distinct variable paths currently tracked."}),
		AlertsTotal:  prometheus.NewCounter(prometheus.CounterOpts{Name: "ironcycle_historian_alerts_total", Help: "Total alert transitions emitted."}),
	}
	reg.MustRegister(m.SamplesTotal, m.SeriesTotal, m.AlertsTotal)
	return m
}

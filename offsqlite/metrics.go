// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type clientMetrics struct {
	cycles       *prometheus.CounterVec
	cycleSeconds prometheus.Histogram
	records      *prometheus.CounterVec
	pulled       prometheus.Counter
	pending      prometheus.Gauge
	conflicts    prometheus.Gauge
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &clientMetrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "offsqlite_sync_cycles_total",
			Help: "Sync cycles by outcome.",
		}, []string{"outcome"}),
		cycleSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "offsqlite_sync_cycle_duration_seconds",
			Help:    "Duration of sync cycles.",
			Buckets: prometheus.DefBuckets,
		}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "offsqlite_pushed_records_total",
			Help: "Pushed change records by result status.",
		}, []string{"status"}),
		pulled: f.NewCounter(prometheus.CounterOpts{
			Name: "offsqlite_pulled_entries_total",
			Help: "Ledger entries pulled from the server.",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "offsqlite_outbox_pending",
			Help: "Records waiting to be pushed.",
		}),
		conflicts: f.NewGauge(prometheus.GaugeOpts{
			Name: "offsqlite_outbox_conflicts",
			Help: "Records waiting for conflict resolution.",
		}),
	}
}

func (m *clientMetrics) observeCycle(r CycleResult) {
	outcome := "ok"
	if r.Err != nil {
		outcome = string(KindOf(r.Err))
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleSeconds.Observe(r.Duration.Seconds())
	m.records.WithLabelValues(string(StatusSynced)).Add(float64(r.Synced))
	m.records.WithLabelValues(string(StatusConflict)).Add(float64(r.Conflicts))
	m.records.WithLabelValues(string(StatusError)).Add(float64(r.Errors))
	m.pulled.Add(float64(r.Pulled))
}

func (m *clientMetrics) observeOutbox(s StatusSummary) {
	m.pending.Set(float64(s.PendingCount))
	m.conflicts.Set(float64(s.ConflictCount))
}

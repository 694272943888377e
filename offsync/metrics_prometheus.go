// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusStageRecorder exports stage timings as Prometheus histograms.
type PrometheusStageRecorder struct {
	duration *prometheus.HistogramVec
	items    *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

// NewPrometheusStageRecorder registers the offsync stage metrics on reg.
// A nil reg uses the default registerer.
func NewPrometheusStageRecorder(reg prometheus.Registerer) *PrometheusStageRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusStageRecorder{
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "offsync_stage_duration_seconds",
			Help:    "Duration of push/pull processing stages in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "stage", "attempt"}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_stage_items_total",
			Help: "Number of changes or ledger entries handled per stage",
		}, []string{"op", "stage"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_stage_errors_total",
			Help: "Number of stage executions that ended with an error",
		}, []string{"op", "stage"}),
	}
}

func (p *PrometheusStageRecorder) ObserveStage(_ context.Context, t StageTiming) {
	attempt := "1"
	if t.Attempt > 1 {
		attempt = strconv.Itoa(min(t.Attempt, 5))
	}
	p.duration.WithLabelValues(t.Operation, t.Stage, attempt).Observe(t.Duration.Seconds())
	if t.Count > 0 {
		p.items.WithLabelValues(t.Operation, t.Stage).Add(float64(t.Count))
	}
	if t.Error {
		p.errors.WithLabelValues(t.Operation, t.Stage).Inc()
	}
}

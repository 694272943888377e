// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"log/slog"
	"time"
)

// Operations reported in StageTiming.Operation
const (
	MetricsOpPush = "push"
	MetricsOpPull = "pull"
)

// Stages reported in StageTiming.Stage. Push stages other than total and tx
// are measured once per change.
const (
	MetricsStageTotal       = "total"
	MetricsStageTx          = "tx"
	MetricsStageValidate    = "validate"
	MetricsStageIdempotency = "idempotency_gate"
	MetricsStageInvariants  = "invariants"
	MetricsStageApply       = "apply"
	MetricsStageMaterialize = "materialize"
	MetricsStageNotify      = "notify"
	MetricsStagePullFetch   = "fetch"
)

// StageTiming is one measured stage of a push or pull
type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int // Changes or ledger entries handled
	Attempt   int // Transaction attempt, 0 outside the retried transaction
	Error     bool
}

// StageMetricsRecorder receives stage timings; see PrometheusStageRecorder
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (s *SyncService) stageTimingEnabled() bool {
	return s != nil && s.config != nil && (s.config.StageMetrics != nil || s.config.LogStageTimings)
}

// stageStart returns the zero time when timings are off, which observeStage ignores
func (s *SyncService) stageStart() time.Time {
	if s.stageTimingEnabled() {
		return time.Now()
	}
	return time.Time{}
}

func (s *SyncService) observeStage(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() || !s.stageTimingEnabled() {
		return
	}
	t := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}
	if rec := s.config.StageMetrics; rec != nil {
		rec.ObserveStage(ctx, t)
	}
	if s.config.LogStageTimings {
		s.logger.LogAttrs(ctx, slog.LevelDebug, "Stage timing",
			slog.String("op", t.Operation),
			slog.String("stage", t.Stage),
			slog.Duration("duration", t.Duration),
			slog.Int("count", t.Count),
			slog.Int("attempt", t.Attempt),
			slog.Bool("error", t.Error),
		)
	}
}

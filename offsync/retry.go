// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const defaultMaxTxRetries = 3

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}

// runTxWithRetry runs fn in a fresh transaction, retrying the whole transaction
// on serialization failures, deadlocks and lock timeouts.
func (s *SyncService) runTxWithRetry(ctx context.Context, op string, opts pgx.TxOptions, fn func(attempt int, tx pgx.Tx) error) error {
	maxRetries := s.config.MaxTxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxTxRetries
	}

	var err error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		start := s.stageStart()
		err = pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
			return fn(attempt, tx)
		})
		s.observeStage(ctx, op, MetricsStageTx, start, 0, attempt, err != nil)
		if err == nil || !isRetryablePGTxError(err) || attempt > maxRetries {
			return err
		}
		s.logger.Warn("Retrying transaction", "op", op, "attempt", attempt, "error", err)
		if sleepErr := sleepWithContext(ctx, time.Duration(attempt)*25*time.Millisecond); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"log/slog"
	"time"
)

// ConnectivityEvent reports a change of server reachability
type ConnectivityEvent struct {
	Online bool
	At     time.Time
}

const probeTimeout = 5 * time.Second

// HealthProber polls the server health endpoint and emits an event on every
// online/offline transition. The coordinator is its only consumer.
type HealthProber struct {
	check    func(ctx context.Context) error
	interval time.Duration
	logger   *slog.Logger
}

func NewHealthProber(check func(ctx context.Context) error, interval time.Duration, logger *slog.Logger) *HealthProber {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthProber{check: check, interval: interval, logger: logger}
}

// Run probes immediately and then every interval until ctx is done.
// initial is the state assumed before the first probe.
func (p *HealthProber) Run(ctx context.Context, initial bool, events chan<- ConnectivityEvent) error {
	online := initial
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		now := p.probe(ctx)
		if now != online && ctx.Err() == nil {
			online = now
			p.logger.Info("Connectivity changed", "online", online)
			select {
			case events <- ConnectivityEvent{Online: online, At: time.Now()}:
			case <-ctx.Done():
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *HealthProber) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.check(ctx); err != nil {
		p.logger.Debug("Health probe failed", "error", err)
		return false
	}
	return true
}

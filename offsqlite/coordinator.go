// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/offsync/offsync"
	"golang.org/x/sync/errgroup"
)

const (
	// maxPullPages bounds one cycle's pull loop; the rest is picked up by the next cycle
	maxPullPages = 1000
	// maxAutoResolve stops an automatic resolver from re-sending a record forever
	maxAutoResolve = 3
)

// CycleResult describes one sync cycle. Failures are reported in Err, never panicked.
type CycleResult struct {
	Full      bool
	Pushed    int // Records sent
	Synced    int
	Conflicts int
	Errors    int
	Cancelled int // Creates deleted before they were ever sent
	Pulled    int // Ledger entries received
	Applied   int
	Skipped   int // Entries held back by unconfirmed local changes
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// StatusSummary is a status-bar view of the client
type StatusSummary struct {
	PendingCount  int
	ConflictCount int
	ErrorCount    int
	LastError     string
	LastErrorKind ErrorKind
	LastSyncAt    time.Time // Last cycle that completed without error
	Online        bool
	AuthBlocked   bool
}

// Coordinator runs sync cycles, push then pull, one at a time
type Coordinator struct {
	client    *Client
	transport SyncTransport
	metrics   *clientMetrics
	logger    *slog.Logger

	lane        sync.Mutex // held for the whole cycle
	trigger     chan struct{}
	events      chan ConnectivityEvent
	pendingFull atomic.Bool
	running     atomic.Bool

	mu          sync.Mutex
	touched     map[string]bool
	online      bool
	authBlocked bool
	lastErr     error
	lastSyncAt  time.Time
}

func newCoordinator(client *Client, transport SyncTransport, metrics *clientMetrics) *Coordinator {
	return &Coordinator{
		client:    client,
		transport: transport,
		metrics:   metrics,
		logger:    client.logger,
		trigger:   make(chan struct{}, 1),
		events:    make(chan ConnectivityEvent, 8),
		touched:   map[string]bool{},
		online:    !client.config.StartOffline,
	}
}

// Enqueue queues a mutation and, while online, wakes the sync lane for its type
func (c *Coordinator) Enqueue(ctx context.Context, entityType, entityID string, op Operation, payload map[string]any) (string, error) {
	id, err := c.client.Outbox.Enqueue(ctx, entityType, entityID, op, payload)
	if err != nil {
		return "", err
	}
	c.noteEnqueued(entityType)
	return id, nil
}

func (c *Coordinator) noteEnqueued(entityType string) {
	c.mu.Lock()
	c.touched[entityType] = true
	auto := c.online && !c.authBlocked
	c.mu.Unlock()
	if auto {
		c.signal()
	}
}

// TriggerSync requests a full cycle. While a cycle runs, at most one more is queued.
func (c *Coordinator) TriggerSync() {
	c.pendingFull.Store(true)
	c.signal()
}

func (c *Coordinator) signal() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// ReportConnectivity feeds an external reachability signal into the lane. It never
// blocks: when the lane is behind, the oldest queued event is dropped so the
// latest state always gets through.
func (c *Coordinator) ReportConnectivity(online bool) {
	ev := ConnectivityEvent{Online: online, At: time.Now()}
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case stale := <-c.events:
			c.logger.Debug("Dropped stale connectivity event", "online", stale.Online)
		default:
		}
	}
}

// CredentialsRefreshed lifts the auth block after the token source recovered
func (c *Coordinator) CredentialsRefreshed() {
	c.mu.Lock()
	c.authBlocked = false
	c.mu.Unlock()
	c.TriggerSync()
}

func (c *Coordinator) handleConnectivity(ev ConnectivityEvent) {
	c.mu.Lock()
	was := c.online
	c.online = ev.Online
	c.mu.Unlock()
	if !was && ev.Online {
		c.logger.Info("Back online, scheduling full sync")
		c.TriggerSync()
	}
}

func (c *Coordinator) canAutoSync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online && !c.authBlocked
}

func (c *Coordinator) setAuthBlocked() {
	c.mu.Lock()
	c.authBlocked = true
	c.mu.Unlock()
	c.logger.Warn("Sync paused until credentials are refreshed")
}

// Run is the single sync lane. It consumes triggers, connectivity events and the
// periodic ticker until ctx is done, and runs the health prober next to it.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("coordinator is already running")
	}
	defer c.running.Store(false)

	cfg := c.client.config
	g, gctx := errgroup.WithContext(ctx)
	if cfg.HealthInterval > 0 {
		prober := NewHealthProber(c.transport.Health, cfg.HealthInterval, c.logger)
		initial := c.isOnline()
		g.Go(func() error {
			return prober.Run(gctx, initial, c.events)
		})
	}
	g.Go(func() error {
		return c.loop(gctx)
	})
	return g.Wait()
}

func (c *Coordinator) loop(ctx context.Context) error {
	var tick <-chan time.Time
	if interval := c.client.config.SyncInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	if c.canAutoSync() {
		c.TriggerSync()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handleConnectivity(ev)
		case <-c.trigger:
			c.runCycle(ctx, c.pendingFull.Swap(false))
		case <-tick:
			if c.canAutoSync() {
				c.runCycle(ctx, true)
			}
		}
	}
}

// SyncNow runs one full cycle synchronously, waiting for a running cycle to finish first
func (c *Coordinator) SyncNow(ctx context.Context) CycleResult {
	return c.runCycle(ctx, true)
}

func (c *Coordinator) isOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Coordinator) takeTouched() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.touched
	c.touched = map[string]bool{}
	return t
}

func (c *Coordinator) runCycle(ctx context.Context, full bool) CycleResult {
	c.lane.Lock()
	defer c.lane.Unlock()

	res := CycleResult{Full: full, StartedAt: time.Now()}
	types := c.takeTouched()

	pushed, err := c.push(ctx, &res)
	for t := range pushed {
		types[t] = true
	}
	if full {
		for _, t := range c.client.config.EntityTypes {
			types[t] = true
		}
	}
	if err == nil || KindOf(err) == KindValidation {
		if perr := c.pull(ctx, slices.Sorted(maps.Keys(types)), &res); perr != nil {
			err = errors.Join(err, perr)
		}
	} else if !full {
		// Keep the types for the next cycle
		c.mu.Lock()
		for t := range types {
			c.touched[t] = true
		}
		c.mu.Unlock()
	}
	res.Err = err
	res.Duration = time.Since(res.StartedAt)

	c.mu.Lock()
	c.lastErr = err
	if err == nil {
		c.lastSyncAt = time.Now()
	}
	c.mu.Unlock()

	if err == nil && c.client.config.RetentionWindow > 0 {
		if _, perr := c.client.Purge(ctx); perr != nil {
			c.logger.Warn("Failed to purge synced records", "error", perr)
		}
	}
	c.metrics.observeCycle(res)
	if s, serr := c.Status(context.WithoutCancel(ctx)); serr == nil {
		c.metrics.observeOutbox(s)
	}

	if err != nil {
		c.logger.Warn("Sync cycle failed", "error", err, "kind", string(KindOf(err)),
			"pushed", res.Pushed, "pulled", res.Pulled)
	} else {
		c.logger.Debug("Sync cycle completed", "full", full, "pushed", res.Pushed, "synced", res.Synced,
			"conflicts", res.Conflicts, "pulled", res.Pulled, "applied", res.Applied, "duration", res.Duration)
	}
	return res
}

// push sends one batch of pending records and applies the per-record outcomes.
// It returns the entity types it touched.
func (c *Coordinator) push(ctx context.Context, res *CycleResult) (map[string]bool, error) {
	out := c.client.Outbox
	types := map[string]bool{}

	recs, err := out.claimPending(ctx, c.client.config.PushBatchLimit)
	if err != nil || len(recs) == 0 {
		return types, err
	}
	// Outcomes are recorded even when ctx is cancelled after the server answered
	local := context.WithoutCancel(ctx)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	// Every claimed record leaves syncing, whatever path returns
	defer func() {
		if n, err := out.ResetSyncing(local, ids...); err != nil {
			c.logger.Error("Failed to reset in-flight records", "error", err)
		} else if n > 0 {
			c.logger.Debug("Reset in-flight records to pending", "count", n)
		}
	}()

	send := make([]ChangeRecord, 0, len(recs))
	for _, r := range recs {
		types[r.EntityType] = true
		if r.cancellable() {
			if err := out.MarkSynced(local, r.ID, ""); err != nil {
				return types, err
			}
			res.Cancelled++
			continue
		}
		send = append(send, r)
	}
	if len(send) == 0 {
		return types, nil
	}

	res.Pushed = len(send)
	results, err := c.transport.Push(ctx, send)
	if err != nil {
		switch KindOf(err) {
		case KindCancelled:
			// Deferred reset puts everything back to pending
		case KindAuth:
			c.setAuthBlocked()
		default:
			kind := KindOf(err)
			for _, r := range send {
				if merr := out.MarkError(local, r.ID, kind, err.Error()); merr != nil {
					return types, errors.Join(err, merr)
				}
			}
			res.Errors += len(send)
		}
		return types, err
	}

	byKey := make(map[string]offsync.PushResult, len(results))
	for _, r := range results {
		byKey[r.IdempotencyKey] = r
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range send {
		pr, ok := byKey[r.IdempotencyKey]
		if !ok {
			c.logger.Warn("No push result for record", "record_id", r.ID, "entity_type", r.EntityType)
			continue
		}
		switch {
		case pr.Success:
			serverID := ""
			if pr.EntityID > 0 {
				serverID = strconv.FormatInt(pr.EntityID, 10)
			}
			keep(out.MarkSynced(local, r.ID, serverID))
			res.Synced++
		case pr.ErrorKind == offsync.ErrorKindConflict:
			keep(out.MarkConflict(local, r.ID, pr.ErrorMessage, pr.ServerSnapshot))
			res.Conflicts++
			c.autoResolve(local, r.ID)
		default:
			kind := KindInternal
			if pr.ErrorKind == offsync.ErrorKindValidation {
				kind = KindValidation
			}
			keep(out.MarkError(local, r.ID, kind, pr.ErrorMessage))
			res.Errors++
		}
	}
	return types, firstErr
}

func (c *Coordinator) autoResolve(ctx context.Context, id string) {
	resolver := c.client.config.Resolver
	if resolver == nil {
		return
	}
	rec, err := c.client.Outbox.Get(ctx, id)
	if err != nil || rec.Status != StatusConflict || rec.RetryCount > maxAutoResolve {
		return
	}
	resolution, merged, err := resolver.Resolve(ctx, *rec)
	if err != nil {
		c.logger.Warn("Conflict resolver failed", "record_id", id, "error", err)
		return
	}
	if resolution == ResolveManual {
		return
	}
	if err := c.client.resolveConflict(ctx, id, resolution, merged); err != nil {
		c.logger.Warn("Failed to apply conflict resolution", "record_id", id, "error", err)
	}
}

// pull drains the ledger for types page by page. A type's watermark moves only
// with a fully applied page.
func (c *Coordinator) pull(ctx context.Context, types []string, res *CycleResult) error {
	limit := c.client.config.PullPageSize
	for page := 0; len(types) > 0 && page < maxPullPages; page++ {
		since := make(map[string]time.Time, len(types))
		for _, t := range types {
			ts, err := c.client.Watermarks.Get(ctx, t)
			if err != nil {
				return err
			}
			since[t] = ts
		}

		resp, err := c.transport.Pull(ctx, since, types, limit)
		if err != nil {
			if KindOf(err) == KindAuth {
				c.setAuthBlocked()
			}
			return err
		}
		res.Pulled += len(resp.Changes)

		groups := map[string][]offsync.LedgerEntry{}
		for _, e := range resp.Changes {
			groups[e.EntityType] = append(groups[e.EntityType], e)
		}

		var next []string
		for _, t := range types {
			entries := groups[t]
			pr, err := c.client.applyPage(ctx, t, entries)
			if err != nil {
				return fmt.Errorf("failed to apply pulled %s entries: %w", t, err)
			}
			res.Applied += pr.applied
			res.Skipped += pr.skipped
			more := resp.HasMore[t]
			if resp.HasMore == nil {
				more = len(entries) >= limit
			}
			if more && len(entries) > 0 {
				next = append(next, t)
			}
		}
		types = next
	}
	return nil
}

// Status summarizes the outbox and the lane state
func (c *Coordinator) Status(ctx context.Context) (StatusSummary, error) {
	counts, err := c.client.Outbox.Counts(ctx)
	if err != nil {
		return StatusSummary{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := StatusSummary{
		PendingCount:  counts[StatusPending] + counts[StatusSyncing],
		ConflictCount: counts[StatusConflict],
		ErrorCount:    counts[StatusError],
		LastSyncAt:    c.lastSyncAt,
		Online:        c.online,
		AuthBlocked:   c.authBlocked,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
		s.LastErrorKind = KindOf(c.lastErr)
	}
	return s, nil
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mobiletoly/offsync/offsync"
	"github.com/stretchr/testify/require"
)

func entityPayloads(t *testing.T, c *Client, entityType string) map[string]map[string]any {
	t.Helper()
	list, err := c.Entities.List(context.Background(), entityType)
	require.NoError(t, err)
	out := map[string]map[string]any{}
	for _, e := range list {
		out[e.EntityID] = e.Payload
	}
	return out
}

func TestCoordinator_TwoClientsConverge(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	a := newTestClient(t, srv, nil)
	b := newTestClient(t, srv, nil)

	_, err := a.Create(ctx, "patient", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	_, err = b.Create(ctx, "patient", map[string]any{"name": "Bob"})
	require.NoError(t, err)

	require.NoError(t, a.SyncNow(ctx).Err)
	require.NoError(t, b.SyncNow(ctx).Err)
	require.NoError(t, a.SyncNow(ctx).Err)

	require.Equal(t, entityPayloads(t, a, "patient"), entityPayloads(t, b, "patient"))
	require.Len(t, entityPayloads(t, a, "patient"), 2)

	// An edit of the other client's entity flows back
	_, err = b.Mutate(ctx, "patient", "1", OpUpdate, map[string]any{"phone": "555"})
	require.NoError(t, err)
	require.NoError(t, b.SyncNow(ctx).Err)
	require.NoError(t, a.SyncNow(ctx).Err)

	ann := entityPayloads(t, a, "patient")["1"]
	require.Equal(t, map[string]any{"name": "Ann", "phone": "555"}, ann)
	require.Equal(t, entityPayloads(t, a, "patient"), entityPayloads(t, b, "patient"))

	status, err := a.Status(ctx)
	require.NoError(t, err)
	require.Zero(t, status.PendingCount)
	require.Empty(t, status.LastError)
	require.False(t, status.LastSyncAt.IsZero())
}

func TestCoordinator_CreateThenUpdatePushedInOrder(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)

	id, err := c.Create(ctx, "appointment", map[string]any{"start": "09:00"})
	require.NoError(t, err)
	_, err = c.Mutate(ctx, "appointment", id, OpUpdate, map[string]any{"end": "10:00"})
	require.NoError(t, err)
	_, err = c.Create(ctx, "patient", map[string]any{"name": "Ann"})
	require.NoError(t, err)

	res := c.SyncNow(ctx)
	require.NoError(t, res.Err)
	require.Equal(t, 2, res.Pushed)
	require.Equal(t, 2, res.Synced)

	sent := srv.lastPush()
	require.Equal(t, "appointment", sent[0].EntityType)
	require.Equal(t, "patient", sent[1].EntityType)
	require.Less(t, sent[0].SourceSeq, sent[1].SourceSeq)

	serverID, err := c.ResolveID(ctx, "appointment", id)
	require.NoError(t, err)
	require.Equal(t, "1", serverID)
	require.Equal(t, map[string]any{"start": "09:00", "end": "10:00"}, entityPayloads(t, c, "appointment")["1"])
}

func TestCoordinator_CancelledCreateIsNeverSent(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)

	id, err := c.Create(ctx, "patient", map[string]any{"name": "Temp"})
	require.NoError(t, err)
	_, err = c.Mutate(ctx, "patient", id, OpDelete, nil)
	require.NoError(t, err)

	res := c.SyncNow(ctx)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Cancelled)
	require.Zero(t, res.Pushed)
	require.Zero(t, srv.pushCount())

	counts, err := c.Outbox.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[StatusSynced])
	require.Empty(t, entityPayloads(t, c, "patient"))
}

func TestCoordinator_NetworkFailureMarksErrorAndSkipsPull(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	srv.setHook(func(context.Context, []offsync.ChangePush) ([]offsync.PushResult, error) {
		return nil, fmt.Errorf("%w: connection refused", ErrNetwork)
	})
	c := newTestClient(t, srv, nil)

	id, err := c.Outbox.Enqueue(ctx, "patient", "4", OpUpdate, map[string]any{"name": "x"})
	require.NoError(t, err)

	res := c.SyncNow(ctx)
	require.ErrorIs(t, res.Err, ErrNetwork)
	require.Equal(t, 1, res.Errors)
	require.Zero(t, srv.pullCount())

	rec, err := c.Outbox.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusError, rec.Status)
	require.Equal(t, KindNetwork, rec.ErrorKind)
	require.Equal(t, 1, rec.RetryCount)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, KindNetwork, status.LastErrorKind)
	require.Equal(t, 1, status.ErrorCount)

	// Next cycle retries the record under the same key
	srv.setHook(nil)
	res = c.SyncNow(ctx)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Synced)
	require.Equal(t, rec.IdempotencyKey, srv.lastPush()[0].IdempotencyKey)
}

func TestCoordinator_AuthFailureBlocksWithoutCountingRetries(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	srv.setHook(func(context.Context, []offsync.ChangePush) ([]offsync.PushResult, error) {
		return nil, fmt.Errorf("%w: server returned status 401", ErrAuth)
	})
	c := newTestClient(t, srv, nil)

	id, err := c.Outbox.Enqueue(ctx, "patient", "4", OpUpdate, map[string]any{"name": "x"})
	require.NoError(t, err)

	res := c.SyncNow(ctx)
	require.ErrorIs(t, res.Err, ErrAuth)

	rec, err := c.Outbox.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Zero(t, rec.RetryCount)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	require.True(t, status.AuthBlocked)
	require.False(t, c.Coordinator.canAutoSync())

	srv.setHook(nil)
	c.Coordinator.CredentialsRefreshed()
	status, err = c.Status(ctx)
	require.NoError(t, err)
	require.False(t, status.AuthBlocked)
	require.NoError(t, c.SyncNow(ctx).Err)
}

func TestCoordinator_CancellationReturnsRecordsToPending(t *testing.T) {
	srv := newFakeServer()
	srv.setHook(func(ctx context.Context, _ []offsync.ChangePush) ([]offsync.PushResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := newTestClient(t, srv, nil)

	id, err := c.Outbox.Enqueue(context.Background(), "patient", "4", OpUpdate, map[string]any{"name": "x"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan CycleResult, 1)
	go func() { done <- c.SyncNow(ctx) }()

	require.Eventually(t, func() bool { return srv.pushCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	res := <-done
	require.ErrorIs(t, res.Err, context.Canceled)

	rec, err := c.Outbox.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Zero(t, rec.RetryCount)
}

func TestCoordinator_CyclesNeverOverlap(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	release := make(chan struct{})
	srv.setHook(func(_ context.Context, changes []offsync.ChangePush) ([]offsync.PushResult, error) {
		<-release
		return srv.apply(changes), nil
	})
	c := newTestClient(t, srv, nil)

	_, err := c.Create(ctx, "patient", map[string]any{"name": "Ann"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]CycleResult, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.SyncNow(ctx)
		}(i)
	}

	require.Eventually(t, func() bool { return srv.pushCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, srv.maxInFlight.Load())
	require.Equal(t, 1, srv.pushCount(), "the record must be submitted once")
	synced := 0
	for _, r := range results {
		require.NoError(t, r.Err)
		synced += r.Synced
	}
	require.Equal(t, 1, synced)
}

func TestCoordinator_TriggersAreCoalesced(t *testing.T) {
	srv := newFakeServer()
	release := make(chan struct{})
	srv.setHook(func(_ context.Context, changes []offsync.ChangePush) ([]offsync.PushResult, error) {
		<-release
		return srv.apply(changes), nil
	})
	c := newTestClient(t, srv, nil)

	_, err := c.Create(context.Background(), "patient", map[string]any{"name": "Ann"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-runErr)
	})

	require.Eventually(t, func() bool { return srv.pushCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	for range 10 {
		c.Coordinator.TriggerSync()
	}
	close(release)

	// The running cycle plus one queued follow-up
	require.Eventually(t, func() bool { return srv.pullCount() == 2 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 2, srv.pullCount())
	require.Equal(t, 1, srv.pushCount())
}

func TestCoordinator_ConnectivityTransitions(t *testing.T) {
	srv := newFakeServer()
	c := newTestClient(t, srv, func(cfg *Config) { cfg.StartOffline = true })

	_, err := c.Create(context.Background(), "patient", map[string]any{"name": "Ann"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-runErr)
	})

	// The enqueue trigger is held back while offline
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, srv.pushCount())

	c.Coordinator.ReportConnectivity(true)
	require.Eventually(t, func() bool { return srv.pushCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	require.True(t, status.Online)
}

func TestCoordinator_RunRejectsSecondLane(t *testing.T) {
	c := newTestClient(t, newFakeServer(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Coordinator.running.Load() }, 5*time.Second, 5*time.Millisecond)
	require.Error(t, c.Run(ctx))
	cancel()
	require.NoError(t, <-runErr)
}

func TestCoordinator_WatermarkOnlyAdvancesWithWholePage(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	srv.serverWrite("patient", 1, map[string]any{"name": "one"})
	second := srv.serverWrite("patient", 2, map[string]any{"name": "two"})
	third := srv.serverWrite("patient", 3, map[string]any{"name": "three"})

	var mu sync.Mutex
	failing := true
	c := newTestClient(t, srv, func(cfg *Config) {
		cfg.Applier = ApplierFunc(func(ctx context.Context, tx *sql.Tx, e offsync.LedgerEntry) error {
			mu.Lock()
			defer mu.Unlock()
			if failing && e.EntityID == second.EntityID {
				return errors.New("disk full")
			}
			return nil
		})
	})

	res := c.SyncNow(ctx)
	require.Error(t, res.Err)
	wm, err := c.Watermarks.Get(ctx, "patient")
	require.NoError(t, err)
	require.True(t, wm.IsZero())
	require.Empty(t, entityPayloads(t, c, "patient"))

	mu.Lock()
	failing = false
	mu.Unlock()

	res = c.SyncNow(ctx)
	require.NoError(t, res.Err)
	require.Equal(t, 3, res.Applied)
	wm, err = c.Watermarks.Get(ctx, "patient")
	require.NoError(t, err)
	require.True(t, third.UpdatedAt.Equal(wm))
	require.Len(t, entityPayloads(t, c, "patient"), 3)
}

func TestCoordinator_PullDrainsPages(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	for i := int64(1); i <= 7; i++ {
		srv.serverWrite("patient", i, map[string]any{"n": i})
	}
	srv.serverDelete("patient", 7)
	c := newTestClient(t, srv, func(cfg *Config) { cfg.PullPageSize = 3 })

	res := c.SyncNow(ctx)
	require.NoError(t, res.Err)
	require.Equal(t, 8, res.Pulled)
	require.Len(t, entityPayloads(t, c, "patient"), 6)
	require.Equal(t, 3, srv.pullCount())
}

func TestApply_SkipsEntitiesWithLocalChanges(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)

	_, err := c.Mutate(ctx, "patient", "7", OpUpdate, map[string]any{"name": "local"})
	require.NoError(t, err)
	entry := srv.serverWrite("patient", 7, map[string]any{"name": "remote"})
	other := srv.serverWrite("patient", 8, map[string]any{"name": "eight"})

	res, err := c.applyPage(ctx, "patient", []offsync.LedgerEntry{entry, other})
	require.NoError(t, err)
	require.Equal(t, 1, res.skipped)
	require.Equal(t, 1, res.applied)

	got := entityPayloads(t, c, "patient")
	require.Equal(t, "local", got["7"]["name"])
	require.Equal(t, "eight", got["8"]["name"])

	wm, err := c.Watermarks.Get(ctx, "patient")
	require.NoError(t, err)
	require.True(t, other.UpdatedAt.Equal(wm))
}

func TestCoordinator_MutationDuringPushIsSentAgain(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	var c *Client
	srv.setHook(func(_ context.Context, changes []offsync.ChangePush) ([]offsync.PushResult, error) {
		srv.setHook(nil)
		_, err := c.Mutate(context.Background(), "patient", changes[0].EntityID, OpUpdate, map[string]any{"phone": "555"})
		if err != nil {
			return nil, err
		}
		return srv.apply(changes), nil
	})
	c = newTestClient(t, srv, nil)

	id, err := c.Create(ctx, "patient", map[string]any{"name": "Ann"})
	require.NoError(t, err)

	res := c.SyncNow(ctx)
	require.NoError(t, res.Err)

	recs, err := c.Outbox.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, OpUpdate, recs[0].Operation)
	require.Equal(t, "1", recs[0].EntityID)
	require.NotEqual(t, id, recs[0].EntityID)

	require.NoError(t, c.SyncNow(ctx).Err)
	srv.mu.Lock()
	require.Equal(t, map[string]any{"name": "Ann", "phone": "555"}, srv.entities["patient"][1])
	srv.mu.Unlock()
}

func TestCoordinator_ConflictStaysVisibleUntilResolved(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)

	_, err := c.Create(ctx, "patient", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	require.NoError(t, c.SyncNow(ctx).Err)

	srv.serverDelete("patient", 1)
	_, err = c.Mutate(ctx, "patient", "1", OpUpdate, map[string]any{"name": "Ann B"})
	require.NoError(t, err)

	res := c.SyncNow(ctx)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Conflicts)
	require.Equal(t, 1, res.Skipped, "the pulled delete waits for the resolution")

	conflicts, err := c.Outbox.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	snap, err := conflicts[0].Snapshot()
	require.NoError(t, err)
	require.True(t, snap.Deleted)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.ConflictCount)

	require.ErrorIs(t, c.ResolveConflict(ctx, conflicts[0].ID, ResolveMerge, nil), ErrValidation)
	require.NoError(t, c.ResolveConflict(ctx, conflicts[0].ID, ResolveServerWins, nil))

	rec, err := c.Outbox.Get(ctx, conflicts[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusSynced, rec.Status)
	require.Empty(t, entityPayloads(t, c, "patient"))

	require.ErrorIs(t, c.ResolveConflict(ctx, rec.ID, ResolveLocalWins, nil), ErrValidation)
}

func TestResolveConflict_LocalWinsAndMergeRequeue(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newFakeServer(), nil)

	mk := func(entityID string) ChangeRecord {
		id, err := c.Outbox.Enqueue(ctx, "practitioner", entityID, OpUpdate, map[string]any{"email": "a@x"})
		require.NoError(t, err)
		require.NoError(t, c.Outbox.MarkSyncing(ctx, []string{id}))
		require.NoError(t, c.Outbox.MarkConflict(ctx, id, "email taken", nil))
		rec, err := c.Outbox.Get(ctx, id)
		require.NoError(t, err)
		return *rec
	}

	local := mk("1")
	require.NoError(t, c.ResolveConflict(ctx, local.ID, ResolveLocalWins, nil))
	rec, err := c.Outbox.Get(ctx, local.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, local.Payload, rec.Payload)
	require.NotEqual(t, local.IdempotencyKey, rec.IdempotencyKey)

	merged := mk("2")
	require.NoError(t, c.ResolveConflict(ctx, merged.ID, ResolveMerge, map[string]any{"email": "c@x"}))
	rec, err = c.Outbox.Get(ctx, merged.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, map[string]any{"email": "c@x"}, rec.Payload)
	require.Equal(t, "c@x", entityPayloads(t, c, "practitioner")["2"]["email"])

	require.ErrorIs(t, c.ResolveConflict(ctx, "missing", ResolveLocalWins, nil), ErrRecordNotFound)
}

func TestCoordinator_AutomaticResolver(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	c := newTestClient(t, srv, func(cfg *Config) { cfg.Resolver = ServerWinsResolver{} })

	_, err := c.Create(ctx, "patient", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	require.NoError(t, c.SyncNow(ctx).Err)
	srv.serverDelete("patient", 1)
	_, err = c.Mutate(ctx, "patient", "1", OpUpdate, map[string]any{"name": "Ann B"})
	require.NoError(t, err)

	res := c.SyncNow(ctx)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Conflicts)

	conflicts, err := c.Outbox.ListConflicts(ctx)
	require.NoError(t, err)
	require.Empty(t, conflicts)
	require.Empty(t, entityPayloads(t, c, "patient"))
}

func TestCoordinator_ServerErrorsPerRecord(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	srv.setHook(func(_ context.Context, changes []offsync.ChangePush) ([]offsync.PushResult, error) {
		return []offsync.PushResult{
			{IdempotencyKey: changes[0].IdempotencyKey, ErrorKind: offsync.ErrorKindValidation, ErrorMessage: "bad payload"},
			{IdempotencyKey: changes[1].IdempotencyKey, Success: true, EntityID: 9},
			// no result for the third change
		}, nil
	})
	c := newTestClient(t, srv, nil)

	bad, err := c.Outbox.Enqueue(ctx, "patient", "8", OpUpdate, map[string]any{"x": 1})
	require.NoError(t, err)
	good, err := c.Outbox.Enqueue(ctx, "patient", "9", OpUpdate, map[string]any{"x": 2})
	require.NoError(t, err)
	missing, err := c.Outbox.Enqueue(ctx, "patient", "10", OpUpdate, map[string]any{"x": 3})
	require.NoError(t, err)

	res := c.SyncNow(ctx)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Errors)
	require.Equal(t, 1, res.Synced)

	for id, want := range map[string]Status{bad: StatusError, good: StatusSynced, missing: StatusPending} {
		rec, err := c.Outbox.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, rec.Status, rec.EntityID)
	}
}

func annSnapshot() *offsync.EntitySnapshot {
	return &offsync.EntitySnapshot{EntityType: "patient", EntityID: 1, Payload: json.RawMessage(`{"name":"Ann"}`)}
}

func TestCoordinator_LocalWinsSendsEditsMadeDuringConflict(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)

	_, err := c.Create(ctx, "patient", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	require.NoError(t, c.SyncNow(ctx).Err)

	srv.conflictOnce(annSnapshot(), nil)
	_, err = c.Mutate(ctx, "patient", "1", OpUpdate, map[string]any{"name": "older"})
	require.NoError(t, err)
	require.Equal(t, 1, c.SyncNow(ctx).Conflicts)

	_, err = c.Mutate(ctx, "patient", "1", OpUpdate, map[string]any{"name": "newer"})
	require.NoError(t, err)
	counts, err := c.Outbox.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[StatusConflict])
	require.Zero(t, counts[StatusPending], "the edit joins the conflicted record")

	conflicts, err := c.Outbox.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, "newer", conflicts[0].Payload["name"])

	require.NoError(t, c.ResolveConflict(ctx, conflicts[0].ID, ResolveLocalWins, nil))
	pending, err := c.Outbox.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, c.SyncNow(ctx).Err)
	require.Equal(t, "newer", srv.entityName("patient", 1))
	require.Equal(t, "newer", entityPayloads(t, c, "patient")["1"]["name"])
}

func TestCoordinator_ServerWinsDiscardsEditsMadeDuringConflict(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)

	_, err := c.Create(ctx, "patient", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	require.NoError(t, c.SyncNow(ctx).Err)

	srv.conflictOnce(annSnapshot(), nil)
	_, err = c.Mutate(ctx, "patient", "1", OpUpdate, map[string]any{"name": "older"})
	require.NoError(t, err)
	require.Equal(t, 1, c.SyncNow(ctx).Conflicts)
	_, err = c.Mutate(ctx, "patient", "1", OpUpdate, map[string]any{"name": "newer"})
	require.NoError(t, err)

	conflicts, err := c.Outbox.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.NoError(t, c.ResolveConflict(ctx, conflicts[0].ID, ResolveServerWins, nil))

	require.NoError(t, c.SyncNow(ctx).Err)
	require.Equal(t, 2, srv.pushCount(), "nothing is sent after server_wins")
	require.Equal(t, "Ann", entityPayloads(t, c, "patient")["1"]["name"])
	require.Equal(t, "Ann", srv.entityName("patient", 1))
}

func TestCoordinator_ServerWinsWithoutSnapshotConverges(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)

	_, err := c.Create(ctx, "patient", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	require.NoError(t, c.SyncNow(ctx).Err)

	// Another client writes while our change is being rejected
	srv.conflictOnce(nil, func() { srv.serverWrite("patient", 1, map[string]any{"name": "theirs"}) })
	_, err = c.Mutate(ctx, "patient", "1", OpUpdate, map[string]any{"name": "mine"})
	require.NoError(t, err)
	res := c.SyncNow(ctx)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Conflicts)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, "mine", entityPayloads(t, c, "patient")["1"]["name"])

	conflicts, err := c.Outbox.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.NoError(t, c.ResolveConflict(ctx, conflicts[0].ID, ResolveServerWins, nil))

	require.NoError(t, c.SyncNow(ctx).Err)
	require.Equal(t, "theirs", srv.entityName("patient", 1))
	require.Equal(t, "theirs", entityPayloads(t, c, "patient")["1"]["name"])
}

func TestCoordinator_ServerWinsPullsEntriesSkippedDuringConflict(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)

	_, err := c.Create(ctx, "patient", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	require.NoError(t, c.SyncNow(ctx).Err)

	// The snapshot is already stale when the pull of the same cycle runs
	srv.conflictOnce(annSnapshot(), func() { srv.serverWrite("patient", 1, map[string]any{"name": "theirs"}) })
	_, err = c.Mutate(ctx, "patient", "1", OpUpdate, map[string]any{"name": "mine"})
	require.NoError(t, err)
	require.Equal(t, 1, c.SyncNow(ctx).Skipped)

	conflicts, err := c.Outbox.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.NoError(t, c.ResolveConflict(ctx, conflicts[0].ID, ResolveServerWins, nil))
	require.Equal(t, "Ann", entityPayloads(t, c, "patient")["1"]["name"])

	require.NoError(t, c.SyncNow(ctx).Err)
	require.Equal(t, "theirs", entityPayloads(t, c, "patient")["1"]["name"])

	var deferred int
	require.NoError(t, c.DB.QueryRow(`SELECT count(*) FROM _sync_deferred`).Scan(&deferred))
	require.Zero(t, deferred)
}

func TestCoordinator_SkippedEntryPulledAgainAfterConfirmation(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)

	_, err := c.Mutate(ctx, "patient", "7", OpUpdate, map[string]any{"phone": "555"})
	require.NoError(t, err)
	entry := srv.serverWrite("patient", 7, map[string]any{"name": "theirs", "phone": "555"})
	res, err := c.applyPage(ctx, "patient", []offsync.LedgerEntry{entry})
	require.NoError(t, err)
	require.Equal(t, 1, res.skipped)

	// The server already holds the change, so confirming it adds no ledger entry
	srv.setHook(func(_ context.Context, changes []offsync.ChangePush) ([]offsync.PushResult, error) {
		srv.setHook(nil)
		return []offsync.PushResult{{IdempotencyKey: changes[0].IdempotencyKey, Success: true, EntityID: 7}}, nil
	})
	require.NoError(t, c.SyncNow(ctx).Err)
	require.Equal(t, map[string]any{"name": "theirs", "phone": "555"}, entityPayloads(t, c, "patient")["7"])
}

func TestClient_MutateTranslatesConfirmedPlaceholder(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)

	placeholder, err := c.Create(ctx, "patient", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	require.NoError(t, c.SyncNow(ctx).Err)

	// A caller still holding the placeholder edits the entity
	got, err := c.Mutate(ctx, "patient", placeholder, OpUpdate, map[string]any{"phone": "555"})
	require.NoError(t, err)
	require.Equal(t, "1", got)
	require.NoError(t, c.SyncNow(ctx).Err)

	srv.mu.Lock()
	require.Len(t, srv.entities["patient"], 1)
	require.Equal(t, map[string]any{"name": "Ann", "phone": "555"}, srv.entities["patient"][1])
	srv.mu.Unlock()

	local := entityPayloads(t, c, "patient")
	require.Len(t, local, 1)
	require.Equal(t, map[string]any{"name": "Ann", "phone": "555"}, local["1"])
}

func TestCoordinator_FailedCancellationLeavesNothingSyncing(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)

	id, err := c.Create(ctx, "patient", map[string]any{"name": "Temp"})
	require.NoError(t, err)
	_, err = c.Mutate(ctx, "patient", id, OpDelete, nil)
	require.NoError(t, err)

	_, err = c.DB.Exec(`CREATE TRIGGER fail_synced BEFORE UPDATE OF status ON _sync_outbox
		WHEN NEW.status = 'synced' BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	res := c.SyncNow(ctx)
	require.Error(t, res.Err)
	counts, err := c.Outbox.Counts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts[StatusSyncing])
	require.Equal(t, 1, counts[StatusPending])

	_, err = c.DB.Exec(`DROP TRIGGER fail_synced`)
	require.NoError(t, err)
	res = c.SyncNow(ctx)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Cancelled)
	require.Zero(t, srv.pushCount())
}

func TestCoordinator_ConnectivityReportsNeverBlock(t *testing.T) {
	c := newTestClient(t, newFakeServer(), nil)

	// No lane is running, so nothing drains the events
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			c.Coordinator.ReportConnectivity(i%2 == 1)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ReportConnectivity blocked")
	}

	var last ConnectivityEvent
	for len(c.Coordinator.events) > 0 {
		last = <-c.Coordinator.events
	}
	require.True(t, last.Online, "the latest report is kept")
}

func TestClient_ResetSyncState(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	c := newTestClient(t, srv, nil)

	_, err := c.Create(ctx, "patient", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	require.NoError(t, c.SyncNow(ctx).Err)
	_, err = c.Mutate(ctx, "patient", "1", OpUpdate, map[string]any{"phone": "555"})
	require.NoError(t, err)

	dropped, err := c.ResetSyncState(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, dropped)

	counts, err := c.Outbox.Counts(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)
	wms, err := c.Watermarks.All(ctx)
	require.NoError(t, err)
	require.Empty(t, wms)
	require.Equal(t, "555", entityPayloads(t, c, "patient")["1"]["phone"])

	res := c.SyncNow(ctx)
	require.NoError(t, res.Err)
	require.Zero(t, res.Pushed)
	require.Equal(t, 1, res.Pulled, "the ledger is pulled from the beginning")
}

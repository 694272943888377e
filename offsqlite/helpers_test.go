// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/offsync/offsync"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// newTestDB opens a file database; every pooled connection must see the same data
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_txlock=immediate")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestClient(t *testing.T, transport SyncTransport, mutate func(cfg *Config)) *Client {
	t.Helper()
	cfg := DefaultConfig("", []string{"patient", "appointment"})
	cfg.Transport = transport
	cfg.HealthInterval = 0
	cfg.SyncInterval = 0
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	c, err := NewClient(newTestDB(t), cfg, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type pushHook func(ctx context.Context, changes []offsync.ChangePush) ([]offsync.PushResult, error)

// fakeServer is an in-memory SyncTransport with ledger semantics close to offsync
type fakeServer struct {
	mu       sync.Mutex
	nextID   int64
	clock    time.Time
	entities map[string]map[int64]map[string]any
	deleted  map[string]map[int64]bool
	keys     map[string]int64
	ledger   []offsync.LedgerEntry
	pushes   [][]offsync.ChangePush
	pulls    int
	hook     pushHook

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		clock:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		entities: map[string]map[int64]map[string]any{},
		deleted:  map[string]map[int64]bool{},
		keys:     map[string]int64{},
	}
}

func (f *fakeServer) setHook(h pushHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = h
}

// conflictOnce answers the next push with conflicts carrying snapshot; during is
// called while that push is being handled
func (f *fakeServer) conflictOnce(snapshot *offsync.EntitySnapshot, during func()) {
	f.setHook(func(_ context.Context, changes []offsync.ChangePush) ([]offsync.PushResult, error) {
		f.setHook(nil)
		var raw json.RawMessage
		if snapshot != nil {
			raw, _ = json.Marshal(snapshot)
		}
		if during != nil {
			during()
		}
		out := make([]offsync.PushResult, 0, len(changes))
		for _, ch := range changes {
			out = append(out, offsync.PushResult{
				IdempotencyKey: ch.IdempotencyKey,
				ErrorKind:      offsync.ErrorKindConflict,
				ErrorMessage:   "stale write",
				ServerSnapshot: raw,
			})
		}
		return out, nil
	})
}

func (f *fakeServer) entityName(entityType string, id int64) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entities[entityType][id]["name"]
}

func (f *fakeServer) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakeServer) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

func (f *fakeServer) lastPush() []offsync.ChangePush {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pushes) == 0 {
		return nil
	}
	return f.pushes[len(f.pushes)-1]
}

func (f *fakeServer) Push(ctx context.Context, records []ChangeRecord) ([]offsync.PushResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	changes := make([]offsync.ChangePush, 0, len(records))
	for i := range records {
		ch, err := records[i].toPush()
		if err != nil {
			return nil, err
		}
		changes = append(changes, ch)
	}

	f.mu.Lock()
	f.pushes = append(f.pushes, changes)
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, changes)
	}
	return f.apply(changes), nil
}

func (f *fakeServer) apply(changes []offsync.ChangePush) []offsync.PushResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	placeholders := map[string]int64{}
	out := make([]offsync.PushResult, 0, len(changes))
	for _, ch := range changes {
		if id, ok := f.keys[ch.IdempotencyKey]; ok {
			out = append(out, offsync.PushResult{IdempotencyKey: ch.IdempotencyKey, Success: true, EntityID: id})
			continue
		}
		payload := map[string]any{}
		if len(ch.Payload) > 0 {
			_ = json.Unmarshal(ch.Payload, &payload)
		}

		id, _ := strconv.ParseInt(ch.EntityID, 10, 64)
		if id <= 0 {
			id = placeholders[ch.EntityType+"/"+ch.EntityID]
		}
		if ch.Operation == offsync.OpDelete {
			if id > 0 && f.live(ch.EntityType, id) {
				f.deletedOf(ch.EntityType)[id] = true
				f.appendEntry(ch.EntityType, id, offsync.OpDelete, map[string]any{"id": id}, true)
			}
			f.keys[ch.IdempotencyKey] = id
			out = append(out, offsync.PushResult{IdempotencyKey: ch.IdempotencyKey, Success: true, EntityID: id})
			continue
		}

		if id > 0 && f.deletedOf(ch.EntityType)[id] {
			snap, _ := json.Marshal(offsync.EntitySnapshot{
				EntityType: ch.EntityType, EntityID: id, Payload: json.RawMessage(`{}`), Deleted: true,
			})
			out = append(out, offsync.PushResult{
				IdempotencyKey: ch.IdempotencyKey,
				ErrorKind:      offsync.ErrorKindConflict,
				ErrorMessage:   "entity was deleted on the server",
				ServerSnapshot: snap,
			})
			continue
		}
		op := offsync.OpUpdate
		if id <= 0 {
			f.nextID++
			id = f.nextID
			placeholders[ch.EntityType+"/"+ch.EntityID] = id
			op = offsync.OpCreate
		}
		merged := mergePayload(f.entitiesOf(ch.EntityType)[id], payload)
		f.entitiesOf(ch.EntityType)[id] = merged
		f.appendEntry(ch.EntityType, id, op, merged, false)
		f.keys[ch.IdempotencyKey] = id
		out = append(out, offsync.PushResult{IdempotencyKey: ch.IdempotencyKey, Success: true, EntityID: id})
	}
	return out
}

// serverWrite simulates a change made by another client
func (f *fakeServer) serverWrite(entityType string, id int64, payload map[string]any) offsync.LedgerEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id > f.nextID {
		f.nextID = id
	}
	merged := mergePayload(f.entitiesOf(entityType)[id], payload)
	f.entitiesOf(entityType)[id] = merged
	return f.appendEntry(entityType, id, offsync.OpUpdate, merged, false)
}

func (f *fakeServer) serverDelete(entityType string, id int64) offsync.LedgerEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedOf(entityType)[id] = true
	return f.appendEntry(entityType, id, offsync.OpDelete, map[string]any{"id": id}, true)
}

func (f *fakeServer) appendEntry(entityType string, id int64, op string, payload map[string]any, deleted bool) offsync.LedgerEntry {
	f.clock = f.clock.Add(time.Millisecond)
	body, _ := json.Marshal(payload)
	e := offsync.LedgerEntry{
		ServerSeq:  int64(len(f.ledger) + 1),
		EntityType: entityType,
		EntityID:   id,
		Operation:  op,
		Payload:    body,
		Deleted:    deleted,
		UpdatedAt:  f.clock,
	}
	f.ledger = append(f.ledger, e)
	return e
}

func (f *fakeServer) live(entityType string, id int64) bool {
	_, ok := f.entitiesOf(entityType)[id]
	return ok && !f.deletedOf(entityType)[id]
}

func (f *fakeServer) entitiesOf(entityType string) map[int64]map[string]any {
	m, ok := f.entities[entityType]
	if !ok {
		m = map[int64]map[string]any{}
		f.entities[entityType] = m
	}
	return m
}

func (f *fakeServer) deletedOf(entityType string) map[int64]bool {
	m, ok := f.deleted[entityType]
	if !ok {
		m = map[int64]bool{}
		f.deleted[entityType] = m
	}
	return m
}

func (f *fakeServer) Pull(ctx context.Context, since map[string]time.Time, types []string, limit int) (*offsync.PullResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++

	resp := &offsync.PullResponse{Changes: []offsync.LedgerEntry{}, HasMore: map[string]bool{}}
	for _, t := range types {
		n := 0
		for _, e := range f.ledger {
			if e.EntityType != t || !e.UpdatedAt.After(since[t]) {
				continue
			}
			if n == limit {
				resp.HasMore[t] = true
				break
			}
			resp.Changes = append(resp.Changes, e)
			n++
		}
	}
	return resp, nil
}

func (f *fakeServer) Health(context.Context) error {
	return nil
}

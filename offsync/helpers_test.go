// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce      sync.Once
	pgContainer *postgres.PostgresContainer
	pgConnStr   string
	pgErr       error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgContainer != nil {
		_ = pgContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// testPool starts (once per package) a PostgreSQL container and returns a pool
// on a freshly reset sync schema.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	ctx := context.Background()
	pgOnce.Do(func() {
		pgContainer, pgErr = postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("offsync_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if pgErr != nil {
			return
		}
		pgConnStr, pgErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, pgErr)

	pool, err := pgxpool.New(ctx, pgConnStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `DROP SCHEMA IF EXISTS sync CASCADE`)
	require.NoError(t, err)
	return pool
}

func defaultTestEntities() []RegisteredEntity {
	return []RegisteredEntity{
		{Type: "patient", NaturalKey: "mrn"},
		{Type: "practitioner", UniqueFields: []string{"email"}},
		{Type: "appointment", Checker: OverlapChecker("start", "end", "practitioner_id")},
	}
}

func newTestService(t *testing.T, mutate func(cfg *ServiceConfig)) *SyncService {
	t.Helper()
	pool := testPool(t)
	cfg := &ServiceConfig{
		AppName:            "offsync-test",
		RegisteredEntities: defaultTestEntities(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := NewSyncService(pool, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func change(entityType, entityID, op string, payload map[string]any) ChangePush {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return ChangePush{
		EntityType:     entityType,
		EntityID:       entityID,
		Operation:      op,
		Payload:        raw,
		IdempotencyKey: uuid.NewString(),
	}
}

func push(t *testing.T, svc *SyncService, changes ...ChangePush) []PushResult {
	t.Helper()
	resp, err := svc.ProcessPush(context.Background(), "user-1", "device-1", &PushRequest{Changes: changes})
	require.NoError(t, err)
	require.Len(t, resp.Results, len(changes))
	return resp.Results
}

func ledgerCount(t *testing.T, svc *SyncService) int {
	t.Helper()
	var n int
	require.NoError(t, svc.Pool().QueryRow(context.Background(), `SELECT count(*) FROM sync.change_ledger`).Scan(&n))
	return n
}

func decodePayload(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	m := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

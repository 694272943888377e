// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package offsqlite is the offline-first client of offsync: a SQLite outbox of local
// mutations, per-type pull watermarks and a single-flight coordinator that pushes
// pending changes and pulls the server ledger.
package offsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds configuration for the SQLite sync client
type Config struct {
	BaseURL     string   // Sync server base URL
	EntityTypes []string // Types pulled on a full cycle

	PushBatchLimit   int           // Max records per push (200)
	PullPageSize     int           // Max ledger entries per type and page (500)
	SyncInterval     time.Duration // Periodic cycle while online (30s); 0 disables
	RequestTimeout   time.Duration // Per HTTP call (30s)
	TransportRetries int           // Extra attempts on network errors within one call (2)
	BackoffMin       time.Duration // 500ms
	BackoffMax       time.Duration // 10s
	RetentionWindow  time.Duration // Synced records kept this long before Purge (7 days)
	HealthInterval   time.Duration // Connectivity probe period (15s); 0 disables the prober
	StartOffline     bool          // Start in the offline state until a probe succeeds

	LockPath string // Optional; takes an exclusive file lock for single-instance access

	Resolver          Resolver              // Automatic conflict policy; nil leaves conflicts for the user
	Applier           Applier               // Optional business-layer hook for pulled entries
	Transport         SyncTransport         // Optional override of the HTTP transport
	MetricsRegisterer prometheus.Registerer // Optional; metrics are kept private when nil
}

// DefaultConfig returns a configuration with production defaults
func DefaultConfig(baseURL string, entityTypes []string) *Config {
	return &Config{
		BaseURL:          baseURL,
		EntityTypes:      entityTypes,
		PushBatchLimit:   200,
		PullPageSize:     500,
		SyncInterval:     30 * time.Second,
		RequestTimeout:   30 * time.Second,
		TransportRetries: 2,
		BackoffMin:       500 * time.Millisecond,
		BackoffMax:       10 * time.Second,
		RetentionWindow:  7 * 24 * time.Hour,
		HealthInterval:   15 * time.Second,
	}
}

// Client wires the outbox, watermark store and coordinator over one SQLite database
type Client struct {
	DB          *sql.DB
	Outbox      *Outbox
	Watermarks  *WatermarkStore
	Entities    *EntityStore
	Coordinator *Coordinator

	config *Config
	logger *slog.Logger
	store  *store
	lock   *InstanceLock
}

// NewClient initializes the sync tables and builds a client.
// token supplies the bearer credential for every network call.
func NewClient(db *sql.DB, config *Config, token TokenFunc, logger *slog.Logger) (*Client, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if config.Transport == nil && config.BaseURL == "" {
		return nil, errors.New("config.BaseURL must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var lock *InstanceLock
	if config.LockPath != "" {
		l, err := AcquireInstanceLock(config.LockPath)
		if err != nil {
			return nil, err
		}
		lock = l
	}

	reset, err := initializeDatabase(db)
	if err != nil {
		if lock != nil {
			_ = lock.Release()
		}
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if reset > 0 {
		logger.Info("Recovered records left syncing by a previous run", "count", reset)
	}

	st := newStore(db)
	c := &Client{
		DB:         db,
		Outbox:     &Outbox{st: st, logger: logger},
		Watermarks: &WatermarkStore{st: st},
		Entities:   &EntityStore{st: st},
		config:     config,
		logger:     logger,
		store:      st,
		lock:       lock,
	}

	transport := config.Transport
	if transport == nil {
		transport = NewTransport(config.BaseURL, token, config, logger)
	}
	c.Coordinator = newCoordinator(c, transport, newClientMetrics(config.MetricsRegisterer))
	return c, nil
}

// Close releases the instance lock. The database handle is owned by the caller.
func (c *Client) Close() error {
	if c.lock != nil {
		return c.lock.Release()
	}
	return nil
}

// initializeDatabase creates the sync tables and returns how many records were
// reset from syncing to pending after an interrupted run.
func initializeDatabase(db *sql.DB) (int64, error) {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return 0, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return 0, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Outbox: at most one pending/syncing/error row per (entity_type, entity_id)
		`CREATE TABLE IF NOT EXISTS _sync_outbox (
			id               TEXT PRIMARY KEY,
			seq              INTEGER NOT NULL UNIQUE,
			entity_type      TEXT NOT NULL,
			entity_id        TEXT NOT NULL,
			operation        TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
			payload          TEXT NOT NULL DEFAULT '{}',
			status           TEXT NOT NULL CHECK (status IN ('pending','syncing','synced','conflict','error')),
			error_kind       TEXT NOT NULL DEFAULT '',
			error_message    TEXT NOT NULL DEFAULT '',
			retry_count      INTEGER NOT NULL DEFAULT 0,
			idempotency_key  TEXT NOT NULL UNIQUE,
			server_known     INTEGER NOT NULL DEFAULT 0,
			attempted        INTEGER NOT NULL DEFAULT 0,
			dirty            INTEGER NOT NULL DEFAULT 0,
			server_snapshot  TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS _sync_outbox_status_idx ON _sync_outbox (status, seq)`,
		`CREATE INDEX IF NOT EXISTS _sync_outbox_entity_idx ON _sync_outbox (entity_type, entity_id)`,

		// Last applied ledger timestamp per entity type
		`CREATE TABLE IF NOT EXISTS _sync_watermarks (
			entity_type  TEXT PRIMARY KEY,
			updated_at   TEXT NOT NULL
		)`,

		// Local replica of every synchronized entity
		`CREATE TABLE IF NOT EXISTS _sync_entities (
			entity_type  TEXT NOT NULL,
			entity_id    TEXT NOT NULL,
			payload      TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`,

		// Placeholder -> server id, for business references created offline
		`CREATE TABLE IF NOT EXISTS _sync_id_map (
			entity_type     TEXT NOT NULL,
			placeholder_id  TEXT NOT NULL,
			server_id       TEXT NOT NULL,
			PRIMARY KEY (entity_type, placeholder_id)
		)`,

		`CREATE TABLE IF NOT EXISTS _sync_placeholders (
			entity_type  TEXT PRIMARY KEY,
			next_id      INTEGER NOT NULL
		)`,

		// Oldest pulled entry skipped for an entity with unconfirmed local changes;
		// the watermark is rewound to it once those changes settle
		`CREATE TABLE IF NOT EXISTS _sync_deferred (
			entity_type  TEXT NOT NULL,
			entity_id    TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return 0, fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	// A crash mid-push leaves records syncing; the idempotency key makes resending them safe
	res, err := db.Exec(`UPDATE _sync_outbox SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset syncing records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Mutate writes an entity to the local store and queues the change in the same
// transaction, then wakes the coordinator. A create with an empty entityID gets a
// fresh placeholder; a placeholder whose create was already confirmed is translated
// to its server id. It returns the entity id the change was recorded under.
func (c *Client) Mutate(ctx context.Context, entityType, entityID string, op Operation, payload map[string]any) (string, error) {
	if !op.valid() {
		return "", fmt.Errorf("%w: invalid operation %q", ErrValidation, op)
	}
	err := c.store.writeTx(ctx, "mutate", func(tx *sql.Tx) error {
		if entityID == "" {
			if op != OpCreate {
				return fmt.Errorf("%w: entity id required for %s", ErrValidation, op)
			}
			id, err := nextPlaceholderID(ctx, tx, entityType)
			if err != nil {
				return err
			}
			entityID = id
		} else {
			id, err := resolveIDTx(ctx, tx, entityType, entityID)
			if err != nil {
				return err
			}
			entityID = id
		}
		if op == OpDelete {
			if err := c.Entities.deleteTx(ctx, tx, entityType, entityID); err != nil {
				return err
			}
		} else if err := c.Entities.putTx(ctx, tx, entityType, entityID, payload, true); err != nil {
			return err
		}
		_, err := c.Outbox.enqueueTx(ctx, tx, entityType, entityID, op, payload)
		return err
	})
	if err != nil {
		return "", err
	}
	c.Coordinator.noteEnqueued(entityType)
	return entityID, nil
}

// Create stores a new entity under a placeholder id and queues it
func (c *Client) Create(ctx context.Context, entityType string, payload map[string]any) (string, error) {
	return c.Mutate(ctx, entityType, "", OpCreate, payload)
}

// Enqueue queues a mutation whose local write the caller already performed
func (c *Client) Enqueue(ctx context.Context, entityType, entityID string, op Operation, payload map[string]any) (string, error) {
	return c.Coordinator.Enqueue(ctx, entityType, entityID, op, payload)
}

// ResolveID maps a placeholder to its server id once the create was confirmed.
// Ids that were never placeholders, or are not yet confirmed, are returned unchanged.
func (c *Client) ResolveID(ctx context.Context, entityType, entityID string) (string, error) {
	return resolveIDTx(ctx, c.DB, entityType, entityID)
}

func resolveIDTx(ctx context.Context, q querier, entityType, entityID string) (string, error) {
	if isServerID(entityID) {
		return entityID, nil
	}
	var serverID string
	err := q.QueryRowContext(ctx,
		`SELECT server_id FROM _sync_id_map WHERE entity_type = ? AND placeholder_id = ?`,
		entityType, entityID).Scan(&serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return entityID, nil
	}
	if err != nil {
		return "", storageErr("resolve id", err)
	}
	return serverID, nil
}

// Run drives background sync until ctx is done
func (c *Client) Run(ctx context.Context) error {
	return c.Coordinator.Run(ctx)
}

// SyncNow runs one full cycle synchronously
func (c *Client) SyncNow(ctx context.Context) CycleResult {
	return c.Coordinator.SyncNow(ctx)
}

// Status summarizes the outbox and the coordinator state
func (c *Client) Status(ctx context.Context) (StatusSummary, error) {
	return c.Coordinator.Status(ctx)
}

// Purge deletes synced records older than the retention window
func (c *Client) Purge(ctx context.Context) (int64, error) {
	return c.Outbox.Purge(ctx, c.store.now().Add(-c.config.RetentionWindow))
}

// ResetSyncState forgets all sync progress: every outbox record, watermark and
// skipped-entry marker is deleted, so the next cycle pulls every type from the
// beginning. Local entities and the placeholder id map are kept; unsent changes
// are dropped. It returns the number of outbox records removed.
func (c *Client) ResetSyncState(ctx context.Context) (int64, error) {
	c.Coordinator.lane.Lock()
	defer c.Coordinator.lane.Unlock()

	var dropped int64
	err := c.store.writeTx(ctx, "reset sync state", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM _sync_outbox`)
		if err != nil {
			return storageErr("reset sync state", err)
		}
		dropped, _ = res.RowsAffected()
		for _, table := range []string{"_sync_watermarks", "_sync_deferred"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return storageErr("reset sync state", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.logger.Warn("Sync state reset", "dropped_records", dropped)
	return dropped, nil
}

func nextPlaceholderID(ctx context.Context, tx *sql.Tx, entityType string) (string, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO _sync_placeholders (entity_type, next_id) VALUES (?, -1)
		ON CONFLICT (entity_type) DO UPDATE SET next_id = next_id - 1
		RETURNING next_id`, entityType).Scan(&next)
	if err != nil {
		return "", storageErr("allocate placeholder", err)
	}
	return fmt.Sprint(next), nil
}

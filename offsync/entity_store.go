// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// entityRow is the current authoritative state of one entity
type entityRow struct {
	Type       string
	ID         int64
	NaturalKey *string
	Payload    []byte
	Deleted    bool
	UpdatedAt  time.Time
}

func (r *entityRow) snapshot() *EntitySnapshot {
	if r == nil {
		return nil
	}
	return &EntitySnapshot{
		EntityType: r.Type,
		EntityID:   r.ID,
		Payload:    json.RawMessage(r.Payload),
		Deleted:    r.Deleted,
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

func (r *entityRow) payloadMap() (map[string]any, error) {
	m := map[string]any{}
	if len(r.Payload) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(r.Payload, &m); err != nil {
		return nil, fmt.Errorf("failed to decode stored payload for %s %d: %w", r.Type, r.ID, err)
	}
	return m, nil
}

const selectEntityColumns = `entity_type, entity_id, natural_key, payload, deleted, updated_at`

func scanEntityRow(row pgx.CollectableRow) (*entityRow, error) {
	var e entityRow
	if err := row.Scan(&e.Type, &e.ID, &e.NaturalKey, &e.Payload, &e.Deleted, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func queryOneEntity(ctx context.Context, tx pgx.Tx, sql string, args ...any) (*entityRow, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	e, err := pgx.CollectExactlyOneRow(rows, scanEntityRow)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// loadEntity returns the entity (live or deleted) or nil when the id is unknown
func loadEntity(ctx context.Context, tx pgx.Tx, entityType string, id int64) (*entityRow, error) {
	return queryOneEntity(ctx, tx,
		`SELECT `+selectEntityColumns+` FROM sync.entity_state WHERE entity_type = $1 AND entity_id = $2 FOR UPDATE`,
		entityType, id)
}

// loadEntityByNaturalKey returns the live entity holding the natural key, if any
func loadEntityByNaturalKey(ctx context.Context, tx pgx.Tx, entityType, naturalKey string) (*entityRow, error) {
	return queryOneEntity(ctx, tx,
		`SELECT `+selectEntityColumns+` FROM sync.entity_state
		 WHERE entity_type = $1 AND natural_key = $2 AND NOT deleted FOR UPDATE`,
		entityType, naturalKey)
}

func nextEntityID(ctx context.Context, tx pgx.Tx) (int64, error) {
	var id int64
	if err := tx.QueryRow(ctx, `SELECT nextval('sync.entity_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to allocate entity id: %w", err)
	}
	return id, nil
}

func upsertEntityState(ctx context.Context, tx pgx.Tx, e *entityRow) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sync.entity_state (entity_type, entity_id, natural_key, payload, deleted, updated_at)
		VALUES (@type, @id, @nk, @payload, @deleted, @ts)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			natural_key = EXCLUDED.natural_key,
			payload     = EXCLUDED.payload,
			deleted     = EXCLUDED.deleted,
			updated_at  = EXCLUDED.updated_at`,
		pgx.NamedArgs{
			"type":    e.Type,
			"id":      e.ID,
			"nk":      e.NaturalKey,
			"payload": string(e.Payload),
			"deleted": e.Deleted,
			"ts":      e.UpdatedAt,
		})
	return err
}

// lastLedgerTimestamp must be called while holding the ledger advisory lock
func lastLedgerTimestamp(ctx context.Context, tx pgx.Tx) (time.Time, error) {
	var ts *time.Time
	if err := tx.QueryRow(ctx, `SELECT MAX(updated_at) FROM sync.change_ledger`).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("failed to read ledger head: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return ts.UTC(), nil
}

type ledgerInsert struct {
	EntityType     string
	EntityID       int64
	Operation      string
	Payload        []byte
	Deleted        bool
	IdempotencyKey string
	UserID         string
	SourceID       string
	SourceSeq      int64
	UpdatedAt      time.Time
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, e ledgerInsert) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sync.change_ledger
			(entity_type, entity_id, op, payload, deleted, idempotency_key, user_id, source_id, source_seq, updated_at)
		VALUES (@type, @id, @op, @payload, @deleted, @key, @user, @source, @seq, @ts)`,
		pgx.NamedArgs{
			"type":    e.EntityType,
			"id":      e.EntityID,
			"op":      e.Operation,
			"payload": string(e.Payload),
			"deleted": e.Deleted,
			"key":     e.IdempotencyKey,
			"user":    e.UserID,
			"source":  e.SourceID,
			"seq":     e.SourceSeq,
			"ts":      e.UpdatedAt,
		})
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// ledgerResultForKey implements the idempotency gate: it returns the entity id recorded
// for a previously applied idempotency key.
func ledgerResultForKey(ctx context.Context, tx pgx.Tx, key string) (int64, bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `SELECT entity_id FROM sync.change_ledger WHERE idempotency_key = $1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return id, true, nil
}

// GetEntity returns the current authoritative snapshot of an entity, or nil if unknown.
func (s *SyncService) GetEntity(ctx context.Context, entityType string, id int64) (*EntitySnapshot, error) {
	var snap *EntitySnapshot
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+selectEntityColumns+` FROM sync.entity_state WHERE entity_type = $1 AND entity_id = $2`,
			entityType, id)
		if err != nil {
			return err
		}
		e, err := pgx.CollectExactlyOneRow(rows, scanEntityRow)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		snap = e.snapshot()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s %d: %w", entityType, id, err)
	}
	return snap, nil
}

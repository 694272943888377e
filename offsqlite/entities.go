// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Entity is the local replica of one synchronized entity
type Entity struct {
	EntityType string
	EntityID   string
	Payload    map[string]any
	UpdatedAt  time.Time
}

// EntityStore is the local key-value replica of synchronized entities. Local
// mutations made through Client.Mutate and pulled ledger entries both land here.
type EntityStore struct {
	st *store
}

// Get loads one entity; a missing entity yields (nil, nil)
func (e *EntityStore) Get(ctx context.Context, entityType, entityID string) (*Entity, error) {
	ent, err := scanEntity(e.st.db.QueryRowContext(ctx,
		`SELECT entity_type, entity_id, payload, updated_at FROM _sync_entities WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get entity", err)
	}
	return ent, nil
}

// List returns all entities of a type ordered by id
func (e *EntityStore) List(ctx context.Context, entityType string) ([]Entity, error) {
	rows, err := e.st.db.QueryContext(ctx,
		`SELECT entity_type, entity_id, payload, updated_at FROM _sync_entities WHERE entity_type = ? ORDER BY entity_id`,
		entityType)
	if err != nil {
		return nil, storageErr("list entities", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			return nil, storageErr("list entities", err)
		}
		out = append(out, *ent)
	}
	return out, rows.Err()
}

func scanEntity(s rowScanner) (*Entity, error) {
	var (
		ent     Entity
		payload string
		updated string
	)
	if err := s.Scan(&ent.EntityType, &ent.EntityID, &payload, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &ent.Payload); err != nil {
		return nil, fmt.Errorf("decode entity %s/%s: %w", ent.EntityType, ent.EntityID, err)
	}
	t, err := parseTime(updated)
	if err != nil {
		return nil, err
	}
	ent.UpdatedAt = t
	return &ent, nil
}

// putTx writes an entity; with merge the payload is overlaid on the stored fields.
func (e *EntityStore) putTx(ctx context.Context, tx *sql.Tx, entityType, entityID string, payload map[string]any, merge bool) error {
	if merge {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT payload FROM _sync_entities WHERE entity_type = ? AND entity_id = ?`,
			entityType, entityID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return storageErr("put entity", err)
		default:
			var current map[string]any
			if err := json.Unmarshal([]byte(existing), &current); err != nil {
				return storageErr("put entity", err)
			}
			payload = mergePayload(current, payload)
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: payload not encodable: %v", ErrValidation, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_entities (entity_type, entity_id, payload, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		entityType, entityID, string(body), formatTime(e.st.now()))
	if err != nil {
		return storageErr("put entity", err)
	}
	return nil
}

func (e *EntityStore) deleteTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _sync_entities WHERE entity_type = ? AND entity_id = ?`, entityType, entityID); err != nil {
		return storageErr("delete entity", err)
	}
	return nil
}

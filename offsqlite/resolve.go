// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Resolution is how a conflicted record is settled
type Resolution string

const (
	ResolveManual     Resolution = ""            // Leave the record in conflict for the user
	ResolveLocalWins  Resolution = "local_wins"  // Send the stored payload again
	ResolveServerWins Resolution = "server_wins" // Accept the server state
	ResolveMerge      Resolution = "merge"       // Send a caller-supplied payload
)

// Resolver decides automatically how a conflict is settled. Returning ResolveManual
// keeps the conflict visible through ListConflicts.
type Resolver interface {
	Resolve(ctx context.Context, rec ChangeRecord) (Resolution, map[string]any, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, rec ChangeRecord) (Resolution, map[string]any, error)

func (f ResolverFunc) Resolve(ctx context.Context, rec ChangeRecord) (Resolution, map[string]any, error) {
	return f(ctx, rec)
}

// ManualResolver leaves every conflict to the user
type ManualResolver struct{}

func (ManualResolver) Resolve(context.Context, ChangeRecord) (Resolution, map[string]any, error) {
	return ResolveManual, nil, nil
}

// ServerWinsResolver always accepts the server state
type ServerWinsResolver struct{}

func (ServerWinsResolver) Resolve(context.Context, ChangeRecord) (Resolution, map[string]any, error) {
	return ResolveServerWins, nil, nil
}

// ResolveConflict settles a conflicted record.
//
//   - local_wins: the record re-enters pending with its payload unchanged.
//   - server_wins: the record becomes synced without being sent; the server snapshot
//     attached to the conflict is written to the local entity store and entries
//     skipped by earlier pulls are pulled again.
//   - merge: the record re-enters pending carrying merged, which also becomes the local state.
//
// Records sent again get a fresh idempotency key. A running sync cycle finishes first.
func (c *Client) ResolveConflict(ctx context.Context, id string, res Resolution, merged map[string]any) error {
	c.Coordinator.lane.Lock()
	defer c.Coordinator.lane.Unlock()
	return c.resolveConflict(ctx, id, res, merged)
}

// resolveConflict runs on the sync lane; a resolution may rewind watermarks
func (c *Client) resolveConflict(ctx context.Context, id string, res Resolution, merged map[string]any) error {
	var requeued bool
	var entityType string
	err := c.store.writeTx(ctx, "resolve conflict", func(tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec.Status != StatusConflict {
			return fmt.Errorf("%w: record %s is %s, not in conflict", ErrValidation, id, rec.Status)
		}
		entityType = rec.EntityType

		switch res {
		case ResolveLocalWins:
			requeued = true
			return c.requeueTx(ctx, tx, rec, rec.Payload)
		case ResolveMerge:
			if merged == nil {
				return fmt.Errorf("%w: merge resolution needs a payload", ErrValidation)
			}
			if rec.Operation != OpDelete {
				if err := c.Entities.putTx(ctx, tx, rec.EntityType, rec.EntityID, merged, true); err != nil {
					return err
				}
			}
			requeued = true
			return c.requeueTx(ctx, tx, rec, merged)
		case ResolveServerWins:
			if err := c.applySnapshotTx(ctx, tx, rec); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE _sync_outbox SET status = 'synced', error_kind = '', error_message = 'resolved: server_wins',
					dirty = 0, updated_at = ?
				WHERE id = ?`, formatTime(c.store.now()), id)
			if err != nil {
				return storageErr("resolve conflict", err)
			}
			return nil
		default:
			return fmt.Errorf("%w: unknown resolution %q", ErrValidation, res)
		}
	})
	if err != nil {
		return err
	}
	c.logger.Info("Resolved conflict", "record_id", id, "resolution", string(res))
	if requeued {
		c.Coordinator.noteEnqueued(entityType)
	}
	return nil
}

func (c *Client) requeueTx(ctx context.Context, tx *sql.Tx, rec *ChangeRecord, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: payload not encodable: %v", ErrValidation, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE _sync_outbox SET status = 'pending', payload = ?, idempotency_key = ?, error_kind = '',
			error_message = '', server_snapshot = NULL, attempted = 0, dirty = 0, updated_at = ?
		WHERE id = ?`, string(body), uuid.NewString(), formatTime(c.store.now()), rec.ID)
	if err != nil {
		return storageErr("requeue record", err)
	}
	return nil
}

// applySnapshotTx writes the server state carried by a conflict. For a create that
// collided with another entity, the local placeholder row is dropped and the
// colliding entity is stored under its own id. Without a snapshot the local row is
// dropped, or re-pulled when the server knows the entity.
func (c *Client) applySnapshotTx(ctx context.Context, tx *sql.Tx, rec *ChangeRecord) error {
	snap, err := rec.Snapshot()
	if err != nil {
		return fmt.Errorf("%w: decode server snapshot: %v", ErrStorage, err)
	}
	if isServerID(rec.EntityID) {
		if err := settleDeferredTx(ctx, tx, rec.EntityType, rec.EntityID); err != nil {
			return err
		}
	}
	if snap == nil {
		if !isServerID(rec.EntityID) {
			// The server never accepted the entity
			return c.Entities.deleteTx(ctx, tx, rec.EntityType, rec.EntityID)
		}
		// The local row holds our own edits; only a full pull of the type restores it
		return resetWatermarkTx(ctx, tx, rec.EntityType)
	}
	serverID := strconv.FormatInt(snap.EntityID, 10)
	if serverID != rec.EntityID && !isServerID(rec.EntityID) {
		if err := c.Entities.deleteTx(ctx, tx, rec.EntityType, rec.EntityID); err != nil {
			return err
		}
	}
	if snap.Deleted {
		return c.Entities.deleteTx(ctx, tx, snap.EntityType, serverID)
	}
	var payload map[string]any
	if err := json.Unmarshal(snap.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decode server snapshot payload: %v", ErrStorage, err)
	}
	return c.Entities.putTx(ctx, tx, snap.EntityType, serverID, payload, false)
}

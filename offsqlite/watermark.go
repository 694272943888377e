// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// WatermarkStore keeps, per entity type, the timestamp of the last applied ledger entry
type WatermarkStore struct {
	st *store
}

// Get returns the watermark of entityType, or the zero time if nothing was pulled yet
func (w *WatermarkStore) Get(ctx context.Context, entityType string) (time.Time, error) {
	return getWatermark(ctx, w.st.db, entityType)
}

// All returns every stored watermark
func (w *WatermarkStore) All(ctx context.Context) (map[string]time.Time, error) {
	rows, err := w.st.db.QueryContext(ctx, `SELECT entity_type, updated_at FROM _sync_watermarks`)
	if err != nil {
		return nil, storageErr("list watermarks", err)
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var typ, ts string
		if err := rows.Scan(&typ, &ts); err != nil {
			return nil, storageErr("list watermarks", err)
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, storageErr("list watermarks", err)
		}
		out[typ] = t
	}
	return out, rows.Err()
}

// Advance moves the watermark forward; an older ts is ignored
func (w *WatermarkStore) Advance(ctx context.Context, entityType string, ts time.Time) error {
	return w.st.writeTx(ctx, "advance watermark", func(tx *sql.Tx) error {
		return advanceWatermarkTx(ctx, tx, entityType, ts)
	})
}

// Reset forgets the watermark so the next pull starts from the beginning of the ledger
func (w *WatermarkStore) Reset(ctx context.Context, entityType string) error {
	return w.st.writeTx(ctx, "reset watermark", func(tx *sql.Tx) error {
		return resetWatermarkTx(ctx, tx, entityType)
	})
}

func resetWatermarkTx(ctx context.Context, tx *sql.Tx, entityType string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_watermarks WHERE entity_type = ?`, entityType); err != nil {
		return storageErr("reset watermark", err)
	}
	return nil
}

func getWatermark(ctx context.Context, q querier, entityType string) (time.Time, error) {
	var ts string
	err := q.QueryRowContext(ctx, `SELECT updated_at FROM _sync_watermarks WHERE entity_type = ?`, entityType).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, storageErr("get watermark", err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return time.Time{}, storageErr("get watermark", err)
	}
	return t, nil
}

func advanceWatermarkTx(ctx context.Context, tx *sql.Tx, entityType string, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_watermarks (entity_type, updated_at) VALUES (?, ?)
		ON CONFLICT (entity_type) DO UPDATE SET updated_at = excluded.updated_at
		WHERE excluded.updated_at > _sync_watermarks.updated_at`, entityType, formatTime(ts))
	if err != nil {
		return storageErr("advance watermark", err)
	}
	return nil
}

// deferEntryTx remembers that a pulled entry for an entity with open local changes
// was skipped. Only the oldest skipped entry matters.
func deferEntryTx(ctx context.Context, tx *sql.Tx, entityType, entityID string, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_deferred (entity_type, entity_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET updated_at = excluded.updated_at
		WHERE excluded.updated_at < _sync_deferred.updated_at`, entityType, entityID, formatTime(ts))
	if err != nil {
		return storageErr("defer entry", err)
	}
	return nil
}

// settleDeferredTx rewinds the type's watermark to just before the oldest entry
// skipped for the entity, so the next pull brings it again now that nothing local
// is waiting to be confirmed.
func settleDeferredTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) error {
	var ts string
	err := tx.QueryRowContext(ctx,
		`SELECT updated_at FROM _sync_deferred WHERE entity_type = ? AND entity_id = ?`, entityType, entityID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return storageErr("settle deferred", err)
	}
	skipped, err := parseTime(ts)
	if err != nil {
		return storageErr("settle deferred", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE _sync_watermarks SET updated_at = ? WHERE entity_type = ? AND updated_at >= ?`,
		formatTime(skipped.Add(-time.Microsecond)), entityType, ts); err != nil {
		return storageErr("settle deferred", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _sync_deferred WHERE entity_type = ? AND entity_id = ?`, entityType, entityID); err != nil {
		return storageErr("settle deferred", err)
	}
	return nil
}

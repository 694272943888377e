// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mobiletoly/offsync/offsync"
)

// Applier receives every pulled ledger entry inside the transaction that also
// advances the watermark. Returning an error rolls back the whole page.
type Applier interface {
	ApplyEntry(ctx context.Context, tx *sql.Tx, entry offsync.LedgerEntry) error
}

// ApplierFunc adapts a function to Applier
type ApplierFunc func(ctx context.Context, tx *sql.Tx, entry offsync.LedgerEntry) error

func (f ApplierFunc) ApplyEntry(ctx context.Context, tx *sql.Tx, entry offsync.LedgerEntry) error {
	return f(ctx, tx, entry)
}

type pageResult struct {
	applied int
	skipped int
}

// applyPage applies one type's page of ledger entries and moves the watermark to the
// last entry, atomically. Entries for entities with unconfirmed local changes are
// skipped so a pull never clobbers local edits; they are remembered and pulled
// again once the local changes are confirmed or resolved.
func (c *Client) applyPage(ctx context.Context, entityType string, entries []offsync.LedgerEntry) (pageResult, error) {
	var res pageResult
	if len(entries) == 0 {
		return res, nil
	}
	err := c.store.writeTx(ctx, "apply pull", func(tx *sql.Tx) error {
		res = pageResult{}
		open, err := openEntityIDs(ctx, tx, entityType)
		if err != nil {
			return storageErr("apply pull", err)
		}
		for _, e := range entries {
			if e.EntityType != entityType {
				return fmt.Errorf("%w: entry of type %q in page of %q", ErrValidation, e.EntityType, entityType)
			}
			id := strconv.FormatInt(e.EntityID, 10)
			if open[id] {
				if err := deferEntryTx(ctx, tx, entityType, id, e.UpdatedAt); err != nil {
					return err
				}
				res.skipped++
				continue
			}
			if err := c.applyEntryTx(ctx, tx, id, e); err != nil {
				return err
			}
			if c.config.Applier != nil {
				if err := c.config.Applier.ApplyEntry(ctx, tx, e); err != nil {
					return fmt.Errorf("apply %s/%d: %w", e.EntityType, e.EntityID, err)
				}
			}
			res.applied++
		}
		return advanceWatermarkTx(ctx, tx, entityType, entries[len(entries)-1].UpdatedAt)
	})
	return res, err
}

func (c *Client) applyEntryTx(ctx context.Context, tx *sql.Tx, id string, e offsync.LedgerEntry) error {
	if e.Deleted || e.Operation == offsync.OpDelete {
		return c.Entities.deleteTx(ctx, tx, e.EntityType, id)
	}
	var payload map[string]any
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("%w: ledger payload of %s/%s: %v", ErrValidation, e.EntityType, id, err)
	}
	return c.Entities.putTx(ctx, tx, e.EntityType, id, payload, true)
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Outbox is the durable queue of local mutations. Enqueue never touches the network.
type Outbox struct {
	st     *store
	logger *slog.Logger
}

const outboxColumns = `id, seq, entity_type, entity_id, operation, payload, status, error_kind, error_message,
	retry_count, idempotency_key, server_known, attempted, dirty, server_snapshot, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*ChangeRecord, error) {
	var (
		r                   ChangeRecord
		op, status, kind    string
		payload             string
		snapshot            sql.NullString
		created, updated    string
		known, tried, dirty int
	)
	if err := s.Scan(&r.ID, &r.Seq, &r.EntityType, &r.EntityID, &op, &payload, &status, &kind, &r.ErrorMessage,
		&r.RetryCount, &r.IdempotencyKey, &known, &tried, &dirty, &snapshot, &created, &updated); err != nil {
		return nil, err
	}
	r.Operation = Operation(op)
	r.Status = Status(status)
	r.ErrorKind = ErrorKind(kind)
	r.ServerKnown = known == 1
	r.Attempted = tried == 1
	r.Dirty = dirty == 1
	if snapshot.Valid && snapshot.String != "" {
		r.ServerSnapshot = json.RawMessage(snapshot.String)
	}
	r.Payload = map[string]any{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of record %s: %w", r.ID, err)
		}
	}
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &r, nil
}

func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]ChangeRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func getRecord(ctx context.Context, q querier, id string) (*ChangeRecord, error) {
	r, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM _sync_outbox WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return r, err
}

// Enqueue records a mutation in its own transaction
func (o *Outbox) Enqueue(ctx context.Context, entityType, entityID string, op Operation, payload map[string]any) (string, error) {
	var id string
	err := o.st.writeTx(ctx, "enqueue", func(tx *sql.Tx) error {
		var err error
		id, err = o.enqueueTx(ctx, tx, entityType, entityID, op, payload)
		return err
	})
	return id, err
}

// EnqueueTx records a mutation inside the caller's transaction, so the business
// write and its queuing commit or roll back together.
func (o *Outbox) EnqueueTx(ctx context.Context, tx *sql.Tx, entityType, entityID string, op Operation, payload map[string]any) (string, error) {
	return o.enqueueTx(ctx, tx, entityType, entityID, op, payload)
}

// enqueueTx inserts a new record, or coalesces into the entity's open record:
// later fields overwrite earlier ones and the operation only escalates. A record
// in conflict absorbs the edit and stays in conflict until it is resolved.
func (o *Outbox) enqueueTx(ctx context.Context, tx *sql.Tx, entityType, entityID string, op Operation, payload map[string]any) (string, error) {
	if entityType == "" || entityID == "" {
		return "", fmt.Errorf("%w: entity type and id are required", ErrValidation)
	}
	if !op.valid() {
		return "", fmt.Errorf("%w: invalid operation %q", ErrValidation, op)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	entityID, err := resolveIDTx(ctx, tx, entityType, entityID)
	if err != nil {
		return "", err
	}
	now := formatTime(o.st.now())

	open, err := queryRecords(ctx, tx, `SELECT `+outboxColumns+` FROM _sync_outbox
		WHERE entity_type = ? AND entity_id = ? AND status IN ('pending','syncing','error','conflict')
		ORDER BY seq DESC LIMIT 1`, entityType, entityID)
	if err != nil {
		return "", storageErr("enqueue", err)
	}

	if len(open) == 0 {
		body, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("%w: payload not encodable: %v", ErrValidation, err)
		}
		id := uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO _sync_outbox (id, seq, entity_type, entity_id, operation, payload, status,
				idempotency_key, server_known, created_at, updated_at)
			VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM _sync_outbox), ?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
			id, entityType, entityID, string(op), string(body), uuid.NewString(), boolInt(isServerID(entityID)), now, now)
		if err != nil {
			return "", storageErr("enqueue", err)
		}
		return id, nil
	}

	rec := open[0]
	merged := mergePayload(rec.Payload, payload)
	body, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("%w: payload not encodable: %v", ErrValidation, err)
	}
	status := rec.Status
	kind, msg := rec.ErrorKind, rec.ErrorMessage
	if status == StatusError {
		status, kind, msg = StatusPending, KindNone, ""
	}
	// The key may already be consumed by the server: push again after confirmation
	dirty := rec.Dirty || rec.Status == StatusSyncing || rec.Attempted
	if status == StatusConflict {
		// Resolution sends or discards the record as a whole under a fresh key
		dirty = rec.Dirty
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE _sync_outbox SET operation = ?, payload = ?, status = ?, error_kind = ?, error_message = ?,
			dirty = ?, updated_at = ?
		WHERE id = ?`,
		string(coalesceOps(rec.Operation, op)), string(body), string(status), string(kind), msg, boolInt(dirty), now, rec.ID)
	if err != nil {
		return "", storageErr("coalesce", err)
	}
	o.logger.Debug("Coalesced mutation", "record_id", rec.ID, "entity_type", entityType, "entity_id", entityID, "dirty", dirty)
	return rec.ID, nil
}

// ListPending returns pushable records in causal (enqueue) order: pending ones and
// errors worth retrying. Validation errors wait for an explicit Retry.
func (o *Outbox) ListPending(ctx context.Context, limit int) ([]ChangeRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	recs, err := queryRecords(ctx, o.st.db, `SELECT `+outboxColumns+` FROM _sync_outbox
		WHERE status = 'pending' OR (status = 'error' AND error_kind <> 'validation')
		ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list pending", err)
	}
	return recs, nil
}

// ListByStatus returns records with the given status in causal order
func (o *Outbox) ListByStatus(ctx context.Context, status Status) ([]ChangeRecord, error) {
	recs, err := queryRecords(ctx, o.st.db, `SELECT `+outboxColumns+` FROM _sync_outbox WHERE status = ? ORDER BY seq`, string(status))
	if err != nil {
		return nil, storageErr("list records", err)
	}
	return recs, nil
}

// ListConflicts returns records awaiting a conflict resolution
func (o *Outbox) ListConflicts(ctx context.Context) ([]ChangeRecord, error) {
	return o.ListByStatus(ctx, StatusConflict)
}

// Get loads one record
func (o *Outbox) Get(ctx context.Context, id string) (*ChangeRecord, error) {
	r, err := getRecord(ctx, o.st.db, id)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, storageErr("get record", err)
	}
	return r, err
}

// Counts returns the number of records per status
func (o *Outbox) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := o.st.db.QueryContext(ctx, `SELECT status, count(*) FROM _sync_outbox GROUP BY status`)
	if err != nil {
		return nil, storageErr("count records", err)
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, storageErr("count records", err)
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

// MarkSyncing moves pending or retryable records into the in-flight state
func (o *Outbox) MarkSyncing(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	return o.st.writeTx(ctx, "mark syncing", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE _sync_outbox SET status = 'syncing', attempted = 1, updated_at = ?
			WHERE status IN ('pending','error') AND id IN `+in,
			append([]any{formatTime(o.st.now())}, args...)...)
		if err != nil {
			return storageErr("mark syncing", err)
		}
		return nil
	})
}

// MarkSynced confirms a record. When serverEntityID replaces a placeholder, every other
// record of the entity, the local entity row and the id map are rewritten to it.
// A record mutated while in flight re-enters pending as an update under a new key.
func (o *Outbox) MarkSynced(ctx context.Context, id, serverEntityID string) error {
	return o.st.writeTx(ctx, "mark synced", func(tx *sql.Tx) error {
		return o.markSyncedTx(ctx, tx, id, serverEntityID)
	})
}

func (o *Outbox) markSyncedTx(ctx context.Context, tx *sql.Tx, id, serverEntityID string) error {
	rec, err := getRecord(ctx, tx, id)
	if err != nil {
		return err
	}
	if rec.Status == StatusSynced {
		return nil
	}
	now := formatTime(o.st.now())

	target := rec.EntityID
	if serverEntityID != "" && serverEntityID != rec.EntityID {
		if isServerID(rec.EntityID) {
			o.logger.Warn("Server returned a different id for a known entity",
				"entity_type", rec.EntityType, "entity_id", rec.EntityID, "server_id", serverEntityID)
		} else {
			if err := remapEntityTx(ctx, tx, rec.EntityType, rec.EntityID, serverEntityID); err != nil {
				return err
			}
			target = serverEntityID
		}
	}

	if err := settleDeferredTx(ctx, tx, rec.EntityType, target); err != nil {
		return err
	}

	if rec.Dirty && serverEntityID != "" {
		op := rec.Operation
		if op == OpCreate {
			op = OpUpdate
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE _sync_outbox SET entity_id = ?, operation = ?, status = 'pending', dirty = 0, attempted = 0,
				server_known = 1, idempotency_key = ?, error_kind = '', error_message = '', server_snapshot = NULL,
				updated_at = ?
			WHERE id = ?`, target, string(op), uuid.NewString(), now, id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE _sync_outbox SET entity_id = ?, status = 'synced', dirty = 0,
				server_known = CASE WHEN ? <> '' THEN 1 ELSE server_known END,
				error_kind = '', error_message = '', updated_at = ?
			WHERE id = ?`, target, serverEntityID, now, id)
	}
	if err != nil {
		return storageErr("mark synced", err)
	}
	return nil
}

// remapEntityTx rewrites a placeholder to its server id everywhere it is stored locally
func remapEntityTx(ctx context.Context, tx *sql.Tx, entityType, placeholder, serverID string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE _sync_outbox SET entity_id = ? WHERE entity_type = ? AND entity_id = ?`,
		serverID, entityType, placeholder); err != nil {
		return storageErr("remap outbox", err)
	}

	var hasLocal int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM _sync_entities WHERE entity_type = ? AND entity_id = ?`,
		entityType, placeholder).Scan(&hasLocal); err != nil {
		return storageErr("remap entity", err)
	}
	if hasLocal > 0 {
		// The local row carries the newest local edits; it replaces any pulled copy
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM _sync_entities WHERE entity_type = ? AND entity_id = ?`, entityType, serverID); err != nil {
			return storageErr("remap entity", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE _sync_entities SET entity_id = ? WHERE entity_type = ? AND entity_id = ?`,
			serverID, entityType, placeholder); err != nil {
			return storageErr("remap entity", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO _sync_id_map (entity_type, placeholder_id, server_id) VALUES (?, ?, ?)`,
		entityType, placeholder, serverID); err != nil {
		return storageErr("record id map", err)
	}
	return nil
}

// MarkConflict parks a record until it is resolved; snapshot is the server state it collided with
func (o *Outbox) MarkConflict(ctx context.Context, id, reason string, snapshot json.RawMessage) error {
	var snap any
	if len(snapshot) > 0 {
		snap = string(snapshot)
	}
	return o.st.writeTx(ctx, "mark conflict", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE _sync_outbox SET status = 'conflict', error_kind = 'conflict', error_message = ?,
				server_snapshot = ?, retry_count = retry_count + 1, dirty = 0, updated_at = ?
			WHERE id = ?`, reason, snap, formatTime(o.st.now()), id)
		return checkUpdated(res, err, "mark conflict", id)
	})
}

// MarkError records a failed attempt; the record is retried on a later cycle unless kind is validation
func (o *Outbox) MarkError(ctx context.Context, id string, kind ErrorKind, reason string) error {
	return o.st.writeTx(ctx, "mark error", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE _sync_outbox SET status = 'error', error_kind = ?, error_message = ?,
				retry_count = retry_count + 1, updated_at = ?
			WHERE id = ?`, string(kind), reason, formatTime(o.st.now()), id)
		return checkUpdated(res, err, "mark error", id)
	})
}

// ResetSyncing returns in-flight records to pending without counting a retry.
// With no ids every syncing record is reset.
func (o *Outbox) ResetSyncing(ctx context.Context, ids ...string) (int64, error) {
	var n int64
	err := o.st.writeTx(ctx, "reset syncing", func(tx *sql.Tx) error {
		query := `UPDATE _sync_outbox SET status = 'pending', updated_at = ? WHERE status = 'syncing'`
		args := []any{formatTime(o.st.now())}
		if len(ids) > 0 {
			in, idArgs := inClause(ids)
			query += ` AND id IN ` + in
			args = append(args, idArgs...)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return storageErr("reset syncing", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// Retry puts an errored record (including validation failures) back into pending
func (o *Outbox) Retry(ctx context.Context, id string) error {
	return o.st.writeTx(ctx, "retry", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE _sync_outbox SET status = 'pending', error_kind = '', error_message = '', updated_at = ?
			WHERE id = ? AND status = 'error'`, formatTime(o.st.now()), id)
		return checkUpdated(res, err, "retry", id)
	})
}

// Purge deletes synced records last touched before olderThan
func (o *Outbox) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := o.st.writeTx(ctx, "purge", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM _sync_outbox WHERE status = 'synced' AND updated_at < ?`, formatTime(olderThan))
		if err != nil {
			return storageErr("purge", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err == nil && n > 0 {
		o.logger.Debug("Purged synced records", "count", n)
	}
	return n, err
}

// openEntityIDs returns entities of a type with unconfirmed local changes;
// pulled entries must not overwrite them.
func openEntityIDs(ctx context.Context, q querier, entityType string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT entity_id FROM _sync_outbox
		WHERE entity_type = ? AND status IN ('pending','syncing','error','conflict')`, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func checkUpdated(res sql.Result, err error, op, id string) error {
	if err != nil {
		return storageErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w: %s", op, ErrRecordNotFound, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NextPlaceholderID allocates a fresh negative id for an entity created offline
func (o *Outbox) NextPlaceholderID(ctx context.Context, entityType string) (string, error) {
	var id string
	err := o.st.writeTx(ctx, "allocate placeholder", func(tx *sql.Tx) error {
		var err error
		id, err = nextPlaceholderID(ctx, tx, entityType)
		return err
	})
	return id, err
}

// claimPending moves the next pushable records to syncing in one transaction and
// returns them; a mutation arriving afterwards marks them dirty instead of being lost.
func (o *Outbox) claimPending(ctx context.Context, limit int) ([]ChangeRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	var recs []ChangeRecord
	err := o.st.writeTx(ctx, "claim pending", func(tx *sql.Tx) error {
		var err error
		recs, err = queryRecords(ctx, tx, `SELECT `+outboxColumns+` FROM _sync_outbox
			WHERE status = 'pending' OR (status = 'error' AND error_kind <> 'validation')
			ORDER BY seq LIMIT ?`, limit)
		if err != nil {
			return storageErr("claim pending", err)
		}
		if len(recs) == 0 {
			return nil
		}
		ids := make([]string, len(recs))
		var sent []string
		for i := range recs {
			ids[i] = recs[i].ID
			recs[i].Status = StatusSyncing
			if !recs[i].cancellable() {
				sent = append(sent, recs[i].ID)
			}
		}
		in, args := inClause(ids)
		_, err = tx.ExecContext(ctx, `UPDATE _sync_outbox SET status = 'syncing', updated_at = ?
			WHERE id IN `+in, append([]any{formatTime(o.st.now())}, args...)...)
		if err != nil {
			return storageErr("claim pending", err)
		}
		if len(sent) == 0 {
			return nil
		}
		// Cancellable records never reach the server and stay unattempted
		in, args = inClause(sent)
		if _, err := tx.ExecContext(ctx, `UPDATE _sync_outbox SET attempted = 1 WHERE id IN `+in, args...); err != nil {
			return storageErr("claim pending", err)
		}
		return nil
	})
	return recs, err
}

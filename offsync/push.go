// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

// pushState carries per-transaction bookkeeping across the changes of one batch
type pushState struct {
	userID   string
	sourceID string
	lastTS   time.Time
	attempt  int

	// placeholders maps "type/placeholder" to the server id it resolved to earlier in this batch
	placeholders map[string]int64
	// advanced records the newest ledger timestamp written per entity type
	advanced map[string]time.Time
}

// nextTimestamp returns a ledger timestamp strictly greater than every earlier one.
// Ledger writers are serialized by the advisory lock, so insertion order equals
// timestamp order and pullers paging by updated_at never skip an entry.
func (st *pushState) nextTimestamp() time.Time {
	ts := time.Now().UTC().Truncate(time.Microsecond)
	if !ts.After(st.lastTS) {
		ts = st.lastTS.Add(time.Microsecond)
	}
	st.lastTS = ts
	return ts
}

func placeholderKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// ProcessPush applies a batch of client changes in order. Every change gets its own
// result; a rejected change never aborts the others.
func (s *SyncService) ProcessPush(ctx context.Context, userID, sourceID string, req *PushRequest) (*PushResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if len(req.Changes) == 0 {
		return &PushResponse{Results: []PushResult{}}, nil
	}

	// Entire batch is rejected so the client keeps every record and can split it
	if s.config.MaxPushBatchSize > 0 && len(req.Changes) > s.config.MaxPushBatchSize {
		results := make([]PushResult, len(req.Changes))
		for i, ch := range req.Changes {
			results[i] = resultValidation(ch.IdempotencyKey,
				fmt.Errorf("%w: batch too large: changes=%d limit=%d", ErrBadPayload, len(req.Changes), s.config.MaxPushBatchSize))
		}
		return &PushResponse{Results: results}, nil
	}

	totalStart := s.stageStart()
	var (
		results []PushResult
		state   *pushState
	)
	err := s.runTxWithRetry(ctx, MetricsOpPush, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite},
		func(attempt int, tx pgx.Tx) error {
			var err error
			state, results, err = s.pushInTx(ctx, tx, userID, sourceID, req.Changes, attempt)
			return err
		})
	s.observeStage(ctx, MetricsOpPush, MetricsStageTotal, totalStart, len(req.Changes), 0, err != nil)
	if err != nil {
		return nil, fmt.Errorf("failed to process push transaction: %w", err)
	}

	s.notifyLedgerAdvanced(ctx, sourceID, state)

	return &PushResponse{Results: results}, nil
}

func (s *SyncService) pushInTx(ctx context.Context, tx pgx.Tx, userID, sourceID string, changes []ChangePush, attempt int) (*pushState, []PushResult, error) {
	_, _ = tx.Exec(ctx, "SET LOCAL lock_timeout = '5s'")
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return nil, nil, fmt.Errorf("failed to acquire ledger lock: %w", err)
	}
	last, err := lastLedgerTimestamp(ctx, tx)
	if err != nil {
		return nil, nil, err
	}

	state := &pushState{
		userID:       userID,
		sourceID:     sourceID,
		lastTS:       last,
		attempt:      attempt,
		placeholders: make(map[string]int64),
		advanced:     make(map[string]time.Time),
	}

	results := make([]PushResult, len(changes))
	for i := range changes {
		// Work on a copy: validation normalizes fields and a retried tx must see the original input
		ch := changes[i]
		res, err := s.pushOne(ctx, tx, state, &ch)
		if err != nil {
			return nil, nil, err
		}
		results[i] = res
	}
	return state, results, nil
}

// pushOne runs validation, the idempotency gate and the savepoint-guarded apply for one change.
// A returned error aborts the whole transaction; per-change failures are reported in the result.
func (s *SyncService) pushOne(ctx context.Context, tx pgx.Tx, st *pushState, ch *ChangePush) (PushResult, error) {
	start := s.stageStart()
	payload, err := s.validateChange(ch)
	s.observeStage(ctx, MetricsOpPush, MetricsStageValidate, start, 1, st.attempt, err != nil)
	if err != nil {
		return resultValidation(ch.IdempotencyKey, err), nil
	}
	ent := s.entities[ch.EntityType]

	start = s.stageStart()
	priorID, seen, err := ledgerResultForKey(ctx, tx, ch.IdempotencyKey)
	s.observeStage(ctx, MetricsOpPush, MetricsStageIdempotency, start, 1, st.attempt, err != nil)
	if err != nil {
		return PushResult{}, err
	}
	if seen {
		s.logger.Debug("Idempotent replay", "idempotency_key", ch.IdempotencyKey, "entity_id", priorID)
		if isPlaceholderID(ch.EntityID) {
			st.placeholders[placeholderKey(ch.EntityType, ch.EntityID)] = priorID
		}
		return resultAccepted(ch.IdempotencyKey, priorID), nil
	}

	if _, err := tx.Exec(ctx, "SAVEPOINT sp_change"); err != nil {
		return PushResult{}, fmt.Errorf("failed to create savepoint: %w", err)
	}

	start = s.stageStart()
	res, applyErr := s.applyChange(ctx, tx, st, ent, ch, payload)
	s.observeStage(ctx, MetricsOpPush, MetricsStageApply, start, 1, st.attempt, applyErr != nil)

	if applyErr == nil {
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT sp_change"); err != nil {
			return PushResult{}, fmt.Errorf("failed to release savepoint: %w", err)
		}
		return res, nil
	}

	if _, err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT sp_change"); err != nil {
		return PushResult{}, fmt.Errorf("failed to rollback savepoint: %w", err)
	}
	if isRetryablePGTxError(applyErr) || ctx.Err() != nil {
		return PushResult{}, applyErr
	}
	if ce, ok := asConflict(applyErr); ok {
		s.logger.Debug("Change rejected by invariant", "entity_type", ch.EntityType, "entity_id", ch.EntityID, "reason", ce.Reason)
		return resultConflict(ch.IdempotencyKey, ce.Reason, ce.snapshotJSON()), nil
	}
	if isUniqueViolation(applyErr) {
		snap, err := s.addressedSnapshot(ctx, tx, st, ch)
		if err != nil {
			return PushResult{}, err
		}
		return resultConflict(ch.IdempotencyKey, "unique constraint violated: "+applyErr.Error(), snap), nil
	}
	if errors.Is(applyErr, ErrBadPayload) {
		return resultValidation(ch.IdempotencyKey, applyErr), nil
	}
	s.logger.Error("Failed to apply change", "error", applyErr, "entity_type", ch.EntityType, "entity_id", ch.EntityID)
	return resultInternal(ch.IdempotencyKey, applyErr), nil
}

// addressedSnapshot returns the committed state of the entity a change targets,
// or nil when the change creates an entity the server has never seen.
func (s *SyncService) addressedSnapshot(ctx context.Context, tx pgx.Tx, st *pushState, ch *ChangePush) (json.RawMessage, error) {
	id, ok := parseServerID(ch.EntityID)
	if !ok {
		id, ok = st.placeholders[placeholderKey(ch.EntityType, ch.EntityID)]
	}
	if !ok {
		return nil, nil
	}
	row, err := loadEntity(ctx, tx, ch.EntityType, id)
	if err != nil || row == nil {
		return nil, err
	}
	return NewConflict("", row.snapshot()).snapshotJSON(), nil
}

// applyChange resolves the target entity and applies the operation as an upsert or delete
func (s *SyncService) applyChange(ctx context.Context, tx pgx.Tx, st *pushState, ent RegisteredEntity, ch *ChangePush, payload map[string]any) (PushResult, error) {
	cur, err := s.resolveTarget(ctx, tx, st, ent, ch, payload)
	if err != nil {
		return PushResult{}, err
	}
	if ch.Operation == OpDelete {
		return s.applyDelete(ctx, tx, st, ent, ch, cur)
	}
	return s.applyUpsert(ctx, tx, st, ent, ch, payload, cur)
}

// resolveTarget finds the entity a change addresses: by server id when the client
// knows it, otherwise through the batch placeholder map or the natural key.
func (s *SyncService) resolveTarget(ctx context.Context, tx pgx.Tx, st *pushState, ent RegisteredEntity, ch *ChangePush, payload map[string]any) (*entityRow, error) {
	if id, ok := parseServerID(ch.EntityID); ok {
		cur, err := loadEntity(ctx, tx, ent.Type, id)
		if err != nil {
			return nil, err
		}
		if cur == nil && ch.Operation != OpDelete {
			return nil, fmt.Errorf("%w: %s %d does not exist", ErrBadPayload, ent.Type, id)
		}
		return cur, nil
	}

	if id, ok := st.placeholders[placeholderKey(ent.Type, ch.EntityID)]; ok {
		return loadEntity(ctx, tx, ent.Type, id)
	}
	if nk := naturalKeyOf(ent, payload); nk != nil {
		return loadEntityByNaturalKey(ctx, tx, ent.Type, *nk)
	}
	return nil, nil
}

func (s *SyncService) applyUpsert(ctx context.Context, tx pgx.Tx, st *pushState, ent RegisteredEntity, ch *ChangePush, payload map[string]any, cur *entityRow) (PushResult, error) {
	if cur != nil && cur.Deleted {
		return PushResult{}, NewConflict(fmt.Sprintf("%s %d was deleted on the server", ent.Type, cur.ID), cur.snapshot())
	}

	op := OpCreate
	merged := payload
	var id int64
	if cur != nil {
		op = OpUpdate
		id = cur.ID
		existing, err := cur.payloadMap()
		if err != nil {
			return PushResult{}, err
		}
		merged = mergePayload(existing, payload)
	}

	start := s.stageStart()
	err := s.checkInvariants(ctx, tx, ent, Candidate{EntityType: ent.Type, EntityID: id, Payload: merged})
	s.observeStage(ctx, MetricsOpPush, MetricsStageInvariants, start, 1, st.attempt, err != nil)
	if err != nil {
		if ce, ok := asConflict(err); ok && cur != nil {
			// The client restores from the state of the entity it addressed
			ce.Snapshot = cur.snapshot()
		}
		return PushResult{}, err
	}

	if cur == nil {
		if id, err = nextEntityID(ctx, tx); err != nil {
			return PushResult{}, err
		}
	}

	body, err := json.Marshal(merged)
	if err != nil {
		return PushResult{}, fmt.Errorf("%w: payload not encodable: %v", ErrBadPayload, err)
	}
	ts := st.nextTimestamp()
	row := &entityRow{
		Type:       ent.Type,
		ID:         id,
		NaturalKey: naturalKeyOf(ent, merged),
		Payload:    body,
		UpdatedAt:  ts,
	}
	if err := upsertEntityState(ctx, tx, row); err != nil {
		return PushResult{}, fmt.Errorf("failed to write entity state: %w", err)
	}

	if ent.Handler != nil {
		start := s.stageStart()
		err := ent.Handler.ApplyUpsert(ctx, tx, ent.Type, id, body)
		s.observeStage(ctx, MetricsOpPush, MetricsStageMaterialize, start, 1, st.attempt, err != nil)
		if err != nil {
			return PushResult{}, fmt.Errorf("materialize %s %d: %w", ent.Type, id, err)
		}
	}

	if err := insertLedgerEntry(ctx, tx, ledgerInsert{
		EntityType:     ent.Type,
		EntityID:       id,
		Operation:      op,
		Payload:        body,
		IdempotencyKey: ch.IdempotencyKey,
		UserID:         st.userID,
		SourceID:       st.sourceID,
		SourceSeq:      ch.SourceSeq,
		UpdatedAt:      ts,
	}); err != nil {
		return PushResult{}, err
	}

	if _, known := parseServerID(ch.EntityID); !known {
		st.placeholders[placeholderKey(ent.Type, ch.EntityID)] = id
	}
	st.advanced[ent.Type] = ts
	return resultAccepted(ch.IdempotencyKey, id), nil
}

// applyDelete tombstones a live entity; deleting an unknown or already deleted entity is a no-op
func (s *SyncService) applyDelete(ctx context.Context, tx pgx.Tx, st *pushState, ent RegisteredEntity, ch *ChangePush, cur *entityRow) (PushResult, error) {
	if cur == nil {
		return resultNoop(ch.IdempotencyKey, 0), nil
	}
	if cur.Deleted {
		return resultNoop(ch.IdempotencyKey, cur.ID), nil
	}

	ts := st.nextTimestamp()
	cur.Deleted = true
	cur.UpdatedAt = ts
	if err := upsertEntityState(ctx, tx, cur); err != nil {
		return PushResult{}, fmt.Errorf("failed to tombstone entity: %w", err)
	}

	if ent.Handler != nil {
		start := s.stageStart()
		err := ent.Handler.ApplyDelete(ctx, tx, ent.Type, cur.ID)
		s.observeStage(ctx, MetricsOpPush, MetricsStageMaterialize, start, 1, st.attempt, err != nil)
		if err != nil {
			return PushResult{}, fmt.Errorf("materialize delete %s %d: %w", ent.Type, cur.ID, err)
		}
	}

	marker, _ := json.Marshal(map[string]int64{"id": cur.ID})
	if err := insertLedgerEntry(ctx, tx, ledgerInsert{
		EntityType:     ent.Type,
		EntityID:       cur.ID,
		Operation:      OpDelete,
		Payload:        marker,
		Deleted:        true,
		IdempotencyKey: ch.IdempotencyKey,
		UserID:         st.userID,
		SourceID:       st.sourceID,
		SourceSeq:      ch.SourceSeq,
		UpdatedAt:      ts,
	}); err != nil {
		return PushResult{}, err
	}

	if _, known := parseServerID(ch.EntityID); !known {
		st.placeholders[placeholderKey(ent.Type, ch.EntityID)] = cur.ID
	}
	st.advanced[ent.Type] = ts
	return resultAccepted(ch.IdempotencyKey, cur.ID), nil
}

// mergePayload overlays incoming fields on the stored snapshot
func mergePayload(existing, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

func naturalKeyOf(ent RegisteredEntity, payload map[string]any) *string {
	if ent.NaturalKey == "" {
		return nil
	}
	v, ok := payload[ent.NaturalKey]
	if !ok || v == nil {
		return nil
	}
	var s string
	switch tv := v.(type) {
	case string:
		s = tv
	default:
		b, err := json.Marshal(tv)
		if err != nil {
			return nil
		}
		s = string(b)
	}
	if s == "" {
		return nil
	}
	return &s
}

func (s *SyncService) notifyLedgerAdvanced(ctx context.Context, sourceID string, st *pushState) {
	if s.config.Notifier == nil || st == nil || len(st.advanced) == 0 {
		return
	}
	types := make([]string, 0, len(st.advanced))
	for t := range st.advanced {
		types = append(types, t)
	}
	sort.Strings(types)

	start := s.stageStart()
	err := s.config.Notifier.LedgerAdvanced(ctx, LedgerNotification{
		EntityTypes: types,
		SourceID:    sourceID,
		UpdatedAt:   st.lastTS,
	})
	s.observeStage(ctx, MetricsOpPush, MetricsStageNotify, start, len(types), 0, err != nil)
	if err != nil {
		s.logger.Warn("Failed to publish ledger notification", "error", err, "types", types)
	}
}

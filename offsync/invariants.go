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

// ConflictError reports that a change would violate a domain invariant of the
// authoritative store. The change is not applied and no ledger entry is written.
type ConflictError struct {
	Reason   string
	Snapshot *EntitySnapshot // State the change collided with, if any
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// NewConflict builds a ConflictError; checkers return it to reject a change.
func NewConflict(reason string, snapshot *EntitySnapshot) *ConflictError {
	return &ConflictError{Reason: reason, Snapshot: snapshot}
}

func (e *ConflictError) snapshotJSON() json.RawMessage {
	if e.Snapshot == nil {
		return nil
	}
	b, err := json.Marshal(e.Snapshot)
	if err != nil {
		return nil
	}
	return b
}

// Candidate is the post-change state of an entity, as seen by invariant checks.
// EntityID is 0 when the change would create a new entity.
type Candidate struct {
	EntityType string
	EntityID   int64
	Payload    map[string]any
}

// ConflictChecker enforces a custom invariant inside the push transaction.
// Return a *ConflictError to reject the change; any other error fails it as internal.
type ConflictChecker func(ctx context.Context, tx pgx.Tx, c Candidate) error

// checkInvariants runs the uniqueness rules and the custom checker of an entity type
func (s *SyncService) checkInvariants(ctx context.Context, tx pgx.Tx, ent RegisteredEntity, c Candidate) error {
	fields := ent.UniqueFields
	if ent.NaturalKey != "" {
		fields = append([]string{ent.NaturalKey}, fields...)
	}
	for _, field := range fields {
		v, ok := c.Payload[field]
		if !ok || v == nil {
			continue
		}
		holder, err := findLiveEntityWithField(ctx, tx, c.EntityType, c.EntityID, field, v)
		if err != nil {
			return err
		}
		if holder != nil {
			return NewConflict(
				fmt.Sprintf("%s.%s must be unique: already used by %s %d", c.EntityType, field, c.EntityType, holder.ID),
				holder.snapshot())
		}
	}

	if ent.Checker != nil {
		return ent.Checker(ctx, tx, c)
	}
	return nil
}

func findLiveEntityWithField(ctx context.Context, tx pgx.Tx, entityType string, excludeID int64, field string, value any) (*entityRow, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: field %s is not JSON encodable", ErrBadPayload, field)
	}
	return queryOneEntity(ctx, tx, `
		SELECT `+selectEntityColumns+` FROM sync.entity_state
		WHERE entity_type = $1 AND NOT deleted AND entity_id <> $2 AND payload -> $3::text = $4::jsonb
		ORDER BY entity_id
		LIMIT 1`,
		entityType, excludeID, field, string(b))
}

// OverlapChecker rejects a change whose [startField, endField) interval overlaps a live
// entity of the same type sharing the same values for groupFields (e.g. two appointments
// for the same practitioner). Interval bounds are RFC 3339 timestamps.
func OverlapChecker(startField, endField string, groupFields ...string) ConflictChecker {
	return func(ctx context.Context, tx pgx.Tx, c Candidate) error {
		start, okStart := payloadTime(c.Payload, startField)
		end, okEnd := payloadTime(c.Payload, endField)
		if !okStart || !okEnd {
			return nil
		}
		if !end.After(start) {
			return fmt.Errorf("%w: %s must be after %s", ErrBadPayload, endField, startField)
		}

		sql := `SELECT ` + selectEntityColumns + ` FROM sync.entity_state
			WHERE entity_type = $1 AND NOT deleted AND entity_id <> $2
			  AND (payload ->> $3::text)::timestamptz < $5
			  AND (payload ->> $4::text)::timestamptz > $6`
		args := []any{c.EntityType, c.EntityID, startField, endField, end, start}
		for _, g := range groupFields {
			b, err := json.Marshal(c.Payload[g])
			if err != nil {
				return fmt.Errorf("%w: field %s is not JSON encodable", ErrBadPayload, g)
			}
			args = append(args, g, string(b))
			sql += fmt.Sprintf(" AND payload -> $%d::text = $%d::jsonb", len(args)-1, len(args))
		}
		sql += ` ORDER BY entity_id LIMIT 1`

		other, err := queryOneEntity(ctx, tx, sql, args...)
		if err != nil {
			return err
		}
		if other != nil {
			return NewConflict(
				fmt.Sprintf("%s overlaps %s %d", c.EntityType, c.EntityType, other.ID),
				other.snapshot())
		}
		return nil
	}
}

func payloadTime(payload map[string]any, field string) (time.Time, bool) {
	s, ok := payload[field].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func asConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

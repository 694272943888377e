// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Validation error sentinels for better error mapping
var (
	ErrBadPayload         = errors.New("bad_payload")
	ErrUnregisteredEntity = errors.New("unregistered_entity")
	ErrInvalidRequest     = errors.New("invalid_request")
)

var entityTypeRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

func isValidEntityType(s string) bool {
	return entityTypeRe.MatchString(s)
}

// validateChange normalizes and validates a single pushed change, returning its decoded payload
func (s *SyncService) validateChange(change *ChangePush) (map[string]any, error) {
	change.EntityType = strings.ToLower(strings.TrimSpace(change.EntityType))
	change.Operation = strings.ToLower(strings.TrimSpace(change.Operation))
	change.EntityID = strings.TrimSpace(change.EntityID)

	if _, err := uuid.Parse(change.IdempotencyKey); err != nil {
		return nil, fmt.Errorf("%w: idempotency_key must be a UUID", ErrBadPayload)
	}
	if !isValidEntityType(change.EntityType) {
		return nil, fmt.Errorf("%w: invalid entity type %q", ErrBadPayload, change.EntityType)
	}
	if !s.IsEntityRegistered(change.EntityType) {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredEntity, change.EntityType)
	}

	switch change.Operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return nil, fmt.Errorf("%w: invalid operation %q", ErrBadPayload, change.Operation)
	}

	if change.EntityID == "" {
		return nil, fmt.Errorf("%w: entity_id is required", ErrBadPayload)
	}
	if change.Operation == OpUpdate || change.Operation == OpDelete {
		// Updates and deletes of unsynced entities still carry their placeholder.
		if _, known := parseServerID(change.EntityID); !known && !isPlaceholderID(change.EntityID) {
			return nil, fmt.Errorf("%w: invalid entity_id %q", ErrBadPayload, change.EntityID)
		}
	}

	if s.config.MaxPayloadBytes > 0 && len(change.Payload) > s.config.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload too large: %d > %d", ErrBadPayload, len(change.Payload), s.config.MaxPayloadBytes)
	}

	payload := map[string]any{}
	if len(change.Payload) > 0 && string(change.Payload) != "null" {
		if err := json.Unmarshal(change.Payload, &payload); err != nil || payload == nil {
			return nil, fmt.Errorf("%w: payload must be a JSON object", ErrBadPayload)
		}
	}
	if change.Operation != OpDelete && len(payload) == 0 {
		return nil, fmt.Errorf("%w: payload required for %s operation", ErrBadPayload, change.Operation)
	}
	for k := range payload {
		if strings.HasPrefix(k, "_sync") {
			return nil, fmt.Errorf("%w: reserved payload key %q", ErrBadPayload, k)
		}
	}

	return payload, nil
}

// parseServerID returns the numeric server id when entityID is a positive integer.
func parseServerID(entityID string) (int64, bool) {
	id, err := strconv.ParseInt(entityID, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// isPlaceholderID reports whether entityID is a client placeholder: a non-positive integer.
func isPlaceholderID(entityID string) bool {
	id, err := strconv.ParseInt(entityID, 10, 64)
	return err == nil && id <= 0
}

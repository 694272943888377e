// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"encoding/json"
)

// resultAccepted creates a result for a change applied to the ledger
func resultAccepted(key string, entityID int64) PushResult {
	return PushResult{
		IdempotencyKey: key,
		Success:        true,
		EntityID:       entityID,
	}
}

// resultNoop creates a result for a delete of an entity the server does not have
func resultNoop(key string, entityID int64) PushResult {
	return PushResult{
		IdempotencyKey: key,
		Success:        true,
		EntityID:       entityID,
	}
}

// resultConflict creates a result for a change rejected by a server invariant
func resultConflict(key string, reason string, snapshot json.RawMessage) PushResult {
	return PushResult{
		IdempotencyKey: key,
		Success:        false,
		ErrorKind:      ErrorKindConflict,
		ErrorMessage:   reason,
		ServerSnapshot: snapshot,
	}
}

func resultValidation(key string, err error) PushResult {
	return PushResult{
		IdempotencyKey: key,
		Success:        false,
		ErrorKind:      ErrorKindValidation,
		ErrorMessage:   err.Error(),
	}
}

// resultInternal creates a result for an unexpected server failure; clients retry these
func resultInternal(key string, err error) PushResult {
	return PushResult{
		IdempotencyKey: key,
		Success:        false,
		ErrorKind:      ErrorKindInternal,
		ErrorMessage:   err.Error(),
	}
}

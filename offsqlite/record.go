// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/mobiletoly/offsync/offsync"
)

// Operation is the kind of local mutation a Change Record carries
type Operation string

const (
	OpCreate Operation = offsync.OpCreate
	OpUpdate Operation = offsync.OpUpdate
	OpDelete Operation = offsync.OpDelete
)

func (o Operation) valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// rank orders operations for coalescing: create < update < delete
func (o Operation) rank() int {
	switch o {
	case OpCreate:
		return 0
	case OpUpdate:
		return 1
	default:
		return 2
	}
}

// coalesceOps keeps the stronger of two operations; a delete never regresses.
func coalesceOps(existing, incoming Operation) Operation {
	if incoming.rank() > existing.rank() {
		return incoming
	}
	return existing
}

// Status is the lifecycle state of a Change Record
type Status string

const (
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
)

// ChangeRecord is one queued local mutation awaiting (or done with) server confirmation
type ChangeRecord struct {
	ID             string
	Seq            int64 // Causal position in the outbox
	EntityType     string
	EntityID       string // Server id, or a negative placeholder for offline creates
	Operation      Operation
	Payload        map[string]any
	Status         Status
	ErrorKind      ErrorKind
	ErrorMessage   string
	RetryCount     int
	IdempotencyKey string
	ServerKnown    bool            // The server has confirmed this entity exists
	Attempted      bool            // Sent at least once under the current idempotency key
	Dirty          bool            // Mutated after being sent; must be pushed again once confirmed
	ServerSnapshot json.RawMessage // offsync.EntitySnapshot returned with a conflict
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// toPush converts the record to its wire form
func (r *ChangeRecord) toPush() (offsync.ChangePush, error) {
	var payload json.RawMessage
	if len(r.Payload) > 0 {
		b, err := json.Marshal(r.Payload)
		if err != nil {
			return offsync.ChangePush{}, err
		}
		payload = b
	}
	return offsync.ChangePush{
		EntityType:     r.EntityType,
		EntityID:       r.EntityID,
		Operation:      string(r.Operation),
		Payload:        payload,
		IdempotencyKey: r.IdempotencyKey,
		SourceSeq:      r.Seq,
	}, nil
}

// cancellable reports a delete of an entity the server never saw; it is confirmed
// locally instead of being pushed
func (r *ChangeRecord) cancellable() bool {
	return r.Operation == OpDelete && !r.ServerKnown && !r.Attempted && !isServerID(r.EntityID)
}

// Snapshot decodes the server state attached to a conflicted record
func (r *ChangeRecord) Snapshot() (*offsync.EntitySnapshot, error) {
	if len(r.ServerSnapshot) == 0 {
		return nil, nil
	}
	var s offsync.EntitySnapshot
	if err := json.Unmarshal(r.ServerSnapshot, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// IsPlaceholderID reports whether id is a client-assigned placeholder (a non-positive integer)
func IsPlaceholderID(id string) bool {
	n, err := strconv.ParseInt(id, 10, 64)
	return err == nil && n <= 0
}

func isServerID(id string) bool {
	n, err := strconv.ParseInt(id, 10, 64)
	return err == nil && n > 0
}

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

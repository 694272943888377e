// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models shared by the server handlers and the offsqlite client.

// PushRequest is a batch of local mutations, in the client's causal order.
// The caller's device identity comes from the JWT did claim, not from the body.
type PushRequest struct {
	Changes []ChangePush `json:"changes"`
}

// ChangePush represents a single change in a push request
type ChangePush struct {
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`            // Server id, or a client placeholder (<= 0)
	Operation      string          `json:"operation"`            // create, update, delete
	Payload        json.RawMessage `json:"payload,omitempty"`    // JSON object (optional for delete)
	IdempotencyKey string          `json:"idempotency_key"`      // Stable across retries of the same record
	SourceSeq      int64           `json:"source_seq,omitempty"` // Client-local outbox sequence (audit only)
}

// PushResponse carries one result per submitted change, in request order
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// PushResult represents the outcome of a single change
type PushResult struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Success        bool            `json:"success"`
	EntityID       int64           `json:"entity_id,omitempty"`       // Server-assigned id on success
	ErrorKind      string          `json:"error_kind,omitempty"`      // conflict, validation, internal
	ErrorMessage   string          `json:"error_message,omitempty"`   // Human readable details
	ServerSnapshot json.RawMessage `json:"server_snapshot,omitempty"` // EntitySnapshot of the server state on conflict
}

// EntitySnapshot is the authoritative state of one entity
type EntitySnapshot struct {
	EntityType string          `json:"entity_type"`
	EntityID   int64           `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	Deleted    bool            `json:"deleted"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PullRequest selects ledger entries newer than a per-type watermark
type PullRequest struct {
	Since        map[string]time.Time // Per-type exclusive lower bound
	DefaultSince time.Time            // Lower bound for types missing from Since
	Types        []string             // Entity types to pull; empty means every registered type
	Limit        int                  // Max entries per type
}

// PullResponse represents server response to a pull request
type PullResponse struct {
	Changes []LedgerEntry   `json:"changes"`  // Ordered by (entity_type, updated_at)
	HasMore map[string]bool `json:"has_more"` // Per type: more entries exist past this page
}

// LedgerEntry is one immutable row of the server change ledger
type LedgerEntry struct {
	ServerSeq  int64           `json:"server_seq"`
	EntityType string          `json:"entity_type"`
	EntityID   int64           `json:"entity_id"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"` // Full snapshot after the operation; {"id": n} for deletes
	Deleted    bool            `json:"deleted"`
	UpdatedAt  time.Time       `json:"updated_at"`
	SourceID   string          `json:"source_id,omitempty"`
}

// Common response models

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

// Operation constants for change operations
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Error kinds reported per change in a push response. Clients branch on these,
// never on the message text.
const (
	ErrorKindConflict   = "conflict"
	ErrorKindValidation = "validation"
	ErrorKindInternal   = "internal"
)

// Pull paging limits
const (
	DefaultPullLimit = 100
	MaxPullLimit     = 1000
)

// ledgerLockKey is the pg_advisory_xact_lock key serializing ledger writers.
const ledgerLockKey int64 = 0x6f6666737963

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"time"
)

// LedgerNotification announces that new ledger entries were committed
type LedgerNotification struct {
	EntityTypes []string  `json:"entity_types"`
	SourceID    string    `json:"source_id"` // Device whose push advanced the ledger
	UpdatedAt   time.Time `json:"updated_at"`
}

// LedgerNotifier is told after every push commit that appended ledger entries.
// Delivery is best effort: clients still poll, notifications only shorten the delay.
type LedgerNotifier interface {
	LedgerAdvanced(ctx context.Context, n LedgerNotification) error
}

// LedgerNotifierFunc adapts a function to LedgerNotifier
type LedgerNotifierFunc func(ctx context.Context, n LedgerNotification) error

func (f LedgerNotifierFunc) LedgerAdvanced(ctx context.Context, n LedgerNotification) error {
	return f(ctx, n)
}

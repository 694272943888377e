// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the required sync tables within an existing transaction
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// Global id space for server-assigned entity ids
		/*language=postgresql*/ `CREATE SEQUENCE IF NOT EXISTS sync.entity_id_seq`,

		// 1) Current authoritative state per entity
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.entity_state (
			entity_type  TEXT        NOT NULL,
			entity_id    BIGINT      NOT NULL,
			natural_key  TEXT,
			payload      JSONB       NOT NULL,
			deleted      BOOLEAN     NOT NULL DEFAULT FALSE,
			updated_at   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`,
		/*language=postgresql*/ `CREATE UNIQUE INDEX IF NOT EXISTS entity_state_natural_key_uq
			ON sync.entity_state (entity_type, natural_key)
			WHERE natural_key IS NOT NULL AND NOT deleted`,

		// 2) Immutable change ledger; updated_at is strictly increasing in insertion order
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.change_ledger (
			server_seq       BIGSERIAL   PRIMARY KEY,
			entity_type      TEXT        NOT NULL,
			entity_id        BIGINT      NOT NULL,
			op               TEXT        NOT NULL CHECK (op IN ('create','update','delete')),
			payload          JSONB       NOT NULL,
			deleted          BOOLEAN     NOT NULL DEFAULT FALSE,
			idempotency_key  TEXT        NOT NULL,
			user_id          TEXT        NOT NULL,
			source_id        TEXT        NOT NULL,
			source_seq       BIGINT      NOT NULL DEFAULT 0,
			updated_at       TIMESTAMPTZ NOT NULL,
			CONSTRAINT change_ledger_idempotency_key_uq UNIQUE (idempotency_key)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS change_ledger_type_ts_idx
			ON sync.change_ledger (entity_type, updated_at)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS change_ledger_ts_idx
			ON sync.change_ledger (updated_at)`,
	}

	for i, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to apply sync migration %d: %w", i, err)
		}
	}
	return nil
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadServer_Defaults(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("MAX_PUSH_BATCH", "5000")
	t.Setenv("TOKEN_TTL_MIN", "not-a-number")

	cfg := LoadServer()
	require.Equal(t, ":9999", cfg.ListenAddr)
	require.Equal(t, MaxPushBatch, cfg.MaxPushBatchSize)
	require.Equal(t, time.Hour, cfg.TokenTTL)
	require.Equal(t, "offsync.ledger", cfg.LedgerExchange)
	require.Equal(t, "offsync-server.log", cfg.Log.File)
}

func TestLoadClient_ParsesLists(t *testing.T) {
	t.Setenv("ENTITY_TYPES", " patient, ,appointment ")
	t.Setenv("PUSH_BATCH", "0")
	t.Setenv("SYNC_INTERVAL_SEC", "5")

	cfg := LoadClient()
	require.Equal(t, []string{"patient", "appointment"}, cfg.EntityTypes)
	require.Equal(t, MinPushBatch, cfg.PushBatchLimit)
	require.Equal(t, 5*time.Second, cfg.SyncInterval)
	require.Empty(t, cfg.Log.File)
}

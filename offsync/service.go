// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MaterializationHandler projects accepted changes into business tables.
// Both methods run inside the change's savepoint: returning an error rolls the change back.
// A unique violation returned from a handler is reported to the client as a conflict.
type MaterializationHandler interface {
	ApplyUpsert(ctx context.Context, tx pgx.Tx, entityType string, entityID int64, payload []byte) error
	ApplyDelete(ctx context.Context, tx pgx.Tx, entityType string, entityID int64) error
}

// RegisteredEntity describes an entity type accepted by the sync service
type RegisteredEntity struct {
	Type         string                 // Entity-type tag (e.g., "patient", "appointment")
	NaturalKey   string                 // Optional payload field used to match client placeholders to existing entities
	UniqueFields []string               // Payload fields that must be unique among live entities of this type
	Checker      ConflictChecker        // Optional custom invariant (e.g. overlapping reservations)
	Handler      MaterializationHandler // Optional business table projection
}

// SyncService provides the server side of the ledger-based sync protocol
type SyncService struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	config   *ServiceConfig
	entities map[string]RegisteredEntity

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName            string             // Application name for connection tracking
	RegisteredEntities []RegisteredEntity // Entity types allowed for sync (required)

	MaxPushBatchSize int // Maximum number of changes in a single push (0 = unlimited)
	MaxPayloadBytes  int // Maximum JSON payload size per change in bytes (0 = unlimited)
	MaxTxRetries     int // Retries of a push transaction on serialization failures (0 = default)

	Notifier        LedgerNotifier       // Optional; told after commit when the ledger advanced
	StageMetrics    StageMetricsRecorder // Optional stage timings sink
	LogStageTimings bool
}

// NewSyncService creates a new sync service from an existing pool and initializes the sync schema
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.RegisteredEntities) == 0 {
		return nil, errors.New("at least one registered entity is required")
	}

	service := &SyncService{
		pool:     pool,
		logger:   logger,
		config:   config,
		entities: make(map[string]RegisteredEntity, len(config.RegisteredEntities)),
	}

	for _, ent := range config.RegisteredEntities {
		key := strings.ToLower(strings.TrimSpace(ent.Type))
		if !isValidEntityType(key) {
			return nil, fmt.Errorf("invalid entity type %q", ent.Type)
		}
		if _, dup := service.entities[key]; dup {
			return nil, fmt.Errorf("entity type %q registered twice", key)
		}
		ent.Type = key
		service.entities[key] = ent
		logger.Debug("Registered entity", "type", key, "natural_key", ent.NaturalKey, "unique_fields", ent.UniqueFields)
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return service.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}
	logger.Debug("Database schema initialized successfully")

	return service, nil
}

// Close marks the service closed; it is safe to call multiple times.
// Note: This does NOT close the database pool - the caller is responsible for pool lifecycle
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

// Pool returns the underlying database connection pool
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// EntityTypes returns the registered entity types in sorted order
func (s *SyncService) EntityTypes() []string {
	types := make([]string, 0, len(s.entities))
	for t := range s.entities {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IsEntityRegistered checks whether an entity type is accepted for sync
func (s *SyncService) IsEntityRegistered(entityType string) bool {
	_, ok := s.entities[entityType]
	return ok
}

// Ping verifies the authoritative store is reachable
func (s *SyncService) Ping(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}

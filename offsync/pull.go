// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ProcessPull returns, per requested entity type, up to Limit ledger entries with
// updated_at strictly greater than the type's watermark, oldest first.
func (s *SyncService) ProcessPull(ctx context.Context, req *PullRequest) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit == 0 {
		limit = DefaultPullLimit
	}
	if limit < 1 || limit > MaxPullLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidRequest, MaxPullLimit)
	}

	types, err := s.pullTypes(req.Types)
	if err != nil {
		return nil, err
	}

	resp := &PullResponse{
		Changes: []LedgerEntry{},
		HasMore: make(map[string]bool, len(types)),
	}

	start := s.stageStart()
	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		for _, t := range types {
			since, ok := req.Since[t]
			if !ok {
				since = req.DefaultSince
			}
			rows, err := tx.Query(ctx, `
				SELECT server_seq, entity_type, entity_id, op, payload, deleted, updated_at, source_id
				FROM sync.change_ledger
				WHERE entity_type = $1 AND updated_at > $2
				ORDER BY updated_at
				LIMIT $3`,
				t, since.UTC(), limit+1)
			if err != nil {
				return fmt.Errorf("failed to query ledger for %s: %w", t, err)
			}
			entries, err := pgx.CollectRows(rows, scanLedgerEntry)
			if err != nil {
				return fmt.Errorf("failed to scan ledger for %s: %w", t, err)
			}
			hasMore := len(entries) > limit
			if hasMore {
				entries = entries[:limit]
			}
			resp.HasMore[t] = hasMore
			resp.Changes = append(resp.Changes, entries...)
		}
		return nil
	})
	s.observeStage(ctx, MetricsOpPull, MetricsStagePullFetch, start, len(resp.Changes), 0, err != nil)
	if err != nil {
		return nil, fmt.Errorf("failed to process pull: %w", err)
	}
	return resp, nil
}

func scanLedgerEntry(row pgx.CollectableRow) (LedgerEntry, error) {
	var e LedgerEntry
	var payload []byte
	if err := row.Scan(&e.ServerSeq, &e.EntityType, &e.EntityID, &e.Operation, &payload, &e.Deleted, &e.UpdatedAt, &e.SourceID); err != nil {
		return e, err
	}
	e.Payload = payload
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func (s *SyncService) pullTypes(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return s.EntityTypes(), nil
	}
	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(requested))
	for _, t := range requested {
		t = strings.ToLower(strings.TrimSpace(t))
		if seen[t] {
			continue
		}
		if !s.IsEntityRegistered(t) {
			return nil, fmt.Errorf("%w: unregistered entity type %q", ErrInvalidRequest, t)
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// ParsePullQuery decodes pull query parameters:
//
//	since=<RFC3339>          watermark applied to every type without its own
//	since.<type>=<RFC3339>   per-type watermark
//	type=<type>              repeatable type filter
//	limit=<n>                entries per type
func ParsePullQuery(q url.Values) (*PullRequest, error) {
	req := &PullRequest{
		Since: make(map[string]time.Time),
		Types: q["type"],
		Limit: DefaultPullLimit,
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: limit must be an integer", ErrInvalidRequest)
		}
		if n < 1 || n > MaxPullLimit {
			return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidRequest, MaxPullLimit)
		}
		req.Limit = n
	}

	var global time.Time
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("%w: since must be an RFC 3339 timestamp", ErrInvalidRequest)
		}
		global = ts.UTC()
	}

	for key, vals := range q {
		t, ok := strings.CutPrefix(key, "since.")
		if !ok || len(vals) == 0 {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, vals[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", ErrInvalidRequest, key)
		}
		req.Since[strings.ToLower(t)] = ts.UTC()
	}

	req.DefaultSince = global
	return req, nil
}

// EncodePullQuery is the inverse of ParsePullQuery
func EncodePullQuery(since map[string]time.Time, types []string, limit int) url.Values {
	q := url.Values{}
	for _, t := range types {
		q.Add("type", t)
	}
	for t, ts := range since {
		if ts.IsZero() {
			continue
		}
		q.Set("since."+t, ts.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

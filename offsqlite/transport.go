// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mobiletoly/offsync/offsync"
)

// TokenFunc returns the bearer token for the next request
type TokenFunc func(ctx context.Context) (string, error)

// SyncTransport is the network boundary of the client
type SyncTransport interface {
	Push(ctx context.Context, records []ChangeRecord) ([]offsync.PushResult, error)
	Pull(ctx context.Context, since map[string]time.Time, types []string, limit int) (*offsync.PullResponse, error)
	Health(ctx context.Context) error
}

// HTTPTransport talks to an offsync server. Network failures and 5xx responses are
// retried with backoff inside one call; 401/403 never are.
type HTTPTransport struct {
	BaseURL string
	HTTP    *http.Client
	Token   TokenFunc

	retries    int
	backoffMin time.Duration
	backoffMax time.Duration
	logger     *slog.Logger
}

// NewTransport creates an HTTP transport from the client configuration
func NewTransport(baseURL string, token TokenFunc, config *Config, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTP:       &http.Client{Timeout: config.RequestTimeout},
		Token:      token,
		retries:    config.TransportRetries,
		backoffMin: config.BackoffMin,
		backoffMax: config.BackoffMax,
		logger:     logger,
	}
}

// Push sends records in the given order and returns one result per record
func (t *HTTPTransport) Push(ctx context.Context, records []ChangeRecord) ([]offsync.PushResult, error) {
	req := offsync.PushRequest{Changes: make([]offsync.ChangePush, 0, len(records))}
	for i := range records {
		ch, err := records[i].toPush()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to encode record %s: %v", ErrValidation, records[i].ID, err)
		}
		req.Changes = append(req.Changes, ch)
	}
	body, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	var resp offsync.PushResponse
	if err := t.do(ctx, http.MethodPost, "/sync/push", body, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Pull fetches one page of ledger entries per type
func (t *HTTPTransport) Pull(ctx context.Context, since map[string]time.Time, types []string, limit int) (*offsync.PullResponse, error) {
	path := "/sync/pull?" + offsync.EncodePullQuery(since, types, limit).Encode()
	var resp offsync.PullResponse
	if err := t.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health probes the server once, without retries
func (t *HTTPTransport) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", ErrNetwork, resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body []byte, out any) error {
	backoff := NewBackoff(t.backoffMin, t.backoffMax, 2)
	for {
		err := t.doOnce(ctx, method, path, body, out)
		if err == nil || !errors.Is(err, ErrNetwork) || backoff.Attempts() >= t.retries || ctx.Err() != nil {
			return err
		}
		wait := backoff.Next()
		t.logger.Debug("Retrying request", "path", path, "attempt", backoff.Attempts(), "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (t *HTTPTransport) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if t.Token != nil {
		token, err := t.Token(ctx)
		if err != nil {
			// A token source that cannot reach its issuer reports ErrNetwork; that is not a credential problem
			if errors.Is(err, ErrNetwork) || ctx.Err() != nil {
				return fmt.Errorf("failed to get token: %w", err)
			}
			return fmt.Errorf("%w: failed to get token: %v", ErrAuth, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: server returned status %d: %s", ErrAuth, resp.StatusCode, readErrorBody(resp.Body))
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: server returned status %d: %s", ErrNetwork, resp.StatusCode, readErrorBody(resp.Body))
	default:
		return fmt.Errorf("%w: server returned status %d: %s", ErrValidation, resp.StatusCode, readErrorBody(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrNetwork, err)
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var e offsync.ErrorResponse
	if json.Unmarshal(b, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(b))
}

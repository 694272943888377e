// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// maxPushBodyBytes bounds a push request body when no per-payload limit is configured
const maxPushBodyBytes = 32 << 20

// ClientAuthenticator extracts both user and device identity from HTTP requests
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers exposes the push, pull and health endpoints
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register mounts the sync routes on mux
func (h *HTTPSyncHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sync/push", h.HandlePush)
	mux.HandleFunc("GET /sync/pull", h.HandlePull)
	mux.HandleFunc("GET /health", h.HandleHealth)
}

func (h *HTTPSyncHandlers) identify(w http.ResponseWriter, r *http.Request) (userID, sourceID string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	sourceID, err = h.authenticator.GetSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return userID, sourceID, true
}

// HandlePush applies a batch of client changes and returns one result per change
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	userID, sourceID, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req PushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}

	response, err := h.service.ProcessPush(r.Context(), userID, sourceID, &req)
	if err != nil {
		h.logger.Error("Failed to process push", "error", err, "user_id", userID, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to process push")
		return
	}

	h.writeJSON(w, response)
}

// HandlePull returns ledger entries newer than the caller's watermarks
func (h *HTTPSyncHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	userID, sourceID, ok := h.identify(w, r)
	if !ok {
		return
	}

	req, err := ParsePullQuery(r.URL.Query())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	response, err := h.service.ProcessPull(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.logger.Error("Failed to process pull", "error", err, "user_id", userID, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to process pull")
		return
	}

	h.writeJSON(w, response)
}

// HandleHealth reports whether the authoritative store is reachable; clients probe it for connectivity
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "unhealthy", "database unavailable")
		return
	}
	h.writeJSON(w, HealthResponse{Status: "healthy"})
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated caller through a request context.
package auth

import (
	"context"
)

type contextKey struct{}

// Identity is the authenticated user and the device (source) acting for them
type Identity struct {
	UserID   string
	SourceID string
}

// WithIdentity returns a copy of ctx carrying id
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext retrieves the identity set by WithIdentity
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	id, ok := FromContext(ctx)
	return id.UserID, ok
}

// GetSourceID retrieves the source (device) ID from the context
func GetSourceID(ctx context.Context) (string, bool) {
	id, ok := FromContext(ctx)
	return id.SourceID, ok && id.SourceID != ""
}

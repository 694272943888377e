// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"errors"
	"fmt"
)

// Error categories surfaced by the client. Callers branch with errors.Is.
var (
	ErrNetwork    = errors.New("network error")
	ErrAuth       = errors.New("authentication error")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation error")
	ErrStorage    = errors.New("storage error")

	ErrRecordNotFound = errors.New("change record not found")
	ErrLocked         = errors.New("local store is locked by another process")
)

// ErrorKind is the persisted classification of a failed Change Record
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindNetwork    ErrorKind = "network"
	KindAuth       ErrorKind = "auth"
	KindConflict   ErrorKind = "conflict"
	KindValidation ErrorKind = "validation"
	KindStorage    ErrorKind = "storage"
	KindInternal   ErrorKind = "internal"
	KindCancelled  ErrorKind = "cancelled"
)

// KindOf maps an error to its ErrorKind
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	default:
		return KindInternal
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"fmt"

	"github.com/gofrs/flock"
)

// InstanceLock is an exclusive advisory file lock held for the lifetime of a Client.
// It keeps two processes from driving sync over the same database.
type InstanceLock struct {
	lock *flock.Flock
}

// AcquireInstanceLock takes the lock at path without blocking. ErrLocked is returned
// when another process holds it.
func AcquireInstanceLock(path string) (*InstanceLock, error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return &InstanceLock{lock: lock}, nil
}

// Release unlocks; calling it twice is harmless
func (l *InstanceLock) Release() error {
	return l.lock.Unlock()
}

// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lock guards the single writer invariant with an exclusive
// advisory file lock beside the store file. Exactly one ingestion process
// may hold the lock; a second process fails startup with a distinguishable
// error rather than corrupting the store.
package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// HeldError is returned when the writer lock is already held by another
// process.
type HeldError struct {
	Path string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("writer lock %s is held by another process", e.Path)
}

// Lock is a held exclusive writer lock.
type Lock struct {
	path string
	fl   *flock.Flock
}

// PathFor returns the writer lock path for a store file.
func PathFor(storePath string) string {
	return storePath + ".lock"
}

// Acquire takes the exclusive writer lock at path without blocking. When
// the lock is held elsewhere the returned error is a *HeldError.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire writer lock %s: %w", path, err)
	}
	if !ok {
		return nil, &HeldError{Path: path}
	}
	return &Lock{path: path, fl: fl}, nil
}

// Release drops the lock. Safe to call once on every exit path.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release writer lock %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

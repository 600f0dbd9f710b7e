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

// Package buffer implements the local NDJSON spool that backs every
// state-changing telemetry call. Run records double as a replay queue for
// the sync worker; event records live in the spool only and survive
// compaction. Files rotate daily by name and appends are serialized with an
// advisory file lock so concurrent clients on one host interleave whole
// lines.
package buffer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
)

// Record types of a spool line.
const (
	RecordRun   = "run"
	RecordEvent = "event"
)

// Ops a spool line can carry. Only run ops are replayable.
const (
	OpRunCreate       = "run_create"
	OpRunUpdate       = "run_update"
	OpCommitAssociate = "commit_associate"
	OpEvent           = "event"
)

// RejectedSuffix is appended to a spool filename to form its quarantine
// sibling.
const RejectedSuffix = ".rejected"

// lockRetryDelay is how often a blocked writer re-polls the spool lock.
const lockRetryDelay = 10 * time.Millisecond

// Entry is one spool line: the op tag plus the exact request body to
// replay. EventID is the idempotency key of the run the line belongs to,
// for event records the owning run's event id.
type Entry struct {
	RecordType string          `json:"record_type"`
	Op         string          `json:"op"`
	EventID    string          `json:"event_id"`
	Payload    json.RawMessage `json:"payload"`
}

// Config holds the spool settings.
type Config struct {
	// Dir is the spool directory.
	Dir string

	// Clock overrides the time source. If nil, the wall clock is used.
	Clock clockwork.Clock
}

// Buffer is the append-only spool under a single directory.
type Buffer struct {
	dir   string
	clock clockwork.Clock

	mu    sync.Mutex
	flock *flock.Flock
}

// New creates the spool directory if needed and returns a handle to it.
func New(cfg *Config) (*Buffer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("spool directory is empty")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &Buffer{
		dir:   cfg.Dir,
		clock: clock,
		flock: flock.New(filepath.Join(cfg.Dir, ".spool.lock")),
	}, nil
}

// Dir returns the spool directory.
func (b *Buffer) Dir() string {
	return b.dir
}

// FileForDate returns the spool file path for the UTC day of t.
func (b *Buffer) FileForDate(t time.Time) string {
	return filepath.Join(b.dir, "events_"+t.UTC().Format("20060102")+".ndjson")
}

// Append writes one entry to today's spool file, fsyncing before returning.
func (b *Buffer) Append(ctx context.Context, entry *Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode spool entry: %w", err)
	}
	path := b.FileForDate(b.clock.Now())

	return b.withLock(ctx, func() error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open spool file: %w", err)
		}
		defer f.Close()

		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to append spool entry: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("failed to sync spool file: %w", err)
		}
		return nil
	})
}

// AppendPayload marshals payload and appends it as an entry.
func (b *Buffer) AppendPayload(ctx context.Context, recordType, op, eventID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode spool payload: %w", err)
	}
	return b.Append(ctx, &Entry{
		RecordType: recordType,
		Op:         op,
		EventID:    eventID,
		Payload:    body,
	})
}

// Files lists the spool data files, oldest first. Quarantine and tmp
// siblings are excluded.
func (b *Buffer) Files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(b.dir, "events_*.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("failed to list spool files: %w", err)
	}
	return files, nil
}

// Line is one physical spool line. Entry is nil when the line did not
// parse.
type Line struct {
	Raw   []byte
	Entry *Entry
}

// ReadLines reads every non-empty line of a spool file, attempting to parse
// each. Iteration over the result is forward-only replay order.
func ReadLines(path string) ([]*Line, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool file: %w", err)
	}

	var lines []*Line
	for _, raw := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		line := &Line{Raw: raw}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err == nil && entry.RecordType != "" {
			line.Entry = &entry
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Quarantine appends a raw line to the file's .rejected sibling.
func (b *Buffer) Quarantine(ctx context.Context, path string, raw []byte) error {
	return b.withLock(ctx, func() error {
		f, err := os.OpenFile(path+RejectedSuffix, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open quarantine file: %w", err)
		}
		defer f.Close()

		if _, err := f.Write(append(bytes.Clone(raw), '\n')); err != nil {
			return fmt.Errorf("failed to quarantine spool entry: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("failed to sync quarantine file: %w", err)
		}
		return nil
	})
}

// Rewrite replaces a spool file with the kept lines, removing it entirely
// when nothing remains. The replacement lands via rename so a crash leaves
// either the old or the new file, never a torn one.
func (b *Buffer) Rewrite(ctx context.Context, path string, keep []*Line) error {
	return b.withLock(ctx, func() error {
		if len(keep) == 0 {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to remove drained spool file: %w", err)
			}
			return nil
		}

		tmp := path + ".tmp"
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("failed to create spool tmp file: %w", err)
		}
		for _, line := range keep {
			if _, err := f.Write(append(bytes.Clone(line.Raw), '\n')); err != nil {
				f.Close()
				return fmt.Errorf("failed to write spool tmp file: %w", err)
			}
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("failed to sync spool tmp file: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close spool tmp file: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("failed to replace spool file: %w", err)
		}
		return nil
	})
}

func (b *Buffer) withLock(ctx context.Context, fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	locked, err := b.flock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to acquire spool lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("spool lock not acquired")
	}
	defer b.flock.Unlock()

	return fn()
}

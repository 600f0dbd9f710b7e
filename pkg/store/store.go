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

// Package store persists agent run records in an embedded SQLite file. The
// engine runs with journal_mode=DELETE and synchronous=FULL so the store
// survives crashes on bind-mounted and network-mounted volumes without
// sidecar journal files at rest. Writes go through a single connection;
// reads use a small pool. Every connection applies the mandatory pragmas
// through the DSN and the settings are verified at open.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/sethvargo/go-retry"
)

// Defaults for the mandatory engine settings.
const (
	DefaultJournalMode   = "DELETE"
	DefaultSynchronous   = "FULL"
	DefaultBusyTimeoutMS = 30000
)

// busyRetryBase is the first delay of the lock-contention retry ladder
// (100ms, 200ms, 400ms).
const busyRetryBase = 100 * time.Millisecond

var (
	// ErrNotFound is returned when no run matches the event id.
	ErrNotFound = fmt.Errorf("run not found")

	// ErrDuplicate is returned when an insert collides with an existing
	// event id. Callers convert it into an idempotent success.
	ErrDuplicate = fmt.Errorf("duplicate event_id")

	// ErrBusy is returned when the engine stays locked beyond the retry
	// budget. The condition is transient; callers may retry later.
	ErrBusy = fmt.Errorf("store busy")
)

// Config holds the store settings. Zero values fall back to the defaults
// above.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// JournalMode, Synchronous and BusyTimeoutMS are the mandatory engine
	// settings, applied on every connection and verified at open.
	JournalMode   string
	Synchronous   string
	BusyTimeoutMS int

	// Clock overrides the time source. If nil, the wall clock is used.
	Clock clockwork.Clock
}

// Pragmas are the engine settings observed on a live connection.
type Pragmas struct {
	JournalMode   string `json:"journal_mode"`
	Synchronous   string `json:"synchronous"`
	BusyTimeoutMS int    `json:"busy_timeout_ms"`
}

// Store is the relational store for agent runs.
type Store struct {
	path    string
	writer  *sqlx.DB
	reader  *sqlx.DB
	pragmas Pragmas
	clock   clockwork.Clock

	busyRetries atomic.Int64
}

// synchronousNames maps PRAGMA synchronous levels to their names.
var synchronousNames = map[int]string{
	0: "OFF",
	1: "NORMAL",
	2: "FULL",
	3: "EXTRA",
}

// Open opens (creating if needed) the store at cfg.Path and verifies the
// mandatory pragmas on both the writer and reader handles. The writer pool
// is pinned to a single connection.
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is empty")
	}
	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = DefaultJournalMode
	}
	synchronous := cfg.Synchronous
	if synchronous == "" {
		synchronous = DefaultSynchronous
	}
	busyTimeoutMS := cfg.BusyTimeoutMS
	if busyTimeoutMS == 0 {
		busyTimeoutMS = DefaultBusyTimeoutMS
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, journalMode, synchronous, busyTimeoutMS)

	writer, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open store reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	s := &Store{
		path:   cfg.Path,
		writer: writer,
		reader: reader,
		clock:  clock,
	}

	want := Pragmas{
		JournalMode:   strings.ToUpper(journalMode),
		Synchronous:   strings.ToUpper(synchronous),
		BusyTimeoutMS: busyTimeoutMS,
	}
	for name, db := range map[string]*sqlx.DB{"writer": writer, "reader": reader} {
		got, err := observePragmas(ctx, db)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to read %s pragmas: %w", name, err)
		}
		if got != want {
			s.Close()
			return nil, fmt.Errorf("%s pragmas mismatch: got %+v, want %+v", name, got, want)
		}
	}
	s.pragmas = want

	return s, nil
}

// Close releases both database handles.
func (s *Store) Close() error {
	var merr error
	if err := s.writer.Close(); err != nil {
		merr = errors.Join(merr, fmt.Errorf("failed to close writer: %w", err))
	}
	if err := s.reader.Close(); err != nil {
		merr = errors.Join(merr, fmt.Errorf("failed to close reader: %w", err))
	}
	return merr
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Pragmas returns the settings verified at open.
func (s *Store) Pragmas() Pragmas {
	return s.pragmas
}

// VerifyPragmas re-reads the engine settings from a live reader connection,
// for health reporting.
func (s *Store) VerifyPragmas(ctx context.Context) (Pragmas, error) {
	got, err := observePragmas(ctx, s.reader)
	if err != nil {
		return Pragmas{}, err
	}
	if got != s.pragmas {
		return got, fmt.Errorf("pragmas drifted: got %+v, want %+v", got, s.pragmas)
	}
	return got, nil
}

// BusyRetries reports how many lock-contention retries the store has
// performed since open.
func (s *Store) BusyRetries() int64 {
	return s.busyRetries.Load()
}

// IntegrityCheck runs PRAGMA quick_check and returns the engine verdict.
func (s *Store) IntegrityCheck(ctx context.Context) (string, error) {
	var verdict string
	if err := s.reader.GetContext(ctx, &verdict, "PRAGMA quick_check"); err != nil {
		return "", fmt.Errorf("failed to run integrity check: %w", err)
	}
	return verdict, nil
}

func observePragmas(ctx context.Context, db *sqlx.DB) (Pragmas, error) {
	var p Pragmas

	if err := db.GetContext(ctx, &p.JournalMode, "PRAGMA journal_mode"); err != nil {
		return p, fmt.Errorf("failed to read journal_mode: %w", err)
	}
	p.JournalMode = strings.ToUpper(p.JournalMode)

	var level int
	if err := db.GetContext(ctx, &level, "PRAGMA synchronous"); err != nil {
		return p, fmt.Errorf("failed to read synchronous: %w", err)
	}
	name, ok := synchronousNames[level]
	if !ok {
		return p, fmt.Errorf("unknown synchronous level %d", level)
	}
	p.Synchronous = name

	if err := db.GetContext(ctx, &p.BusyTimeoutMS, "PRAGMA busy_timeout"); err != nil {
		return p, fmt.Errorf("failed to read busy_timeout: %w", err)
	}

	return p, nil
}

// withBusyRetry runs fn, retrying up to three times with 100, 200 and 400ms
// delays while the engine reports SQLITE_BUSY or SQLITE_LOCKED. Contention
// beyond the budget surfaces as ErrBusy; the writer lock is never released
// here.
func (s *Store) withBusyRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(busyRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if isBusy(err) {
				s.busyRetries.Add(1)
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil && isBusy(err) {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

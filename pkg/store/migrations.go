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

package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	version int
	name    string
	sql     string
}

// loadMigrations reads the embedded NNN_name.sql files and returns them
// ordered by version.
func loadMigrations() ([]*migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var ms []*migration
	seen := make(map[int]string, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("malformed migration filename %q", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("malformed migration version in %q: %w", name, err)
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %d (%q and %q)", version, prev, name)
		}
		seen[version] = name

		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %q: %w", name, err)
		}
		ms = append(ms, &migration{
			version: version,
			name:    strings.TrimSuffix(rest, ".sql"),
			sql:     string(b),
		})
	}

	sort.Slice(ms, func(i, j int) bool { return ms[i].version < ms[j].version })
	return ms, nil
}

// Migrate applies pending schema migrations in order, each inside its own
// transaction, and records them in schema_migrations. Migrations are
// forward-only; a failure aborts before any later migration runs. It
// returns how many migrations were applied.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	if _, err := s.writer.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var versions []int
	if err := s.writer.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations"); err != nil {
		return 0, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	applied := make(map[int]struct{}, len(versions))
	for _, v := range versions {
		applied[v] = struct{}{}
	}

	ms, err := loadMigrations()
	if err != nil {
		return 0, err
	}

	var count int
	for _, m := range ms {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return count, fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		count++
	}
	return count, nil
}

func (s *Store) applyMigration(ctx context.Context, m *migration) error {
	return s.withBusyRetry(ctx, func(ctx context.Context) error {
		tx, err := s.writer.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			m.version, s.timestamp()); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return tx.Commit()
	})
}

// SchemaVersion returns the highest applied migration version, or zero when
// the store is empty.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.reader.GetContext(ctx, &version,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations"); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

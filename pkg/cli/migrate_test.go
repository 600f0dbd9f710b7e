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

package cli

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/testutil"
	"github.com/sethvargo/go-envconfig"

	"github.com/runtelhq/runtel/pkg/lock"
	"github.com/runtelhq/runtel/pkg/store"
)

func migrateCommand(dbPath string) *MigrateCommand {
	var cmd MigrateCommand
	cmd.testFlagSetOpts = []cli.Option{cli.WithLookupEnv(envconfig.MapLookuper(map[string]string{
		"TELEMETRY_DB_PATH": dbPath,
	}).Lookup)}
	_, _, _ = cmd.Pipe()
	return &cmd
}

func TestMigrateCommand(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	t.Run("too_many_args", func(t *testing.T) {
		t.Parallel()

		cmd := migrateCommand(filepath.Join(t.TempDir(), "telemetry.sqlite"))
		err := cmd.Run(ctx, []string{"foo"})
		if diff := testutil.DiffErrString(err, `unexpected arguments: ["foo"]`); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("migrates_fresh_store", func(t *testing.T) {
		t.Parallel()

		dbPath := filepath.Join(t.TempDir(), "telemetry.sqlite")

		if err := migrateCommand(dbPath).Run(ctx, nil); err != nil {
			t.Fatal(err)
		}

		db, err := store.Open(ctx, &store.Config{Path: dbPath})
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()

		ver, err := db.SchemaVersion(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if ver < 1 {
			t.Errorf("expected schema version %d to be at least 1", ver)
		}
	})

	t.Run("second_run_is_a_noop", func(t *testing.T) {
		t.Parallel()

		dbPath := filepath.Join(t.TempDir(), "telemetry.sqlite")

		if err := migrateCommand(dbPath).Run(ctx, nil); err != nil {
			t.Fatal(err)
		}
		if err := migrateCommand(dbPath).Run(ctx, nil); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("reports_schema_version_after_noop", func(t *testing.T) {
		t.Parallel()

		dbPath := filepath.Join(t.TempDir(), "telemetry.sqlite")

		if err := migrateCommand(dbPath).Run(ctx, nil); err != nil {
			t.Fatal(err)
		}

		// The second pass applies nothing, but still reports where the
		// schema actually sits.
		var logs strings.Builder
		lctx := logging.WithLogger(context.Background(),
			slog.New(slog.NewTextHandler(&logs, nil)))
		if err := migrateCommand(dbPath).Run(lctx, nil); err != nil {
			t.Fatal(err)
		}

		for _, want := range []string{"migrations_applied=0", "schema_version=3"} {
			if got := logs.String(); !strings.Contains(got, want) {
				t.Errorf("expected logs %q to contain %q", got, want)
			}
		}
	})

	t.Run("releases_writer_lock", func(t *testing.T) {
		t.Parallel()

		dbPath := filepath.Join(t.TempDir(), "telemetry.sqlite")

		if err := migrateCommand(dbPath).Run(ctx, nil); err != nil {
			t.Fatal(err)
		}

		guard, err := lock.Acquire(lock.PathFor(dbPath))
		if err != nil {
			t.Fatalf("expected writer lock to be free after migrate: %v", err)
		}
		if err := guard.Release(); err != nil {
			t.Error(err)
		}
	})

	t.Run("fails_while_lock_held", func(t *testing.T) {
		t.Parallel()

		dbPath := filepath.Join(t.TempDir(), "telemetry.sqlite")

		held, err := lock.Acquire(lock.PathFor(dbPath))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() {
			if err := held.Release(); err != nil {
				t.Error(err)
			}
		})

		err = migrateCommand(dbPath).Run(ctx, nil)
		if diff := testutil.DiffErrString(err, "is held by another process"); diff != "" {
			t.Fatal(diff)
		}
	})
}

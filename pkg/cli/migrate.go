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
	"fmt"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"

	"github.com/runtelhq/runtel/pkg/ingest"
	"github.com/runtelhq/runtel/pkg/lock"
	"github.com/runtelhq/runtel/pkg/store"
)

var _ cli.Command = (*MigrateCommand)(nil)

// MigrateCommand applies pending schema migrations to the run store
// without starting the server.
type MigrateCommand struct {
	cli.BaseCommand

	cfg *ingest.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *MigrateCommand) Desc() string {
	return `Apply schema migrations to the run store`
}

func (c *MigrateCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Apply any pending schema migrations to the run store and exit. The
  command takes the writer lock for the duration, so it fails while a
  server holds the store.
`
}

func (c *MigrateCommand) Flags() *cli.FlagSet {
	c.cfg = &ingest.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *MigrateCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)

	dbPath, err := c.cfg.DatabasePath()
	if err != nil {
		return err
	}

	guard, err := lock.Acquire(lock.PathFor(dbPath))
	if err != nil {
		return err
	}
	defer func() {
		if err := guard.Release(); err != nil {
			logger.ErrorContext(ctx, "failed to release writer lock", "error", err)
		}
	}()

	db, err := store.Open(ctx, &store.Config{
		Path:          dbPath,
		JournalMode:   c.cfg.DBJournalMode,
		Synchronous:   c.cfg.DBSynchronous,
		BusyTimeoutMS: c.cfg.DBBusyTimeoutMS,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close store", "error", err)
		}
	}()

	applied, err := db.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	ver, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "store migrated",
		"path", dbPath,
		"migrations_applied", applied,
		"schema_version", ver)
	return nil
}

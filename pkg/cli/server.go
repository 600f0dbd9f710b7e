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
	"net"
	"net/http"
	"time"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"

	"github.com/runtelhq/runtel/pkg/ingest"
	"github.com/runtelhq/runtel/pkg/lock"
	"github.com/runtelhq/runtel/pkg/store"
	"github.com/runtelhq/runtel/pkg/version"
)

// drainTimeout bounds the graceful drain of in-flight requests after a
// stop signal. Teardown proceeds once it elapses.
const drainTimeout = 30 * time.Second

var _ cli.Command = (*ServerCommand)(nil)

// ServerCommand starts the telemetry ingestion server.
type ServerCommand struct {
	cli.BaseCommand

	cfg *ingest.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	db    *store.Store
	guard *lock.Lock
}

func (c *ServerCommand) Desc() string {
	return `Start the telemetry ingestion server`
}

func (c *ServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Start the telemetry ingestion server over the local run store. The
  process takes the writer lock beside the store file; a second server
  on the same store fails startup instead of corrupting it.
`
}

func (c *ServerCommand) Flags() *cli.FlagSet {
	c.cfg = &ingest.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ServerCommand) Run(ctx context.Context, args []string) error {
	server, mux, err := c.RunUnstarted(ctx, args)
	if err != nil {
		c.cleanup(ctx)
		return err
	}
	defer c.cleanup(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartHTTPHandler(ctx, mux)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Stop signal received. Drain in-flight requests, bounded.
	select {
	case err := <-errCh:
		return err
	case <-time.After(drainTimeout):
		return fmt.Errorf("shutdown drain exceeded %s", drainTimeout)
	}
}

func (c *ServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.DebugContext(ctx, "loaded configuration", "config", c.cfg)

	dbPath, err := c.cfg.DatabasePath()
	if err != nil {
		return nil, nil, err
	}

	guard, err := lock.Acquire(lock.PathFor(dbPath))
	if err != nil {
		return nil, nil, err
	}
	c.guard = guard

	db, err := store.Open(ctx, &store.Config{
		Path:          dbPath,
		JournalMode:   c.cfg.DBJournalMode,
		Synchronous:   c.cfg.DBSynchronous,
		BusyTimeoutMS: c.cfg.DBBusyTimeoutMS,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	c.db = db

	applied, err := db.Migrate(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	ver, err := db.SchemaVersion(ctx)
	if err != nil {
		return nil, nil, err
	}
	logger.InfoContext(ctx, "store ready",
		"path", dbPath,
		"migrations_applied", applied,
		"schema_version", ver)

	ingestServer, err := ingest.NewServer(ctx, h, c.cfg, db, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server: %w", err)
	}

	mux := ingestServer.Routes(ctx)

	addr := net.JoinHostPort(c.cfg.Host, c.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	server, err := serving.NewFromListener(listener)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return server, mux, nil
}

// cleanup closes the store and releases the writer lock. Safe to call on
// every exit path.
func (c *ServerCommand) cleanup(ctx context.Context) {
	logger := logging.FromContext(ctx)

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close store", "error", err)
		}
		c.db = nil
	}
	if c.guard != nil {
		if err := c.guard.Release(); err != nil {
			logger.ErrorContext(ctx, "failed to release writer lock", "error", err)
		}
		c.guard = nil
	}
}

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

	"github.com/runtelhq/runtel/pkg/buffer"
	"github.com/runtelhq/runtel/pkg/replay"
	"github.com/runtelhq/runtel/pkg/telemetry"
	"github.com/runtelhq/runtel/pkg/transport"
)

var _ cli.Command = (*SyncCommand)(nil)

// SyncCommand drains the local spool into the ingestion service once and
// exits.
type SyncCommand struct {
	cli.BaseCommand

	cfg *telemetry.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	// testTransport is only used for testing.
	testTransport replay.Transport
}

func (c *SyncCommand) Desc() string {
	return `Replay spooled run records into the ingestion service`
}

func (c *SyncCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Run one spool drain pass. Records the service accepts are removed from
  the spool, records it terminally rejects are quarantined beside it, and
  the rest stay for the next pass.
`
}

func (c *SyncCommand) Flags() *cli.FlagSet {
	c.cfg = &telemetry.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *SyncCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)

	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	dir, err := c.cfg.SpoolDir()
	if err != nil {
		return err
	}

	buf, err := buffer.New(&buffer.Config{Dir: dir})
	if err != nil {
		return fmt.Errorf("failed to open spool: %w", err)
	}

	client := c.testTransport
	if client == nil {
		tc, err := transport.New(&transport.Config{
			BaseURL: c.cfg.APIURL,
			Token:   c.cfg.APIToken,
		})
		if err != nil {
			return fmt.Errorf("failed to create transport: %w", err)
		}
		client = tc
	}

	worker := replay.New(buf, client, &replay.Config{Interval: c.cfg.SyncInterval})

	stats, err := worker.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	logger.InfoContext(ctx, "sync complete",
		"spool_dir", dir,
		"replayed", stats.Replayed,
		"quarantined", stats.Quarantined,
		"remaining", stats.Remaining,
		"events_retained", stats.Events)
	return nil
}

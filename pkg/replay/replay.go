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

// Package replay drains the local spool into the ingestion service.
// Run entries replay in write order; a transient failure pauses the pass so
// order is preserved, a terminal rejection quarantines the entry and moves
// on. Event entries are never dispatched; the spool is their only store.
// Replay is resumable at any point because the service is idempotent on
// event id.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/jonboulle/clockwork"

	"github.com/runtelhq/runtel/pkg/buffer"
	"github.com/runtelhq/runtel/pkg/transport"
)

// DefaultInterval is the pause between drain passes.
const DefaultInterval = 60 * time.Second

var errUnknownOp = fmt.Errorf("unknown spool op")

// Transport is the subset of the ingestion client the worker needs.
type Transport interface {
	CreateRun(ctx context.Context, payload any) (*transport.CreateResult, error)
	UpdateRun(ctx context.Context, eventID string, payload any) error
	AssociateCommit(ctx context.Context, eventID string, payload any) error
}

// Config holds the worker settings.
type Config struct {
	// Interval is the pause between drain passes. Defaults to
	// DefaultInterval.
	Interval time.Duration

	// Clock overrides the time source. If nil, the wall clock is used.
	Clock clockwork.Clock
}

// Worker replays spool entries on a schedule.
type Worker struct {
	buf      *buffer.Buffer
	client   Transport
	interval time.Duration
	clock    clockwork.Clock
}

// Stats summarizes one drain pass.
type Stats struct {
	// Replayed entries were accepted by the service and removed.
	Replayed int
	// Quarantined entries were malformed or terminally rejected and moved
	// to a .rejected sibling.
	Quarantined int
	// Events are record_type=event lines, retained untouched.
	Events int
	// Remaining run entries await the next pass.
	Remaining int
}

// New returns a worker draining buf through client.
func New(buf *buffer.Buffer, client Transport, cfg *Config) *Worker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Worker{
		buf:      buf,
		client:   client,
		interval: interval,
		clock:    clock,
	}
}

// Start runs drain passes until ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "replay worker stopping")
			return nil
		case <-ticker.Chan():
			if _, err := w.RunOnce(ctx); err != nil {
				logger.WarnContext(ctx, "replay pass failed", "error", err)
			}
		}
	}
}

// RunOnce drains the spool once: every replayable entry is dispatched in
// order until the service becomes unreachable, then each touched file is
// compacted.
func (w *Worker) RunOnce(ctx context.Context) (*Stats, error) {
	logger := logging.FromContext(ctx)

	files, err := w.buf.Files()
	if err != nil {
		return nil, fmt.Errorf("failed to list spool files: %w", err)
	}

	var stats Stats
	paused := false
	for _, file := range files {
		if paused {
			if err := w.countRemaining(file, &stats); err != nil {
				return &stats, err
			}
			continue
		}
		p, err := w.drainFile(ctx, file, &stats)
		if err != nil {
			return &stats, err
		}
		paused = p
	}

	if stats.Replayed > 0 || stats.Quarantined > 0 {
		logger.InfoContext(ctx, "drained spool",
			"replayed", stats.Replayed,
			"quarantined", stats.Quarantined,
			"events", stats.Events,
			"remaining", stats.Remaining)
	}
	return &stats, nil
}

// drainFile replays one spool file and compacts it. It reports whether the
// pass should pause because the service is unreachable.
func (w *Worker) drainFile(ctx context.Context, file string, stats *Stats) (bool, error) {
	logger := logging.FromContext(ctx)

	lines, err := buffer.ReadLines(file)
	if err != nil {
		return false, fmt.Errorf("failed to read spool file: %w", err)
	}

	keep := make([]*buffer.Line, 0, len(lines))
	paused := false
	for i, line := range lines {
		if paused {
			keep = append(keep, lines[i:]...)
			for _, rest := range lines[i:] {
				if rest.Entry != nil && rest.Entry.RecordType == buffer.RecordRun {
					stats.Remaining++
				}
			}
			break
		}

		if line.Entry == nil {
			logger.WarnContext(ctx, "quarantining malformed spool line", "file", file)
			if err := w.buf.Quarantine(ctx, file, line.Raw); err != nil {
				return false, err
			}
			stats.Quarantined++
			continue
		}
		if line.Entry.RecordType != buffer.RecordRun {
			keep = append(keep, line)
			stats.Events++
			continue
		}

		err := w.dispatch(ctx, line.Entry)
		switch {
		case err == nil:
			stats.Replayed++
		case isTerminal(err):
			logger.WarnContext(ctx, "quarantining rejected spool entry",
				"file", file,
				"event_id", line.Entry.EventID,
				"op", line.Entry.Op,
				"error", err)
			if err := w.buf.Quarantine(ctx, file, line.Raw); err != nil {
				return false, err
			}
			stats.Quarantined++
		default:
			logger.WarnContext(ctx, "ingestion service unreachable, pausing replay",
				"file", file,
				"error", err)
			keep = append(keep, line)
			stats.Remaining++
			paused = true
		}
	}

	if len(keep) != len(lines) {
		if err := w.buf.Rewrite(ctx, file, keep); err != nil {
			return paused, err
		}
	}
	return paused, nil
}

func (w *Worker) countRemaining(file string, stats *Stats) error {
	lines, err := buffer.ReadLines(file)
	if err != nil {
		return fmt.Errorf("failed to read spool file: %w", err)
	}
	for _, line := range lines {
		if line.Entry != nil && line.Entry.RecordType == buffer.RecordRun {
			stats.Remaining++
		}
	}
	return nil
}

func (w *Worker) dispatch(ctx context.Context, entry *buffer.Entry) error {
	switch entry.Op {
	case buffer.OpRunCreate:
		_, err := w.client.CreateRun(ctx, entry.Payload)
		return err
	case buffer.OpRunUpdate:
		return w.client.UpdateRun(ctx, entry.EventID, entry.Payload)
	case buffer.OpCommitAssociate:
		return w.client.AssociateCommit(ctx, entry.EventID, entry.Payload)
	default:
		return fmt.Errorf("%w: %q", errUnknownOp, entry.Op)
	}
}

func isTerminal(err error) bool {
	var serr *transport.StatusError
	return errors.As(err, &serr) || errors.Is(err, errUnknownOp)
}

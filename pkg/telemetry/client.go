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

// Package telemetry is the client library for reporting agent runs. Every
// state-changing call writes twice: a primary request to the ingestion
// service and an unconditional copy to the local spool, so records survive
// service outages and are delivered later by the background sync. Telemetry
// failures are logged, never raised; only invalid caller input returns an
// error.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/runtelhq/runtel/pkg/buffer"
	"github.com/runtelhq/runtel/pkg/exporter"
	"github.com/runtelhq/runtel/pkg/replay"
	"github.com/runtelhq/runtel/pkg/runs"
	"github.com/runtelhq/runtel/pkg/transport"
)

// Transport is the subset of the ingestion client the facade needs.
type Transport interface {
	CreateRun(ctx context.Context, payload any) (*transport.CreateResult, error)
	UpdateRun(ctx context.Context, eventID string, payload any) error
	AssociateCommit(ctx context.Context, eventID string, payload any) error
}

// ClientOptions holds the test seams for New. The zero value uses the real
// collaborators derived from the config.
type ClientOptions struct {
	// TransportOverride replaces the HTTP transport.
	TransportOverride Transport

	// BufferOverride replaces the spool.
	BufferOverride *buffer.Buffer

	// ExporterOverride replaces the secondary sink client.
	ExporterOverride *exporter.Exporter

	// Clock overrides the time source. If nil, the wall clock is used.
	Clock clockwork.Clock
}

// RunRef identifies a started run.
type RunRef struct {
	// EventID is the idempotency key minted for this run, never
	// caller-supplied.
	EventID string

	// RunID is the application-level identifier, caller-supplied or
	// generated.
	RunID string
}

type activeRun struct {
	eventID   string
	agentName string
	jobType   string
	startTime time.Time
}

// Client reports agent runs to the ingestion service.
type Client struct {
	transport Transport
	buf       *buffer.Buffer
	exp       *exporter.Exporter
	clock     clockwork.Clock

	mu     sync.Mutex
	active map[string]*activeRun

	syncCancel context.CancelFunc
	syncDone   chan struct{}
	syncWorker *replay.Worker
}

// New builds a client from cfg. When sync is enabled, a background worker
// drains the spool until Close.
func New(ctx context.Context, cfg *Config, opts *ClientOptions) (*Client, error) {
	if opts == nil {
		opts = &ClientOptions{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry client config: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	tp := opts.TransportOverride
	if tp == nil {
		t, err := transport.New(&transport.Config{
			BaseURL: cfg.APIURL,
			Token:   cfg.APIToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		tp = t
	}

	buf := opts.BufferOverride
	if buf == nil {
		dir, err := cfg.SpoolDir()
		if err != nil {
			return nil, err
		}
		b, err := buffer.New(&buffer.Config{Dir: dir, Clock: clock})
		if err != nil {
			return nil, err
		}
		buf = b
	}

	exp := opts.ExporterOverride
	if exp == nil {
		exp = exporter.New(ctx, &exporter.Config{
			URL:          cfg.SheetsAPIURL,
			Enabled:      cfg.SheetsAPIEnabled,
			IngestionURL: cfg.APIURL,
		})
	}

	c := &Client{
		transport: tp,
		buf:       buf,
		exp:       exp,
		clock:     clock,
		active:    make(map[string]*activeRun),
	}

	c.syncWorker = replay.New(buf, tp, &replay.Config{
		Interval: cfg.SyncInterval,
		Clock:    clock,
	})
	if cfg.SyncEnabled {
		syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.syncCancel = cancel
		c.syncDone = make(chan struct{})
		go func() {
			defer close(c.syncDone)
			c.syncWorker.Start(syncCtx) //nolint:errcheck // Start only returns on ctx done
		}()
	}

	return c, nil
}

// StartOptions carries the optional attributes of a new run.
type StartOptions struct {
	// RunID names the run. Validated when supplied, generated when empty.
	RunID string

	// StartTime defaults to now.
	StartTime time.Time

	TriggerType    string
	Product        string
	ProductFamily  string
	Platform       string
	Subdomain      string
	Website        string
	WebsiteSection string
	ItemName       string
	Environment    string
	Host           string
	ParentRunID    string
	InsightID      string

	GitRepo       string
	GitBranch     string
	GitCommitHash string
	GitRunTag     string

	InputSummary string
	SourceRef    string
	ContextJSON  string
}

// StartRun registers a new run and reports it. The returned ref carries the
// generated event id and the effective run id.
func (c *Client) StartRun(ctx context.Context, agentName, jobType string, opts *StartOptions) (*RunRef, error) {
	if opts == nil {
		opts = &StartOptions{}
	}
	if agentName == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if jobType == "" {
		return nil, fmt.Errorf("job type is required")
	}

	runID := opts.RunID
	if runID == "" {
		runID = runs.GenerateRunID(c.clock.Now(), agentName)
	} else if err := runs.ValidateRunID(runID); err != nil {
		return nil, err
	}

	startTime := opts.StartTime
	if startTime.IsZero() {
		startTime = c.clock.Now()
	}
	eventID := uuid.NewString()

	payload := map[string]any{
		"event_id":   eventID,
		"run_id":     runID,
		"agent_name": agentName,
		"job_type":   jobType,
		"status":     runs.StatusRunning,
		"start_time": runs.FormatTimestamp(startTime),
	}
	setNonEmpty(payload, "trigger_type", opts.TriggerType)
	setNonEmpty(payload, "product", opts.Product)
	setNonEmpty(payload, "product_family", opts.ProductFamily)
	setNonEmpty(payload, "platform", opts.Platform)
	setNonEmpty(payload, "subdomain", opts.Subdomain)
	setNonEmpty(payload, "website", opts.Website)
	setNonEmpty(payload, "website_section", opts.WebsiteSection)
	setNonEmpty(payload, "item_name", opts.ItemName)
	setNonEmpty(payload, "environment", opts.Environment)
	setNonEmpty(payload, "host", opts.Host)
	setNonEmpty(payload, "parent_run_id", opts.ParentRunID)
	setNonEmpty(payload, "insight_id", opts.InsightID)
	setNonEmpty(payload, "git_repo", opts.GitRepo)
	setNonEmpty(payload, "git_branch", opts.GitBranch)
	setNonEmpty(payload, "git_commit_hash", opts.GitCommitHash)
	setNonEmpty(payload, "git_run_tag", opts.GitRunTag)
	setNonEmpty(payload, "input_summary", opts.InputSummary)
	setNonEmpty(payload, "source_ref", opts.SourceRef)
	setNonEmpty(payload, "context_json", opts.ContextJSON)

	c.mu.Lock()
	if _, exists := c.active[runID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("run id %q is already active", runID)
	}
	c.active[runID] = &activeRun{
		eventID:   eventID,
		agentName: agentName,
		jobType:   jobType,
		startTime: startTime,
	}
	c.mu.Unlock()

	c.write(ctx, buffer.OpRunCreate, eventID, payload, func(ctx context.Context) error {
		_, err := c.transport.CreateRun(ctx, payload)
		return err
	})

	return &RunRef{EventID: eventID, RunID: runID}, nil
}

// LogEvent spools a checkpoint for an active run. Events go to the spool
// only; the service never sees them.
func (c *Client) LogEvent(ctx context.Context, runID, eventType string, payload any) error {
	logger := logging.FromContext(ctx)

	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	ar, err := c.lookupActive(runID)
	if err != nil {
		return err
	}

	event := map[string]any{
		"run_id":     runID,
		"event_type": eventType,
		"timestamp":  runs.FormatTimestamp(c.clock.Now()),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
		event["payload_json"] = string(b)
	}

	if err := c.buf.AppendPayload(ctx, buffer.RecordEvent, buffer.OpEvent, ar.eventID, event); err != nil {
		logger.WarnContext(ctx, "failed to spool event",
			"run_id", runID,
			"event_type", eventType,
			"error", err)
	}
	return nil
}

// EndOptions carries the outcome of a finished run.
type EndOptions struct {
	// EndTime defaults to now.
	EndTime time.Time

	// DurationMS overrides the measured duration, zero included. When nil
	// it is computed from the tracked start time.
	DurationMS *int64

	ItemsDiscovered int64
	ItemsSucceeded  int64
	ItemsFailed     int64
	ItemsSkipped    int64

	OutputSummary string
	TargetRef     string
	ErrorSummary  string
	ErrorDetails  string
	MetricsJSON   string
}

// EndRun finishes an active run. The status accepts the legacy aliases
// (failed, completed, succeeded) and is normalized before transmission.
func (c *Client) EndRun(ctx context.Context, runID, status string, opts *EndOptions) error {
	if opts == nil {
		opts = &EndOptions{}
	}
	canonical, err := runs.NormalizeStatus(status)
	if err != nil {
		return err
	}
	ar, err := c.takeActive(runID)
	if err != nil {
		return err
	}

	endTime := opts.EndTime
	if endTime.IsZero() {
		endTime = c.clock.Now()
	}
	var duration int64
	if opts.DurationMS != nil {
		duration = *opts.DurationMS
	} else {
		duration = endTime.Sub(ar.startTime).Milliseconds()
		if duration < 0 {
			duration = 0
		}
	}

	payload := map[string]any{
		"status":           canonical,
		"end_time":         runs.FormatTimestamp(endTime),
		"duration_ms":      duration,
		"items_discovered": opts.ItemsDiscovered,
		"items_succeeded":  opts.ItemsSucceeded,
		"items_failed":     opts.ItemsFailed,
		"items_skipped":    opts.ItemsSkipped,
	}
	setNonEmpty(payload, "output_summary", opts.OutputSummary)
	setNonEmpty(payload, "target_ref", opts.TargetRef)
	setNonEmpty(payload, "error_summary", opts.ErrorSummary)
	setNonEmpty(payload, "error_details", opts.ErrorDetails)
	setNonEmpty(payload, "metrics_json", opts.MetricsJSON)

	c.write(ctx, buffer.OpRunUpdate, ar.eventID, payload, func(ctx context.Context) error {
		return c.transport.UpdateRun(ctx, ar.eventID, payload)
	})
	return nil
}

// TrackRun wraps fn in a run scope: a normal return ends the run with
// success, an error or panic ends it with failure and the original failure
// propagates unchanged.
func (c *Client) TrackRun(ctx context.Context, agentName, jobType string, opts *StartOptions, fn func(ctx context.Context, ref *RunRef) error) error {
	ref, err := c.StartRun(ctx, agentName, jobType, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			c.endQuietly(ctx, ref.RunID, runs.StatusFailure, fmt.Sprintf("panic: %v", p))
			panic(p)
		}
	}()

	if err := fn(ctx, ref); err != nil {
		c.endQuietly(ctx, ref.RunID, runs.StatusFailure, err.Error())
		return err
	}

	c.endQuietly(ctx, ref.RunID, runs.StatusSuccess, "")
	return nil
}

// CommitOptions carries optional commit attribution.
type CommitOptions struct {
	Author    string
	Timestamp time.Time
}

// AssociateCommit attaches a commit to an active run. The hash and source
// are caller input and validated here.
func (c *Client) AssociateCommit(ctx context.Context, runID, commitHash, commitSource string, opts *CommitOptions) error {
	if opts == nil {
		opts = &CommitOptions{}
	}
	if err := runs.ValidateCommitHash(commitHash); err != nil {
		return err
	}
	if err := runs.ValidateCommitSource(commitSource); err != nil {
		return err
	}
	ar, err := c.lookupActive(runID)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"commit_hash":   commitHash,
		"commit_source": commitSource,
	}
	setNonEmpty(payload, "commit_author", opts.Author)
	if !opts.Timestamp.IsZero() {
		payload["commit_timestamp"] = runs.FormatTimestamp(opts.Timestamp)
	}

	c.write(ctx, buffer.OpCommitAssociate, ar.eventID, payload, func(ctx context.Context) error {
		return c.transport.AssociateCommit(ctx, ar.eventID, payload)
	})
	return nil
}

// SyncOnce drains the spool immediately, outside the background schedule.
func (c *Client) SyncOnce(ctx context.Context) (*replay.Stats, error) {
	return c.syncWorker.RunOnce(ctx)
}

// Close stops the background sync and drains the exporter. Runs still
// active are left in the spool for the next process.
func (c *Client) Close(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	if c.syncCancel != nil {
		c.syncCancel()
		select {
		case <-c.syncDone:
		case <-ctx.Done():
			return fmt.Errorf("sync worker did not stop: %w", ctx.Err())
		}
	}
	if err := c.exp.Close(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	remaining := len(c.active)
	c.mu.Unlock()
	if remaining > 0 {
		logger.WarnContext(ctx, "closing telemetry client with active runs",
			"count", remaining)
	}
	return nil
}

// write is the dual-write path: attempt the primary request, then
// unconditionally spool a copy stamped with the delivery outcome, then hand
// the copy to the exporter. Nothing here surfaces to the caller.
func (c *Client) write(ctx context.Context, op, eventID string, payload map[string]any, send func(context.Context) error) {
	logger := logging.FromContext(ctx)

	posted := false
	if err := send(ctx); err != nil {
		logger.WarnContext(ctx, "primary telemetry write failed",
			"op", op,
			"event_id", eventID,
			"error", err)
	} else {
		posted = true
	}

	spooled := maps.Clone(payload)
	if op != buffer.OpCommitAssociate {
		spooled["api_posted"] = posted
		if posted {
			spooled["api_posted_at"] = runs.FormatTimestamp(c.clock.Now())
		}
	}

	if err := c.buf.AppendPayload(ctx, buffer.RecordRun, op, eventID, spooled); err != nil {
		logger.WarnContext(ctx, "failed to spool telemetry write",
			"op", op,
			"event_id", eventID,
			"error", err)
	}

	c.exp.Export(ctx, spooled)
}

func (c *Client) lookupActive(runID string) (*activeRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ar, ok := c.active[runID]
	if !ok {
		return nil, fmt.Errorf("unknown run id %q", runID)
	}
	return ar, nil
}

func (c *Client) takeActive(runID string) (*activeRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ar, ok := c.active[runID]
	if !ok {
		return nil, fmt.Errorf("unknown run id %q", runID)
	}
	delete(c.active, runID)
	return ar, nil
}

func (c *Client) endQuietly(ctx context.Context, runID, status, errorSummary string) {
	logger := logging.FromContext(ctx)

	var opts *EndOptions
	if errorSummary != "" {
		opts = &EndOptions{ErrorSummary: errorSummary}
	}
	if err := c.EndRun(ctx, runID, status, opts); err != nil {
		logger.WarnContext(ctx, "failed to end tracked run",
			"run_id", runID,
			"error", err)
	}
}

func setNonEmpty(payload map[string]any, key, value string) {
	if value != "" {
		payload[key] = value
	}
}

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

// Package exporter posts run payloads to an optional secondary sink, such
// as a spreadsheet webhook. Export enqueues and returns immediately; a
// background task delivers with the transport retry policy and drops the
// payload on exhaustion. The exporter never blocks or fails the main
// telemetry path.
package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/sethvargo/go-retry"
)

const (
	defaultQueueSize = 256
	defaultTimeout   = 10 * time.Second

	retryMaxAttempts uint64 = 3
)

// Config holds the exporter settings.
type Config struct {
	// URL is the external sink endpoint.
	URL string

	// Enabled turns the exporter on. Both Enabled and a non-empty URL are
	// required.
	Enabled bool

	// IngestionURL is the primary ingestion endpoint. A sink URL pointing
	// at the same host is a misconfiguration and disables the exporter.
	IngestionURL string

	// QueueSize bounds the in-flight queue. Defaults to 256.
	QueueSize int

	// Timeout bounds each delivery attempt. Defaults to 10s.
	Timeout time.Duration

	// RetryBase is the first delay of the retry ladder. Defaults to one
	// second; tests shorten it.
	RetryBase time.Duration
}

// Exporter is the fire-and-forget sink client.
type Exporter struct {
	url       string
	enabled   bool
	retryBase time.Duration
	client    *http.Client

	queue chan json.RawMessage

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// New validates the sink configuration and, when it is usable, starts the
// background delivery task. A disabled or misconfigured exporter is still
// safe to use; Export becomes a no-op.
func New(ctx context.Context, cfg *Config) *Exporter {
	logger := logging.FromContext(ctx)

	enabled := cfg.Enabled && cfg.URL != ""
	if enabled {
		if reason := sinkMisconfigured(cfg.URL, cfg.IngestionURL); reason != "" {
			logger.WarnContext(ctx, "disabling exporter",
				"url", cfg.URL,
				"reason", reason)
			enabled = false
		}
	}
	if !enabled {
		return &Exporter{}
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = 1 * time.Second
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &Exporter{
		url:       cfg.URL,
		enabled:   true,
		retryBase: retryBase,
		client:    &http.Client{Timeout: timeout},
		queue:     make(chan json.RawMessage, queueSize),
		ctx:       runCtx,
		cancel:    cancel,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

// Enabled reports whether payloads will actually be delivered.
func (e *Exporter) Enabled() bool {
	return e.enabled
}

// Export enqueues a payload for delivery and returns immediately. A full
// queue drops the payload.
func (e *Exporter) Export(ctx context.Context, payload any) {
	if !e.enabled {
		return
	}
	logger := logging.FromContext(ctx)

	body, err := json.Marshal(payload)
	if err != nil {
		logger.InfoContext(ctx, "dropping exporter payload",
			"reason", "encode failure",
			"error", err)
		return
	}
	select {
	case e.queue <- body:
	default:
		logger.InfoContext(ctx, "dropping exporter payload",
			"reason", "queue full")
	}
}

// Close stops the exporter, draining already-queued payloads until ctx
// expires.
func (e *Exporter) Close(ctx context.Context) error {
	if !e.enabled {
		return nil
	}
	e.closeOnce.Do(func() { close(e.quit) })

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		e.cancel()
		<-e.done
		return fmt.Errorf("exporter drain aborted: %w", ctx.Err())
	}
}

func (e *Exporter) run() {
	defer close(e.done)

	for {
		select {
		case <-e.quit:
			for {
				select {
				case body := <-e.queue:
					e.post(body)
				default:
					return
				}
			}
		case body := <-e.queue:
			e.post(body)
		}
	}
}

func (e *Exporter) post(body json.RawMessage) {
	logger := logging.FromContext(e.ctx)

	backoff := retry.WithMaxRetries(retryMaxAttempts, retry.NewExponential(e.retryBase))
	err := retry.Do(e.ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("request failed: %w", err))
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck // response body is irrelevant

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		logger.InfoContext(e.ctx, "dropping exporter payload",
			"reason", "delivery failed",
			"error", err)
	}
}

// sinkMisconfigured returns a non-empty reason when the sink URL cannot be
// used.
func sinkMisconfigured(sinkURL, ingestionURL string) string {
	sink, err := url.Parse(sinkURL)
	if err != nil || sink.Host == "" {
		return "sink URL is not a valid absolute URL"
	}
	if ingestionURL == "" {
		return ""
	}
	ingest, err := url.Parse(ingestionURL)
	if err != nil {
		return ""
	}
	if sink.Host == ingest.Host {
		return "sink URL points at the ingestion service"
	}
	return ""
}

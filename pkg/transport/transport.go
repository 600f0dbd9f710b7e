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

// Package transport is the HTTP client for the ingestion service. Requests
// carry client-minted event ids, so the service converts duplicates to
// success and the transport may retry freely. Transient failures (network
// errors, timeouts, 5xx) retry with 1, 2 and 4 second delays; 4xx responses
// are contract violations and never retry.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/runtelhq/runtel/pkg/version"
)

// DefaultTimeout bounds a single request attempt.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

const retryMaxAttempts uint64 = 3

// ErrUnavailable marks a request that kept failing transiently through the
// whole retry budget. The caller's spool guarantees eventual delivery.
var ErrUnavailable = fmt.Errorf("ingestion service unavailable")

// StatusError is a non-retryable 4xx response from the ingestion service.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request rejected with status %d: %s", e.StatusCode, e.Detail)
}

// Config holds the transport settings.
type Config struct {
	// BaseURL is the ingestion service root, for example
	// "http://127.0.0.1:8765".
	BaseURL string

	// Token is sent as a bearer token when non-empty.
	Token string

	// Timeout bounds each attempt. Defaults to DefaultTimeout.
	Timeout time.Duration

	// RetryBase is the first delay of the retry ladder. Defaults to one
	// second; tests shorten it.
	RetryBase time.Duration
}

// Client talks to the ingestion service.
type Client struct {
	baseURL   string
	token     string
	retryBase time.Duration
	client    *http.Client
}

// New returns a transport for the service at cfg.BaseURL.
func New(cfg *Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = 1 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		token:     cfg.Token,
		retryBase: retryBase,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// CreateResult reports how the service filed a run creation.
type CreateResult struct {
	Status string `json:"status"`
}

// Duplicate is true when the service already held a run with this event id.
func (r *CreateResult) Duplicate() bool {
	return r.Status == "duplicate"
}

// CreateRun posts a new run record.
func (c *Client) CreateRun(ctx context.Context, payload any) (*CreateResult, error) {
	var result CreateResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateRun patches an existing run record.
func (c *Client) UpdateRun(ctx context.Context, eventID string, payload any) error {
	return c.do(ctx, http.MethodPatch, "/api/v1/runs/"+url.PathEscape(eventID), payload, nil)
}

// AssociateCommit attaches commit attribution to an existing run record.
func (c *Client) AssociateCommit(ctx context.Context, eventID string, payload any) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(eventID)+"/associate-commit", payload, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}

	backoff := retry.WithMaxRetries(retryMaxAttempts, retry.NewExponential(c.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", version.Name+"/"+version.Version)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("request failed: %w", err))
		}
		defer resp.Body.Close()

		content, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to read response body: %w", err))
		}
		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("status %d: %s", resp.StatusCode, content))
		}
		if resp.StatusCode >= 400 {
			return &StatusError{StatusCode: resp.StatusCode, Detail: extractDetail(content)}
		}
		if out != nil {
			if err := json.Unmarshal(content, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		var serr *StatusError
		if errors.As(err, &serr) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// extractDetail pulls the detail field out of an error body, falling back
// to the raw body.
func extractDetail(body []byte) string {
	var shape struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &shape); err == nil && len(shape.Detail) > 0 {
		var s string
		if err := json.Unmarshal(shape.Detail, &s); err == nil {
			return s
		}
		return string(shape.Detail)
	}
	return strings.TrimSpace(string(body))
}

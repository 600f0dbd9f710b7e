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

// Package ingest implements the HTTP ingestion service for telemetry runs.
// It exposes the versioned run API backed by the sqlite store, plus health
// and metrics surfaces that stay outside authentication and rate limiting.
package ingest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runtelhq/runtel/pkg/store"
)

// Server holds the ingestion service dependencies.
type Server struct {
	h       *renderer.Renderer
	cfg     *Config
	store   *store.Store
	cache   *metadataCache
	metrics *serverMetrics
	limiter *rateLimiter
}

// ServerOptions are optional overrides used by tests.
type ServerOptions struct {
	// Clock drives metadata cache expiry. Defaults to the wall clock.
	Clock clockwork.Clock
}

// NewServer creates a new HTTP server implementation that serves the run
// ingestion API over the given store.
func NewServer(ctx context.Context, h *renderer.Renderer, cfg *Config, db *store.Store, opts *ServerOptions) (*Server, error) {
	if opts == nil {
		opts = &ServerOptions{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Server{
		h:       h,
		cfg:     cfg,
		store:   db,
		cache:   newMetadataCache(db, clock),
		metrics: newServerMetrics(db.BusyRetries),
	}
	if cfg.RateLimitEnabled {
		s.limiter = newRateLimiter(cfg.RateLimitRPM, clock)
	}
	return s, nil
}

// Routes creates the route tree that this server supports. The health and
// metrics surfaces sit outside the authenticated API group.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)

	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Method(http.MethodGet, "/healthz", healthcheck.HandleHTTPHealthCheck())
	r.Method(http.MethodGet, "/health", s.handleHealth())
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Method(http.MethodPost, "/runs", s.handleCreateRun())
		r.Method(http.MethodPost, "/runs/batch", s.handleCreateBatch())
		r.Method(http.MethodGet, "/runs", s.handleListRuns())
		r.Method(http.MethodGet, "/runs/{event_id}", s.handleGetRun())
		r.Method(http.MethodPatch, "/runs/{event_id}", s.handleUpdateRun())
		r.Method(http.MethodPost, "/runs/{event_id}/associate-commit", s.handleAssociateCommit())
		r.Method(http.MethodGet, "/runs/{event_id}/commit-url", s.handleCommitURL())
		r.Method(http.MethodGet, "/runs/{event_id}/repo-url", s.handleRepoURL())
		r.Method(http.MethodGet, "/metadata", s.handleMetadata())
	})

	return logging.HTTPInterceptor(logger, "")(r)
}

// healthResponse reports store diagnostics alongside the overall status.
type healthResponse struct {
	Status        string        `json:"status"`
	Database      string        `json:"database"`
	Pragmas       store.Pragmas `json:"pragmas"`
	SchemaVersion int           `json:"schema_version"`
	Runs          int64         `json:"runs"`
	Commits       int64         `json:"commits"`
	Integrity     string        `json:"integrity,omitempty"`
}

// handleHealth reports readiness diagnostics. It always answers 200; a
// store that fails verification is reported as degraded rather than
// failing the request. Passing ?integrity=true additionally runs the
// engine's quick integrity check.
func (s *Server) handleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		resp := &healthResponse{
			Status:   "ok",
			Database: s.store.Path(),
		}

		pragmas, err := s.store.VerifyPragmas(ctx)
		if err != nil {
			logger.WarnContext(ctx, "pragma verification failed", "error", err)
			resp.Status = "degraded"
			pragmas = s.store.Pragmas()
		}
		resp.Pragmas = pragmas

		if v, err := s.store.SchemaVersion(ctx); err != nil {
			logger.WarnContext(ctx, "failed to read schema version", "error", err)
			resp.Status = "degraded"
		} else {
			resp.SchemaVersion = v
		}

		if n, err := s.store.CountRuns(ctx); err != nil {
			logger.WarnContext(ctx, "failed to count runs", "error", err)
			resp.Status = "degraded"
		} else {
			resp.Runs = n
		}

		if n, err := s.store.CountCommits(ctx); err != nil {
			logger.WarnContext(ctx, "failed to count commits", "error", err)
			resp.Status = "degraded"
		} else {
			resp.Commits = n
		}

		if want, _ := strconv.ParseBool(r.URL.Query().Get("integrity")); want {
			result, err := s.store.IntegrityCheck(ctx)
			if err != nil {
				logger.WarnContext(ctx, "integrity check failed", "error", err)
				resp.Status = "degraded"
				result = "failed"
			}
			resp.Integrity = result
		}

		s.h.RenderJSON(w, http.StatusOK, resp)
	})
}

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

package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/runtelhq/runtel/pkg/runs"
	"github.com/runtelhq/runtel/pkg/store"
)

type createResponse struct {
	Status string `json:"status"`
}

type batchItemError struct {
	Index  int    `json:"index"`
	Detail string `json:"detail"`
}

type batchResponse struct {
	Inserted   int              `json:"inserted"`
	Duplicates int              `json:"duplicates"`
	Errors     []batchItemError `json:"errors"`
	Total      int              `json:"total"`
}

type updateResponse struct {
	Updated       bool     `json:"updated"`
	FieldsUpdated []string `json:"fields_updated"`
}

type associateResponse struct {
	Status     string `json:"status"`
	EventID    string `json:"event_id"`
	CommitHash string `json:"commit_hash"`
}

type commitURLResponse struct {
	EventID   string  `json:"event_id"`
	CommitURL *string `json:"commit_url"`
}

type repoURLResponse struct {
	EventID string  `json:"event_id"`
	RepoURL *string `json:"repo_url"`
}

type metadataResponse struct {
	Agents   []string `json:"agents"`
	JobTypes []string `json:"job_types"`
	CacheHit bool     `json:"cache_hit"`
}

// handleCreateRun accepts a single run record. A replayed event_id is an
// idempotent success and answers 201 like a fresh insert.
func (s *Server) handleCreateRun() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req runs.CreateRequest
		if !s.decodeBody(w, r, &req) {
			return
		}

		run, errs := req.ToRun()
		if len(errs) > 0 {
			s.renderFieldErrors(w, errs)
			return
		}

		// The insert finishes even if the client disconnects mid-request.
		if err := s.store.InsertRun(context.WithoutCancel(ctx), run); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				s.metrics.runsDuplicate.Inc()
				s.h.RenderJSON(w, http.StatusCreated, &createResponse{Status: "duplicate"})
				return
			}
			s.renderStoreError(w, r, "insert_run", err)
			return
		}

		s.metrics.runsCreated.Inc()
		s.cache.Invalidate()
		s.h.RenderJSON(w, http.StatusCreated, &createResponse{Status: "created"})
	})
}

// handleCreateBatch accepts an array of run records and reports per-item
// outcomes. Validation failures are collected by index instead of failing
// the batch; a store fault aborts it.
func (s *Server) handleCreateBatch() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var reqs []*runs.CreateRequest
		if !s.decodeBody(w, r, &reqs) {
			return
		}

		resp := &batchResponse{
			Errors: []batchItemError{},
			Total:  len(reqs),
		}

		sctx := context.WithoutCancel(ctx)
		for i, req := range reqs {
			if req == nil {
				resp.Errors = append(resp.Errors, batchItemError{Index: i, Detail: "item is null"})
				continue
			}

			run, errs := req.ToRun()
			if len(errs) > 0 {
				resp.Errors = append(resp.Errors, batchItemError{Index: i, Detail: fieldErrorDetail(errs)})
				continue
			}

			if err := s.store.InsertRun(sctx, run); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					resp.Duplicates++
					continue
				}
				s.renderStoreError(w, r, "insert_batch", err)
				return
			}
			resp.Inserted++
		}

		if resp.Inserted > 0 {
			s.metrics.runsCreated.Add(float64(resp.Inserted))
			s.cache.Invalidate()
		}
		if resp.Duplicates > 0 {
			s.metrics.runsDuplicate.Add(float64(resp.Duplicates))
		}
		s.h.RenderJSON(w, http.StatusOK, resp)
	})
}

// fieldErrorDetail flattens field errors into a single batch item detail,
// like "body.event_id: field required".
func fieldErrorDetail(errs []runs.FieldError) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		loc := make([]string, 0, len(fe.Loc))
		for _, l := range fe.Loc {
			loc = append(loc, fmt.Sprint(l))
		}
		parts = append(parts, fmt.Sprintf("%s: %s", strings.Join(loc, "."), fe.Msg))
	}
	return strings.Join(parts, "; ")
}

// handleListRuns queries runs newest-first with optional filters. Status
// filters accept the same aliases as ingest and normalize before matching.
func (s *Server) handleListRuns() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		q := r.URL.Query()

		f := &store.Filter{
			AgentName: q.Get("agent_name"),
			JobType:   q.Get("job_type"),
			Limit:     store.DefaultQueryLimit,
		}

		if v := q.Get("status"); v != "" {
			canonical, err := runs.NormalizeStatus(v)
			if err != nil {
				s.renderDetail(w, http.StatusBadRequest, err.Error())
				return
			}
			f.Status = canonical
		}

		for _, p := range []struct {
			name string
			dst  *string
		}{
			{"created_before", &f.CreatedBefore},
			{"created_after", &f.CreatedAfter},
			{"start_time_from", &f.StartTimeFrom},
			{"start_time_to", &f.StartTimeTo},
		} {
			v := q.Get(p.name)
			if v == "" {
				continue
			}
			normalized, err := runs.NormalizeTimestamp(v)
			if err != nil {
				s.renderDetail(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: %s", p.name, err))
				return
			}
			*p.dst = normalized
		}

		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				s.renderDetail(w, http.StatusBadRequest, fmt.Sprintf("limit must be an integer, got %q", v))
				return
			}
			if n < 1 || n > store.MaxQueryLimit {
				s.renderDetail(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d, got %d", store.MaxQueryLimit, n))
				return
			}
			f.Limit = n
		}

		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				s.renderDetail(w, http.StatusBadRequest, fmt.Sprintf("offset must be a non-negative integer, got %q", v))
				return
			}
			f.Offset = n
		}

		results, err := s.store.QueryRuns(ctx, f)
		if err != nil {
			s.renderStoreError(w, r, "query_runs", err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, results)
	})
}

func (s *Server) handleGetRun() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		eventID := chi.URLParam(r, "event_id")

		run, err := s.store.GetRun(ctx, eventID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.renderDetail(w, http.StatusNotFound, "run not found")
				return
			}
			s.renderStoreError(w, r, "get_run", err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, run)
	})
}

// handleUpdateRun applies a partial update. Null fields are ignored, at
// least one non-null field is required, and the record's updated_at is
// left alone so it keeps reflecting ingest-side activity.
func (s *Server) handleUpdateRun() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		eventID := chi.URLParam(r, "event_id")

		var req runs.UpdateRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		if errs := req.Validate(); len(errs) > 0 {
			s.renderFieldErrors(w, errs)
			return
		}

		changes, fields := req.Changes()
		if len(fields) == 0 {
			s.renderDetail(w, http.StatusBadRequest, "no fields to update")
			return
		}

		if err := s.store.UpdateRun(context.WithoutCancel(ctx), eventID, changes, fields); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.renderDetail(w, http.StatusNotFound, "run not found")
				return
			}
			s.renderStoreError(w, r, "update_run", err)
			return
		}

		s.cache.Invalidate()
		s.h.RenderJSON(w, http.StatusOK, &updateResponse{Updated: true, FieldsUpdated: fields})
	})
}

// handleAssociateCommit attaches commit provenance to a run. Every call is
// an authoritative overwrite and bumps updated_at; prior associations stay
// in the commits audit table.
func (s *Server) handleAssociateCommit() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		eventID := chi.URLParam(r, "event_id")

		var req runs.AssociateCommitRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		if errs := req.Validate(); len(errs) > 0 {
			s.renderFieldErrors(w, errs)
			return
		}

		err := s.store.AssociateCommit(context.WithoutCancel(ctx), eventID,
			req.CommitHash, req.CommitSource, req.CommitAuthor, req.CommitTimestamp)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.renderDetail(w, http.StatusNotFound, "run not found")
				return
			}
			s.renderStoreError(w, r, "associate_commit", err)
			return
		}

		s.cache.Invalidate()
		s.h.RenderJSON(w, http.StatusOK, &associateResponse{
			Status:     "associated",
			EventID:    eventID,
			CommitHash: req.CommitHash,
		})
	})
}

// handleCommitURL derives a browsable commit URL from the run's git remote.
// Unknown hosts or missing git fields answer 200 with a null URL.
func (s *Server) handleCommitURL() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		eventID := chi.URLParam(r, "event_id")

		run, err := s.store.GetRun(ctx, eventID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.renderDetail(w, http.StatusNotFound, "run not found")
				return
			}
			s.renderStoreError(w, r, "get_run", err)
			return
		}

		var commitURL *string
		if run.GitRepo != nil && run.GitCommitHash != nil {
			if u, ok := runs.CommitWebURL(*run.GitRepo, *run.GitCommitHash); ok {
				commitURL = &u
			}
		}
		s.h.RenderJSON(w, http.StatusOK, &commitURLResponse{EventID: eventID, CommitURL: commitURL})
	})
}

func (s *Server) handleRepoURL() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		eventID := chi.URLParam(r, "event_id")

		run, err := s.store.GetRun(ctx, eventID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.renderDetail(w, http.StatusNotFound, "run not found")
				return
			}
			s.renderStoreError(w, r, "get_run", err)
			return
		}

		var repoURL *string
		if run.GitRepo != nil {
			if u, ok := runs.RepoWebURL(*run.GitRepo); ok {
				repoURL = &u
			}
		}
		s.h.RenderJSON(w, http.StatusOK, &repoURLResponse{EventID: eventID, RepoURL: repoURL})
	})
}

// handleMetadata serves the distinct agents and job types snapshot from the
// TTL cache, reporting whether this request was served from it.
func (s *Server) handleMetadata() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		snap, hit, err := s.cache.Lookup(ctx)
		if err != nil {
			s.renderStoreError(w, r, "metadata", err)
			return
		}
		if hit {
			s.metrics.cacheHits.Inc()
		} else {
			s.metrics.cacheMisses.Inc()
		}
		s.h.RenderJSON(w, http.StatusOK, &metadataResponse{
			Agents:   snap.Agents,
			JobTypes: snap.JobTypes,
			CacheHit: hit,
		})
	})
}

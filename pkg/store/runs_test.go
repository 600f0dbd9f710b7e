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

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/runtelhq/runtel/pkg/runs"
)

func TestInsertRun_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := testStore(t)

	run := testRun("evt-1", "price-scraper")
	if err := s.InsertRun(ctx, run); err != nil {
		t.Fatalf("failed to insert run: %v", err)
	}

	if run.ID == 0 {
		t.Errorf("expected a surrogate id to be assigned")
	}
	if got, want := run.CreatedAt, "2025-06-01T12:00:00Z"; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}
	if got, want := run.UpdatedAt, run.CreatedAt; got != want {
		t.Errorf("expected %q to be %q", got, want)
	}

	got, err := s.GetRun(ctx, "evt-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if diff := cmp.Diff(run, got); diff != "" {
		t.Errorf("run mismatch (-want, +got):\n%s", diff)
	}
}

func TestInsertRun_Duplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := testStore(t)

	first := testRun("evt-1", "price-scraper")
	if err := s.InsertRun(ctx, first); err != nil {
		t.Fatalf("failed to insert run: %v", err)
	}

	second := testRun("evt-1", "someone-else")
	err := s.InsertRun(ctx, second)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// The original row is untouched.
	got, err := s.GetRun(ctx, "evt-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if gotAgent, want := got.AgentName, "price-scraper"; gotAgent != want {
		t.Errorf("expected %q to be %q", gotAgent, want)
	}

	n, err := s.CountRuns(ctx)
	if err != nil {
		t.Fatalf("failed to count runs: %v", err)
	}
	if got, want := n, int64(1); got != want {
		t.Errorf("expected %d to be %d", got, want)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	t.Parallel()

	s, _ := testStore(t)

	if _, err := s.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, clock := testStore(t)

	run := testRun("evt-1", "price-scraper")
	if err := s.InsertRun(ctx, run); err != nil {
		t.Fatalf("failed to insert run: %v", err)
	}
	clock.Advance(5 * time.Minute)

	changes := map[string]any{
		"status":          runs.StatusSuccess,
		"end_time":        "2025-06-01T12:05:00Z",
		"duration_ms":     int64(300000),
		"items_succeeded": int64(12),
	}
	fields := []string{"status", "end_time", "duration_ms", "items_succeeded"}
	if err := s.UpdateRun(ctx, "evt-1", changes, fields); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	got, err := s.GetRun(ctx, "evt-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if gotStatus, want := got.Status, runs.StatusSuccess; gotStatus != want {
		t.Errorf("expected %q to be %q", gotStatus, want)
	}
	if got.EndTime == nil || *got.EndTime != "2025-06-01T12:05:00Z" {
		t.Errorf("expected end_time to be set, got %v", got.EndTime)
	}
	if gotDur, want := got.DurationMS, int64(300000); gotDur != want {
		t.Errorf("expected %d to be %d", gotDur, want)
	}
	if gotItems, want := got.ItemsSucceeded, int64(12); gotItems != want {
		t.Errorf("expected %d to be %d", gotItems, want)
	}

	// Lifecycle updates never bump updated_at.
	if gotUpdated, want := got.UpdatedAt, got.CreatedAt; gotUpdated != want {
		t.Errorf("expected %q to be %q", gotUpdated, want)
	}
}

func TestUpdateRun_NotFound(t *testing.T) {
	t.Parallel()

	s, _ := testStore(t)

	err := s.UpdateRun(context.Background(), "missing",
		map[string]any{"status": runs.StatusFailure}, []string{"status"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRun_NoFields(t *testing.T) {
	t.Parallel()

	s, _ := testStore(t)

	if err := s.UpdateRun(context.Background(), "evt-1", nil, nil); err == nil {
		t.Errorf("expected an error, got nil")
	}
}

func TestAssociateCommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, clock := testStore(t)

	run := testRun("evt-1", "price-scraper")
	if err := s.InsertRun(ctx, run); err != nil {
		t.Fatalf("failed to insert run: %v", err)
	}
	createdAt := run.CreatedAt
	clock.Advance(10 * time.Minute)

	author := "dev@example.com"
	if err := s.AssociateCommit(ctx, "evt-1", "abc1234", runs.CommitSourceManual, &author, nil); err != nil {
		t.Fatalf("failed to associate commit: %v", err)
	}

	got, err := s.GetRun(ctx, "evt-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.GitCommitHash == nil || *got.GitCommitHash != "abc1234" {
		t.Errorf("expected commit hash to be set, got %v", got.GitCommitHash)
	}
	if got.GitCommitSource == nil || *got.GitCommitSource != runs.CommitSourceManual {
		t.Errorf("expected commit source to be set, got %v", got.GitCommitSource)
	}
	if got.GitCommitAuthor == nil || *got.GitCommitAuthor != author {
		t.Errorf("expected commit author to be set, got %v", got.GitCommitAuthor)
	}

	// Association is the one write that bumps updated_at.
	if got.UpdatedAt == createdAt {
		t.Errorf("expected updated_at to advance past %q", createdAt)
	}
	if gotUpdated, want := got.UpdatedAt, "2025-06-01T12:10:00Z"; gotUpdated != want {
		t.Errorf("expected %q to be %q", gotUpdated, want)
	}

	cs, err := s.ListCommits(ctx, "evt-1")
	if err != nil {
		t.Fatalf("failed to list commits: %v", err)
	}
	if got, want := len(cs), 1; got != want {
		t.Fatalf("expected %d commits to be %d", got, want)
	}
	if gotHash, want := cs[0].CommitHash, "abc1234"; gotHash != want {
		t.Errorf("expected %q to be %q", gotHash, want)
	}
}

func TestAssociateCommit_Reassociate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := testStore(t)

	run := testRun("evt-1", "price-scraper")
	if err := s.InsertRun(ctx, run); err != nil {
		t.Fatalf("failed to insert run: %v", err)
	}

	if err := s.AssociateCommit(ctx, "evt-1", "abc1234", runs.CommitSourceManual, nil, nil); err != nil {
		t.Fatalf("failed to associate commit: %v", err)
	}

	// Same hash, new source. The caller wins and no new audit row appears.
	if err := s.AssociateCommit(ctx, "evt-1", "abc1234", runs.CommitSourceLLM, nil, nil); err != nil {
		t.Fatalf("failed to re-associate commit: %v", err)
	}

	cs, err := s.ListCommits(ctx, "evt-1")
	if err != nil {
		t.Fatalf("failed to list commits: %v", err)
	}
	if got, want := len(cs), 1; got != want {
		t.Fatalf("expected %d commits to be %d", got, want)
	}
	if gotSource, want := cs[0].CommitSource, runs.CommitSourceLLM; gotSource != want {
		t.Errorf("expected %q to be %q", gotSource, want)
	}

	// A different hash appends a second audit row and replaces the run's
	// attribution.
	if err := s.AssociateCommit(ctx, "evt-1", "def5678", runs.CommitSourceCI, nil, nil); err != nil {
		t.Fatalf("failed to associate second commit: %v", err)
	}

	cs, err = s.ListCommits(ctx, "evt-1")
	if err != nil {
		t.Fatalf("failed to list commits: %v", err)
	}
	if got, want := len(cs), 2; got != want {
		t.Fatalf("expected %d commits to be %d", got, want)
	}

	got, err := s.GetRun(ctx, "evt-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.GitCommitHash == nil || *got.GitCommitHash != "def5678" {
		t.Errorf("expected commit hash to be replaced, got %v", got.GitCommitHash)
	}
}

func TestAssociateCommit_NotFound(t *testing.T) {
	t.Parallel()

	s, _ := testStore(t)

	err := s.AssociateCommit(context.Background(), "missing", "abc1234", runs.CommitSourceManual, nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, clock := testStore(t)

	// Three runs, one second apart: evt-1 at 12:00:00, evt-2 at 12:00:01,
	// evt-3 at 12:00:02.
	seed := []*runs.Run{
		testRun("evt-1", "price-scraper"),
		testRun("evt-2", "price-scraper"),
		testRun("evt-3", "catalog-sync"),
	}
	seed[1].Status = runs.StatusSuccess
	seed[2].JobType = "sync"
	for i, run := range seed {
		if i > 0 {
			clock.Advance(time.Second)
		}
		if err := s.InsertRun(ctx, run); err != nil {
			t.Fatalf("failed to insert run %d: %v", i, err)
		}
	}

	cases := []struct {
		name   string
		filter *Filter
		want   []string
	}{
		{
			name:   "all_newest_first",
			filter: &Filter{},
			want:   []string{"evt-3", "evt-2", "evt-1"},
		},
		{
			name:   "by_agent",
			filter: &Filter{AgentName: "price-scraper"},
			want:   []string{"evt-2", "evt-1"},
		},
		{
			name:   "by_status",
			filter: &Filter{Status: runs.StatusSuccess},
			want:   []string{"evt-2"},
		},
		{
			name:   "by_job_type",
			filter: &Filter{JobType: "sync"},
			want:   []string{"evt-3"},
		},
		{
			name:   "created_before_exclusive",
			filter: &Filter{CreatedBefore: "2025-06-01T12:00:01Z"},
			want:   []string{"evt-1"},
		},
		{
			name:   "created_after_exclusive",
			filter: &Filter{CreatedAfter: "2025-06-01T12:00:01Z"},
			want:   []string{"evt-3"},
		},
		{
			name:   "limit",
			filter: &Filter{Limit: 2},
			want:   []string{"evt-3", "evt-2"},
		},
		{
			name:   "offset",
			filter: &Filter{Limit: 2, Offset: 2},
			want:   []string{"evt-1"},
		},
		{
			name:   "no_match",
			filter: &Filter{AgentName: "nobody"},
			want:   []string{},
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := s.QueryRuns(ctx, tc.filter)
			if err != nil {
				t.Fatalf("failed to query runs: %v", err)
			}
			ids := make([]string, 0, len(got))
			for _, r := range got {
				ids = append(ids, r.EventID)
			}
			if diff := cmp.Diff(tc.want, ids); diff != "" {
				t.Errorf("event ids mismatch (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestQueryRuns_StartTimeInclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := testStore(t)

	early := testRun("evt-1", "price-scraper")
	early.StartTime = "2025-06-01T10:00:00Z"
	late := testRun("evt-2", "price-scraper")
	late.StartTime = "2025-06-01T11:00:00Z"
	for _, run := range []*runs.Run{early, late} {
		if err := s.InsertRun(ctx, run); err != nil {
			t.Fatalf("failed to insert run: %v", err)
		}
	}

	got, err := s.QueryRuns(ctx, &Filter{
		StartTimeFrom: "2025-06-01T10:00:00Z",
		StartTimeTo:   "2025-06-01T11:00:00Z",
	})
	if err != nil {
		t.Fatalf("failed to query runs: %v", err)
	}
	if gotLen, want := len(got), 2; gotLen != want {
		t.Errorf("expected %d runs to be %d", gotLen, want)
	}
}

func TestQueryRuns_TieBreak(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := testStore(t)

	// Same created_at second for all three; higher surrogate ids sort first.
	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		if err := s.InsertRun(ctx, testRun(id, "price-scraper")); err != nil {
			t.Fatalf("failed to insert run: %v", err)
		}
	}

	got, err := s.QueryRuns(ctx, &Filter{})
	if err != nil {
		t.Fatalf("failed to query runs: %v", err)
	}
	ids := make([]string, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.EventID)
	}
	if diff := cmp.Diff([]string{"evt-3", "evt-2", "evt-1"}, ids); diff != "" {
		t.Errorf("event ids mismatch (-want, +got):\n%s", diff)
	}
}

func TestListDistinct(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := testStore(t)

	runsToSeed := []*runs.Run{
		testRun("evt-1", "price-scraper"),
		testRun("evt-2", "price-scraper"),
		testRun("evt-3", "catalog-sync"),
	}
	runsToSeed[2].JobType = "sync"
	for _, run := range runsToSeed {
		if err := s.InsertRun(ctx, run); err != nil {
			t.Fatalf("failed to insert run: %v", err)
		}
	}

	agents, err := s.ListDistinctAgents(ctx)
	if err != nil {
		t.Fatalf("failed to list agents: %v", err)
	}
	if diff := cmp.Diff([]string{"catalog-sync", "price-scraper"}, agents); diff != "" {
		t.Errorf("agents mismatch (-want, +got):\n%s", diff)
	}

	jobTypes, err := s.ListDistinctJobTypes(ctx)
	if err != nil {
		t.Fatalf("failed to list job types: %v", err)
	}
	if diff := cmp.Diff([]string{"scrape", "sync"}, jobTypes); diff != "" {
		t.Errorf("job types mismatch (-want, +got):\n%s", diff)
	}
}

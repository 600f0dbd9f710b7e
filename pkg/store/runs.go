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
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/runtelhq/runtel/pkg/runs"
)

// Query paging bounds for run listings.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

const insertRunQuery = `INSERT INTO agent_runs (
	event_id, run_id, agent_name, job_type,
	trigger_type, product, product_family, platform, subdomain, website,
	website_section, item_name, environment, host, parent_run_id, insight_id,
	status, start_time, end_time, duration_ms, created_at, updated_at,
	items_discovered, items_succeeded, items_failed, items_skipped,
	input_summary, output_summary, source_ref, target_ref, error_summary, error_details,
	git_repo, git_branch, git_commit_hash, git_run_tag,
	git_commit_source, git_commit_author, git_commit_timestamp,
	api_posted, api_posted_at, api_retry_count,
	metrics_json, context_json
) VALUES (
	:event_id, :run_id, :agent_name, :job_type,
	:trigger_type, :product, :product_family, :platform, :subdomain, :website,
	:website_section, :item_name, :environment, :host, :parent_run_id, :insight_id,
	:status, :start_time, :end_time, :duration_ms, :created_at, :updated_at,
	:items_discovered, :items_succeeded, :items_failed, :items_skipped,
	:input_summary, :output_summary, :source_ref, :target_ref, :error_summary, :error_details,
	:git_repo, :git_branch, :git_commit_hash, :git_run_tag,
	:git_commit_source, :git_commit_author, :git_commit_timestamp,
	:api_posted, :api_posted_at, :api_retry_count,
	:metrics_json, :context_json
)`

// InsertRun appends a new run record, stamping created_at and updated_at
// with the store clock. A collision on event_id returns ErrDuplicate and
// leaves the existing row untouched.
func (s *Store) InsertRun(ctx context.Context, run *runs.Run) error {
	now := s.timestamp()
	run.CreatedAt = now
	run.UpdatedAt = now

	return s.withBusyRetry(ctx, func(ctx context.Context) error {
		res, err := s.writer.NamedExecContext(ctx, insertRunQuery, run)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("event %q: %w", run.EventID, ErrDuplicate)
			}
			return fmt.Errorf("failed to insert run: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			run.ID = id
		}
		return nil
	})
}

// GetRun fetches a single run by event id.
func (s *Store) GetRun(ctx context.Context, eventID string) (*runs.Run, error) {
	var run runs.Run
	if err := s.reader.GetContext(ctx, &run,
		"SELECT * FROM agent_runs WHERE event_id = ?", eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %q: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// UpdateRun applies a partial update to the named columns. Partial updates
// deliberately do not touch updated_at; only commit association bumps it.
// The fields slice fixes the column order and must come from a validated
// update request.
func (s *Store) UpdateRun(ctx context.Context, eventID string, changes map[string]any, fields []string) error {
	if len(fields) == 0 {
		return fmt.Errorf("no fields to update")
	}

	var sb strings.Builder
	args := make([]any, 0, len(fields)+1)
	for i, field := range fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(field)
		sb.WriteString(" = ?")
		args = append(args, changes[field])
	}
	args = append(args, eventID)

	q := fmt.Sprintf("UPDATE agent_runs SET %s WHERE event_id = ?", sb.String())

	return s.withBusyRetry(ctx, func(ctx context.Context) error {
		res, err := s.writer.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count updated rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("event %q: %w", eventID, ErrNotFound)
		}
		return nil
	})
}

// AssociateCommit stamps the commit attribution onto the run, bumps
// updated_at, and records the association in the commits audit table. The
// caller's values win on every call, including re-association of the same
// hash with a different source.
func (s *Store) AssociateCommit(ctx context.Context, eventID, commitHash, commitSource string, commitAuthor, commitTimestamp *string) error {
	now := s.timestamp()

	return s.withBusyRetry(ctx, func(ctx context.Context) error {
		tx, err := s.writer.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `UPDATE agent_runs SET
			git_commit_hash = ?,
			git_commit_source = ?,
			git_commit_author = ?,
			git_commit_timestamp = ?,
			updated_at = ?
		WHERE event_id = ?`,
			commitHash, commitSource, commitAuthor, commitTimestamp, now, eventID)
		if err != nil {
			return fmt.Errorf("failed to associate commit: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count updated rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("event %q: %w", eventID, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO commits
			(event_id, commit_hash, commit_source, commit_author, commit_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, commit_hash) DO UPDATE SET
			commit_source = excluded.commit_source,
			commit_author = excluded.commit_author,
			commit_timestamp = excluded.commit_timestamp`,
			eventID, commitHash, commitSource, commitAuthor, commitTimestamp, now); err != nil {
			return fmt.Errorf("failed to record commit: %w", err)
		}

		return tx.Commit()
	})
}

// Filter narrows QueryRuns. Empty fields are ignored. Timestamp bounds must
// already be in the canonical stored form; created_at bounds are exclusive
// and start_time bounds are inclusive.
type Filter struct {
	AgentName     string
	Status        string
	JobType       string
	CreatedBefore string
	CreatedAfter  string
	StartTimeFrom string
	StartTimeTo   string
	Limit         int
	Offset        int
}

// QueryRuns lists runs newest first. The surrogate id breaks created_at
// ties so pages stay stable.
func (s *Store) QueryRuns(ctx context.Context, f *Filter) ([]*runs.Run, error) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}

	if f.AgentName != "" {
		add("agent_name = ?", f.AgentName)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.JobType != "" {
		add("job_type = ?", f.JobType)
	}
	if f.CreatedBefore != "" {
		add("created_at < ?", f.CreatedBefore)
	}
	if f.CreatedAfter != "" {
		add("created_at > ?", f.CreatedAfter)
	}
	if f.StartTimeFrom != "" {
		add("start_time >= ?", f.StartTimeFrom)
	}
	if f.StartTimeTo != "" {
		add("start_time <= ?", f.StartTimeTo)
	}

	var sb strings.Builder
	sb.WriteString("SELECT * FROM agent_runs")
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rs := []*runs.Run{}
	if err := s.reader.SelectContext(ctx, &rs, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	return rs, nil
}

// ListDistinctAgents returns the distinct agent names, sorted.
func (s *Store) ListDistinctAgents(ctx context.Context) ([]string, error) {
	agents := []string{}
	if err := s.reader.SelectContext(ctx, &agents,
		"SELECT DISTINCT agent_name FROM agent_runs ORDER BY agent_name"); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// ListDistinctJobTypes returns the distinct job types, sorted.
func (s *Store) ListDistinctJobTypes(ctx context.Context) ([]string, error) {
	jobTypes := []string{}
	if err := s.reader.SelectContext(ctx, &jobTypes,
		"SELECT DISTINCT job_type FROM agent_runs ORDER BY job_type"); err != nil {
		return nil, fmt.Errorf("failed to list job types: %w", err)
	}
	return jobTypes, nil
}

// CountRuns returns the total number of run records.
func (s *Store) CountRuns(ctx context.Context) (int64, error) {
	var n int64
	if err := s.reader.GetContext(ctx, &n, "SELECT COUNT(*) FROM agent_runs"); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

// CountCommits returns the total number of commit audit rows.
func (s *Store) CountCommits(ctx context.Context) (int64, error) {
	var n int64
	if err := s.reader.GetContext(ctx, &n, "SELECT COUNT(*) FROM commits"); err != nil {
		return 0, fmt.Errorf("failed to count commits: %w", err)
	}
	return n, nil
}

// Commit is one audit row of a commit association.
type Commit struct {
	ID              int64   `db:"id"`
	EventID         string  `db:"event_id"`
	CommitHash      string  `db:"commit_hash"`
	CommitSource    string  `db:"commit_source"`
	CommitAuthor    *string `db:"commit_author"`
	CommitTimestamp *string `db:"commit_timestamp"`
	CreatedAt       string  `db:"created_at"`
}

// ListCommits returns the audit rows for a run, oldest first.
func (s *Store) ListCommits(ctx context.Context, eventID string) ([]*Commit, error) {
	cs := []*Commit{}
	if err := s.reader.SelectContext(ctx, &cs,
		"SELECT * FROM commits WHERE event_id = ? ORDER BY id", eventID); err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}
	return cs, nil
}

// timestamp returns the current time in the canonical stored form.
func (s *Store) timestamp() string {
	return runs.FormatTimestamp(s.clock.Now())
}

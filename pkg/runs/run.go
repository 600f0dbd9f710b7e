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

// Package runs defines the agent run record model shared by the ingestion
// service, the store, and the telemetry client, along with status
// normalization, payload validation, run id policy, and commit URL
// derivation.
package runs

import (
	"fmt"
	"time"
)

// Run is a single agent execution record. Field names double as the store
// column names and the JSON wire names.
type Run struct {
	ID      int64  `db:"id" json:"id"`
	EventID string `db:"event_id" json:"event_id"`
	RunID   string `db:"run_id" json:"run_id"`

	AgentName      string  `db:"agent_name" json:"agent_name"`
	JobType        string  `db:"job_type" json:"job_type"`
	TriggerType    *string `db:"trigger_type" json:"trigger_type"`
	Product        *string `db:"product" json:"product"`
	ProductFamily  *string `db:"product_family" json:"product_family"`
	Platform       *string `db:"platform" json:"platform"`
	Subdomain      *string `db:"subdomain" json:"subdomain"`
	Website        *string `db:"website" json:"website"`
	WebsiteSection *string `db:"website_section" json:"website_section"`
	ItemName       *string `db:"item_name" json:"item_name"`
	Environment    *string `db:"environment" json:"environment"`
	Host           *string `db:"host" json:"host"`
	ParentRunID    *string `db:"parent_run_id" json:"parent_run_id"`
	InsightID      *string `db:"insight_id" json:"insight_id"`

	Status     string  `db:"status" json:"status"`
	StartTime  string  `db:"start_time" json:"start_time"`
	EndTime    *string `db:"end_time" json:"end_time"`
	DurationMS int64   `db:"duration_ms" json:"duration_ms"`
	CreatedAt  string  `db:"created_at" json:"created_at"`
	UpdatedAt  string  `db:"updated_at" json:"updated_at"`

	ItemsDiscovered int64 `db:"items_discovered" json:"items_discovered"`
	ItemsSucceeded  int64 `db:"items_succeeded" json:"items_succeeded"`
	ItemsFailed     int64 `db:"items_failed" json:"items_failed"`
	ItemsSkipped    int64 `db:"items_skipped" json:"items_skipped"`

	InputSummary  *string `db:"input_summary" json:"input_summary"`
	OutputSummary *string `db:"output_summary" json:"output_summary"`
	SourceRef     *string `db:"source_ref" json:"source_ref"`
	TargetRef     *string `db:"target_ref" json:"target_ref"`
	ErrorSummary  *string `db:"error_summary" json:"error_summary"`
	ErrorDetails  *string `db:"error_details" json:"error_details"`

	GitRepo            *string `db:"git_repo" json:"git_repo"`
	GitBranch          *string `db:"git_branch" json:"git_branch"`
	GitCommitHash      *string `db:"git_commit_hash" json:"git_commit_hash"`
	GitRunTag          *string `db:"git_run_tag" json:"git_run_tag"`
	GitCommitSource    *string `db:"git_commit_source" json:"git_commit_source"`
	GitCommitAuthor    *string `db:"git_commit_author" json:"git_commit_author"`
	GitCommitTimestamp *string `db:"git_commit_timestamp" json:"git_commit_timestamp"`

	APIPosted     bool    `db:"api_posted" json:"api_posted"`
	APIPostedAt   *string `db:"api_posted_at" json:"api_posted_at"`
	APIRetryCount int64   `db:"api_retry_count" json:"api_retry_count"`

	MetricsJSON *string `db:"metrics_json" json:"metrics_json"`
	ContextJSON *string `db:"context_json" json:"context_json"`
}

// Event is a checkpoint within a run. Events are spooled to the buffer file
// only; the store never persists them.
type Event struct {
	RunID       string  `json:"run_id"`
	EventType   string  `json:"event_type"`
	Timestamp   string  `json:"timestamp"`
	PayloadJSON *string `json:"payload_json"`
}

// timestampLayouts are the accepted input layouts, tried in order. Naive
// forms (no offset) are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an ISO-8601 timestamp in second or sub-second
// precision, with or without an explicit offset.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// FormatTimestamp renders a timestamp in the normalized stored form: UTC,
// RFC3339, whole seconds. Uniform precision keeps textual range comparisons
// consistent with temporal order.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// NormalizeTimestamp parses s and re-renders it in the stored form.
func NormalizeTimestamp(s string) (string, error) {
	t, err := ParseTimestamp(s)
	if err != nil {
		return "", err
	}
	return FormatTimestamp(t), nil
}

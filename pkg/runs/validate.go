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

package runs

import (
	"strings"
)

// FieldError describes a single validation failure on a request payload.
// The wire shape matches {"loc": [...], "msg": "...", "type": "..."}.
type FieldError struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

func fieldError(field, msg, typ string) FieldError {
	return FieldError{Loc: []any{"body", field}, Msg: msg, Type: typ}
}

// CreateRequest is the POST /api/v1/runs payload. Pointer fields
// distinguish absent values; unknown JSON fields are ignored.
//
// git_commit_source, git_commit_author and git_commit_timestamp are
// accepted syntactically but never persisted on create; commit metadata is
// written by update and associate-commit only.
type CreateRequest struct {
	EventID   *string `json:"event_id"`
	RunID     *string `json:"run_id"`
	AgentName *string `json:"agent_name"`
	JobType   *string `json:"job_type"`

	TriggerType    *string `json:"trigger_type"`
	Product        *string `json:"product"`
	ProductFamily  *string `json:"product_family"`
	Platform       *string `json:"platform"`
	Subdomain      *string `json:"subdomain"`
	Website        *string `json:"website"`
	WebsiteSection *string `json:"website_section"`
	ItemName       *string `json:"item_name"`
	Environment    *string `json:"environment"`
	Host           *string `json:"host"`
	ParentRunID    *string `json:"parent_run_id"`
	InsightID      *string `json:"insight_id"`

	Status     *string `json:"status"`
	StartTime  *string `json:"start_time"`
	EndTime    *string `json:"end_time"`
	DurationMS *int64  `json:"duration_ms"`

	ItemsDiscovered *int64 `json:"items_discovered"`
	ItemsSucceeded  *int64 `json:"items_succeeded"`
	ItemsFailed     *int64 `json:"items_failed"`
	ItemsSkipped    *int64 `json:"items_skipped"`

	InputSummary  *string `json:"input_summary"`
	OutputSummary *string `json:"output_summary"`
	SourceRef     *string `json:"source_ref"`
	TargetRef     *string `json:"target_ref"`
	ErrorSummary  *string `json:"error_summary"`
	ErrorDetails  *string `json:"error_details"`

	GitRepo            *string `json:"git_repo"`
	GitBranch          *string `json:"git_branch"`
	GitCommitHash      *string `json:"git_commit_hash"`
	GitRunTag          *string `json:"git_run_tag"`
	GitCommitSource    *string `json:"git_commit_source"`
	GitCommitAuthor    *string `json:"git_commit_author"`
	GitCommitTimestamp *string `json:"git_commit_timestamp"`

	APIPosted     *bool   `json:"api_posted"`
	APIPostedAt   *string `json:"api_posted_at"`
	APIRetryCount *int64  `json:"api_retry_count"`

	MetricsJSON *string `json:"metrics_json"`
	ContextJSON *string `json:"context_json"`
}

// ToRun validates the payload and builds the record to insert. The caller
// stamps created_at and updated_at. A nil duration normalizes to 0, the
// status defaults to running and accepts aliases, and the three
// creation-dropped commit fields are validated but not carried over.
func (r *CreateRequest) ToRun() (*Run, []FieldError) {
	var errs []FieldError

	required := func(field string, v *string) string {
		if v == nil || strings.TrimSpace(*v) == "" {
			errs = append(errs, fieldError(field, "field required", "value_error.missing"))
			return ""
		}
		return *v
	}
	counter := func(field string, v *int64) int64 {
		if v == nil {
			return 0
		}
		if *v < 0 {
			errs = append(errs, fieldError(field, "must be non-negative", "value_error.number.not_ge"))
			return 0
		}
		return *v
	}
	timestamp := func(field string, v *string) *string {
		if v == nil {
			return nil
		}
		nv, err := NormalizeTimestamp(*v)
		if err != nil {
			errs = append(errs, fieldError(field, err.Error(), "value_error.datetime"))
			return nil
		}
		return &nv
	}

	eventID := required("event_id", r.EventID)
	if len(eventID) > 255 {
		errs = append(errs, fieldError("event_id", "must be at most 255 characters", "value_error.str.max_length"))
	}
	runID := required("run_id", r.RunID)
	agentName := required("agent_name", r.AgentName)
	jobType := required("job_type", r.JobType)

	status := StatusRunning
	if r.Status != nil {
		v, err := NormalizeStatus(*r.Status)
		if err != nil {
			errs = append(errs, fieldError("status", err.Error(), "value_error.enum"))
		} else {
			status = v
		}
	}

	var startTime string
	if v := required("start_time", r.StartTime); v != "" {
		nv, err := NormalizeTimestamp(v)
		if err != nil {
			errs = append(errs, fieldError("start_time", err.Error(), "value_error.datetime"))
		} else {
			startTime = nv
		}
	}
	endTime := timestamp("end_time", r.EndTime)

	durationMS := counter("duration_ms", r.DurationMS)
	itemsDiscovered := counter("items_discovered", r.ItemsDiscovered)
	itemsSucceeded := counter("items_succeeded", r.ItemsSucceeded)
	itemsFailed := counter("items_failed", r.ItemsFailed)
	itemsSkipped := counter("items_skipped", r.ItemsSkipped)

	if r.GitCommitSource != nil {
		if err := ValidateCommitSource(*r.GitCommitSource); err != nil {
			errs = append(errs, fieldError("git_commit_source", err.Error(), "value_error.enum"))
		}
	}
	timestamp("git_commit_timestamp", r.GitCommitTimestamp)

	apiPostedAt := timestamp("api_posted_at", r.APIPostedAt)
	var apiPosted bool
	if r.APIPosted != nil {
		apiPosted = *r.APIPosted
	}
	var apiRetryCount int64
	if r.APIRetryCount != nil {
		if *r.APIRetryCount < 0 {
			errs = append(errs, fieldError("api_retry_count", "must be non-negative", "value_error.number.not_ge"))
		} else {
			apiRetryCount = *r.APIRetryCount
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return &Run{
		EventID:   eventID,
		RunID:     runID,
		AgentName: agentName,
		JobType:   jobType,

		TriggerType:    r.TriggerType,
		Product:        r.Product,
		ProductFamily:  r.ProductFamily,
		Platform:       r.Platform,
		Subdomain:      r.Subdomain,
		Website:        r.Website,
		WebsiteSection: r.WebsiteSection,
		ItemName:       r.ItemName,
		Environment:    r.Environment,
		Host:           r.Host,
		ParentRunID:    r.ParentRunID,
		InsightID:      r.InsightID,

		Status:     status,
		StartTime:  startTime,
		EndTime:    endTime,
		DurationMS: durationMS,

		ItemsDiscovered: itemsDiscovered,
		ItemsSucceeded:  itemsSucceeded,
		ItemsFailed:     itemsFailed,
		ItemsSkipped:    itemsSkipped,

		InputSummary:  r.InputSummary,
		OutputSummary: r.OutputSummary,
		SourceRef:     r.SourceRef,
		TargetRef:     r.TargetRef,
		ErrorSummary:  r.ErrorSummary,
		ErrorDetails:  r.ErrorDetails,

		GitRepo:       r.GitRepo,
		GitBranch:     r.GitBranch,
		GitCommitHash: r.GitCommitHash,
		GitRunTag:     r.GitRunTag,

		APIPosted:     apiPosted,
		APIPostedAt:   apiPostedAt,
		APIRetryCount: apiRetryCount,

		MetricsJSON: r.MetricsJSON,
		ContextJSON: r.ContextJSON,
	}, nil
}

// UpdateRequest is the PATCH /api/v1/runs/{event_id} payload. Null-valued
// and absent fields are equivalent: both are ignored. Identity and creation
// classification (event_id, run_id, agent_name, job_type, created_at) are
// not updatable.
type UpdateRequest struct {
	Status     *string `json:"status"`
	StartTime  *string `json:"start_time"`
	EndTime    *string `json:"end_time"`
	DurationMS *int64  `json:"duration_ms"`

	ItemsDiscovered *int64 `json:"items_discovered"`
	ItemsSucceeded  *int64 `json:"items_succeeded"`
	ItemsFailed     *int64 `json:"items_failed"`
	ItemsSkipped    *int64 `json:"items_skipped"`

	TriggerType    *string `json:"trigger_type"`
	Product        *string `json:"product"`
	ProductFamily  *string `json:"product_family"`
	Platform       *string `json:"platform"`
	Subdomain      *string `json:"subdomain"`
	Website        *string `json:"website"`
	WebsiteSection *string `json:"website_section"`
	ItemName       *string `json:"item_name"`
	Environment    *string `json:"environment"`
	Host           *string `json:"host"`
	ParentRunID    *string `json:"parent_run_id"`
	InsightID      *string `json:"insight_id"`

	InputSummary  *string `json:"input_summary"`
	OutputSummary *string `json:"output_summary"`
	SourceRef     *string `json:"source_ref"`
	TargetRef     *string `json:"target_ref"`
	ErrorSummary  *string `json:"error_summary"`
	ErrorDetails  *string `json:"error_details"`

	GitRepo            *string `json:"git_repo"`
	GitBranch          *string `json:"git_branch"`
	GitCommitHash      *string `json:"git_commit_hash"`
	GitRunTag          *string `json:"git_run_tag"`
	GitCommitSource    *string `json:"git_commit_source"`
	GitCommitAuthor    *string `json:"git_commit_author"`
	GitCommitTimestamp *string `json:"git_commit_timestamp"`

	APIPosted     *bool   `json:"api_posted"`
	APIPostedAt   *string `json:"api_posted_at"`
	APIRetryCount *int64  `json:"api_retry_count"`

	MetricsJSON *string `json:"metrics_json"`
	ContextJSON *string `json:"context_json"`
}

// Validate checks the set fields and normalizes timestamps in place. The
// status must be canonical here; aliases are a create-time courtesy only.
func (r *UpdateRequest) Validate() []FieldError {
	var errs []FieldError

	counter := func(field string, v *int64) {
		if v != nil && *v < 0 {
			errs = append(errs, fieldError(field, "must be non-negative", "value_error.number.not_ge"))
		}
	}
	timestamp := func(field string, v *string) {
		if v == nil {
			return
		}
		nv, err := NormalizeTimestamp(*v)
		if err != nil {
			errs = append(errs, fieldError(field, err.Error(), "value_error.datetime"))
			return
		}
		*v = nv
	}

	if r.Status != nil {
		if err := ValidateStatus(*r.Status); err != nil {
			errs = append(errs, fieldError("status", err.Error(), "value_error.enum"))
		}
	}
	timestamp("start_time", r.StartTime)
	timestamp("end_time", r.EndTime)
	counter("duration_ms", r.DurationMS)
	counter("items_discovered", r.ItemsDiscovered)
	counter("items_succeeded", r.ItemsSucceeded)
	counter("items_failed", r.ItemsFailed)
	counter("items_skipped", r.ItemsSkipped)
	counter("api_retry_count", r.APIRetryCount)
	timestamp("api_posted_at", r.APIPostedAt)
	timestamp("git_commit_timestamp", r.GitCommitTimestamp)

	if r.GitCommitSource != nil {
		if err := ValidateCommitSource(*r.GitCommitSource); err != nil {
			errs = append(errs, fieldError("git_commit_source", err.Error(), "value_error.enum"))
		}
	}

	return errs
}

// Changes returns the column values to write along with the field names in
// canonical order, which is the order echoed in fields_updated.
func (r *UpdateRequest) Changes() (map[string]any, []string) {
	changes := make(map[string]any)
	var fields []string

	set := func(field string, v any) {
		changes[field] = v
		fields = append(fields, field)
	}

	if r.Status != nil {
		set("status", *r.Status)
	}
	if r.StartTime != nil {
		set("start_time", *r.StartTime)
	}
	if r.EndTime != nil {
		set("end_time", *r.EndTime)
	}
	if r.DurationMS != nil {
		set("duration_ms", *r.DurationMS)
	}
	if r.ItemsDiscovered != nil {
		set("items_discovered", *r.ItemsDiscovered)
	}
	if r.ItemsSucceeded != nil {
		set("items_succeeded", *r.ItemsSucceeded)
	}
	if r.ItemsFailed != nil {
		set("items_failed", *r.ItemsFailed)
	}
	if r.ItemsSkipped != nil {
		set("items_skipped", *r.ItemsSkipped)
	}
	if r.TriggerType != nil {
		set("trigger_type", *r.TriggerType)
	}
	if r.Product != nil {
		set("product", *r.Product)
	}
	if r.ProductFamily != nil {
		set("product_family", *r.ProductFamily)
	}
	if r.Platform != nil {
		set("platform", *r.Platform)
	}
	if r.Subdomain != nil {
		set("subdomain", *r.Subdomain)
	}
	if r.Website != nil {
		set("website", *r.Website)
	}
	if r.WebsiteSection != nil {
		set("website_section", *r.WebsiteSection)
	}
	if r.ItemName != nil {
		set("item_name", *r.ItemName)
	}
	if r.Environment != nil {
		set("environment", *r.Environment)
	}
	if r.Host != nil {
		set("host", *r.Host)
	}
	if r.ParentRunID != nil {
		set("parent_run_id", *r.ParentRunID)
	}
	if r.InsightID != nil {
		set("insight_id", *r.InsightID)
	}
	if r.InputSummary != nil {
		set("input_summary", *r.InputSummary)
	}
	if r.OutputSummary != nil {
		set("output_summary", *r.OutputSummary)
	}
	if r.SourceRef != nil {
		set("source_ref", *r.SourceRef)
	}
	if r.TargetRef != nil {
		set("target_ref", *r.TargetRef)
	}
	if r.ErrorSummary != nil {
		set("error_summary", *r.ErrorSummary)
	}
	if r.ErrorDetails != nil {
		set("error_details", *r.ErrorDetails)
	}
	if r.GitRepo != nil {
		set("git_repo", *r.GitRepo)
	}
	if r.GitBranch != nil {
		set("git_branch", *r.GitBranch)
	}
	if r.GitCommitHash != nil {
		set("git_commit_hash", *r.GitCommitHash)
	}
	if r.GitRunTag != nil {
		set("git_run_tag", *r.GitRunTag)
	}
	if r.GitCommitSource != nil {
		set("git_commit_source", *r.GitCommitSource)
	}
	if r.GitCommitAuthor != nil {
		set("git_commit_author", *r.GitCommitAuthor)
	}
	if r.GitCommitTimestamp != nil {
		set("git_commit_timestamp", *r.GitCommitTimestamp)
	}
	if r.APIPosted != nil {
		set("api_posted", *r.APIPosted)
	}
	if r.APIPostedAt != nil {
		set("api_posted_at", *r.APIPostedAt)
	}
	if r.APIRetryCount != nil {
		set("api_retry_count", *r.APIRetryCount)
	}
	if r.MetricsJSON != nil {
		set("metrics_json", *r.MetricsJSON)
	}
	if r.ContextJSON != nil {
		set("context_json", *r.ContextJSON)
	}

	return changes, fields
}

// AssociateCommitRequest is the POST .../associate-commit payload.
type AssociateCommitRequest struct {
	CommitHash      string  `json:"commit_hash"`
	CommitSource    string  `json:"commit_source"`
	CommitAuthor    *string `json:"commit_author"`
	CommitTimestamp *string `json:"commit_timestamp"`
}

// Validate checks the association payload and normalizes the optional
// commit timestamp in place.
func (r *AssociateCommitRequest) Validate() []FieldError {
	var errs []FieldError

	if r.CommitHash == "" {
		errs = append(errs, fieldError("commit_hash", "field required", "value_error.missing"))
	} else if err := ValidateCommitHash(r.CommitHash); err != nil {
		errs = append(errs, fieldError("commit_hash", err.Error(), "value_error.str.regex"))
	}

	if r.CommitSource == "" {
		errs = append(errs, fieldError("commit_source", "field required", "value_error.missing"))
	} else if err := ValidateCommitSource(r.CommitSource); err != nil {
		errs = append(errs, fieldError("commit_source", err.Error(), "value_error.enum"))
	}

	if r.CommitTimestamp != nil {
		nv, err := NormalizeTimestamp(*r.CommitTimestamp)
		if err != nil {
			errs = append(errs, fieldError("commit_timestamp", err.Error(), "value_error.datetime"))
		} else {
			*r.CommitTimestamp = nv
		}
	}

	return errs
}

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
	"fmt"
	"regexp"
	"strings"
)

// Canonical run statuses. These are the only values ever stored.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusPartial   = "partial"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// Commit source values accepted by commit association.
const (
	CommitSourceManual = "manual"
	CommitSourceLLM    = "llm"
	CommitSourceCI     = "ci"
)

// canonicalStatuses is the closed set of stored status values, in the order
// used for error messages.
var canonicalStatuses = []string{
	StatusRunning,
	StatusSuccess,
	StatusFailure,
	StatusPartial,
	StatusTimeout,
	StatusCancelled,
}

// statusAliases maps legacy producer vocabulary to canonical values. Aliases
// are honored on create and on query filters, never on update.
var statusAliases = map[string]string{
	"failed":    StatusFailure,
	"completed": StatusSuccess,
	"succeeded": StatusSuccess,
}

var commitSources = []string{CommitSourceManual, CommitSourceLLM, CommitSourceCI}

// commitHashPattern matches an abbreviated or full git object name.
var commitHashPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

// IsCanonicalStatus reports whether s is one of the six stored statuses.
func IsCanonicalStatus(s string) bool {
	for _, c := range canonicalStatuses {
		if s == c {
			return true
		}
	}
	return false
}

// NormalizeStatus maps s to its canonical status, accepting both canonical
// values and the legacy aliases. Matching is case-insensitive.
func NormalizeStatus(s string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if IsCanonicalStatus(v) {
		return v, nil
	}
	if c, ok := statusAliases[v]; ok {
		return c, nil
	}
	return "", fmt.Errorf("invalid status %q, expected one of %s", s, strings.Join(canonicalStatuses, ", "))
}

// ValidateStatus accepts canonical statuses only. Aliases are rejected so
// that updates speak the canonical vocabulary.
func ValidateStatus(s string) error {
	if !IsCanonicalStatus(s) {
		return fmt.Errorf("invalid status %q, expected one of %s", s, strings.Join(canonicalStatuses, ", "))
	}
	return nil
}

// ValidateCommitSource accepts one of manual, llm, ci.
func ValidateCommitSource(s string) error {
	for _, c := range commitSources {
		if s == c {
			return nil
		}
	}
	return fmt.Errorf("invalid commit source %q, expected one of %s", s, strings.Join(commitSources, ", "))
}

// ValidateCommitHash accepts a 7 to 40 character hex git object name.
func ValidateCommitHash(h string) error {
	if !commitHashPattern.MatchString(h) {
		return fmt.Errorf("invalid commit hash %q, expected 7 to 40 hex characters", h)
	}
	return nil
}

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
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxRunIDLength bounds caller-supplied run ids.
const maxRunIDLength = 255

// ValidateRunID checks a caller-supplied run id: at most 255 bytes, no path
// separators or NUL, and non-empty after trimming whitespace.
func ValidateRunID(id string) error {
	if len(id) > maxRunIDLength {
		return fmt.Errorf("run_id exceeds %d bytes", maxRunIDLength)
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("run_id is empty")
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("run_id contains a path separator")
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("run_id contains a NUL byte")
	}
	return nil
}

// GenerateRunID builds an auto-assigned run id of the form
// {UTC timestamp}-{agent_name}-{8 hex chars}.
func GenerateRunID(now time.Time, agentName string) string {
	stamp := now.UTC().Format("20060102T150405Z")
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("%s-%s-%s", stamp, agentName, suffix)
}

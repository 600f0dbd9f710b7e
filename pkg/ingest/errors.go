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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/abcxyz/pkg/logging"

	"github.com/runtelhq/runtel/pkg/runs"
	"github.com/runtelhq/runtel/pkg/store"
)

// maxRequestBytes bounds request bodies. Batch submissions are the largest
// legitimate payloads.
const maxRequestBytes = 10 << 20

// detailResponse is the simple error wire shape: {"detail": "..."}.
type detailResponse struct {
	Detail string `json:"detail"`
}

// validationResponse is the field-validation wire shape:
// {"detail": [{"loc": [...], "msg": "...", "type": "..."}]}.
type validationResponse struct {
	Detail []runs.FieldError `json:"detail"`
}

func (s *Server) renderDetail(w http.ResponseWriter, code int, msg string) {
	s.h.RenderJSON(w, code, &detailResponse{Detail: msg})
}

func (s *Server) renderFieldErrors(w http.ResponseWriter, errs []runs.FieldError) {
	s.h.RenderJSON(w, http.StatusUnprocessableEntity, &validationResponse{Detail: errs})
}

// renderStoreError maps store failures to the documented status codes:
// busy beyond the retry budget is a transient 500 the client buffers
// against, anything else is an engine fault.
func (s *Server) renderStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	logger.ErrorContext(ctx, "store operation failed",
		"op", op,
		"error", err)
	if errors.Is(err, store.ErrBusy) {
		s.renderDetail(w, http.StatusInternalServerError, "database is busy, retry later")
		return
	}
	s.renderDetail(w, http.StatusInternalServerError, "internal storage error")
}

// decodeBody reads and unmarshals the request body into dst. On failure it
// writes the error response and returns false: malformed JSON is a 400,
// a structurally valid body with a wrong-typed field is a 422 naming the
// field.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.renderDetail(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) == 0 {
		s.renderDetail(w, http.StatusBadRequest, "request body is empty")
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			field := typeErr.Field
			if field == "" {
				field = "body"
			}
			s.renderFieldErrors(w, []runs.FieldError{{
				Loc:  []any{"body", field},
				Msg:  fmt.Sprintf("invalid type, expected %s", typeErr.Type),
				Type: "type_error",
			}})
			return false
		}
		s.renderDetail(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

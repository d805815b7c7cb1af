// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nocreport/reporter/internal/auth"
	"github.com/nocreport/reporter/internal/export"
	"github.com/nocreport/reporter/internal/fetcher"
	"github.com/nocreport/reporter/internal/graph"
	"github.com/nocreport/reporter/internal/lock"
	"github.com/nocreport/reporter/internal/report"
)

const maxBodyBytes = 5 << 20

// ValidationError is a malformed request, reported to the client as 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return invalid("request body is empty")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return invalid("request body too large")
		}
		return invalid("malformed JSON: %v", err)
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describe(fe))
			}
			return invalid("%s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("validate request: %w", err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	// Drop the root struct name from the namespace
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_if":
		return field + " is required for entries derived from a message"
	case "excluded_if":
		return field + " must be empty for manually added entries"
	case "unique":
		return field + " must not contain duplicate ids"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "datetime":
		return fmt.Sprintf("%s must be a date in %s format", field, "YYYY-MM-DD")
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

// fail maps err onto a status and a terse message. Unexpected errors are
// logged and reported as 500 without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, report.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, report.ErrNotFound):
		writeError(w, http.StatusNotFound, "Report not found")
	case errors.Is(err, report.ErrVersionConflict):
		writeError(w, http.StatusConflict, "Report was modified by another session")
	case errors.Is(err, lock.ErrBusy):
		writeError(w, http.StatusConflict, "Report generation already in progress")
	case errors.Is(err, export.ErrUnknownFormat):
		writeError(w, http.StatusBadRequest, "Invalid format")
	case errors.Is(err, fetcher.ErrSourceUnavailable):
		status := graph.StatusCode(err)
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			writeError(w, http.StatusUnauthorized, "Mail access denied, sign in again")
			return
		}
		slog.Error("mail source unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "Mail source unavailable")
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

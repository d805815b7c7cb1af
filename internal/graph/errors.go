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

package graph

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a Graph failure for retry decisions.
type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindServer:
		return "server_error"
	default:
		return "other"
	}
}

// APIError is a non-200 Graph response.
type APIError struct {
	StatusCode int
	Kind       Kind
	Body       string
}

func newAPIError(status int, body string) *APIError {
	kind := KindOther
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 500:
		kind = KindServer
	}
	return &APIError{StatusCode: status, Kind: kind, Body: body}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph API returned HTTP %d (%s)", e.StatusCode, e.Kind)
}

// IsTransient reports whether err is a rate-limit or server-side failure.
func IsTransient(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Kind == KindRateLimited || apiErr.Kind == KindServer
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

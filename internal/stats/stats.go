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

// Package stats derives report statistics from entries.
package stats

import (
	"strings"

	"github.com/nocreport/reporter/internal/models"
)

// Aggregate computes statistics for entries. Every call recomputes from
// scratch; there is no incremental path.
//
// A recurring complaint is a client/vendor (compared case-insensitively) with
// two or more complaint entries; each such client counts once. Resolution is
// not tracked yet, so every complaint is unresolved.
func Aggregate(entries []models.ReportEntry) models.ReportStatistics {
	var s models.ReportStatistics
	perClient := make(map[string]int)

	for _, e := range entries {
		switch e.Type {
		case models.TypeService:
			s.TotalServices++
		case models.TypeComplain:
			s.TotalNewComplaints++
			perClient[strings.ToLower(e.ClientVendor)]++
		}
	}

	for _, n := range perClient {
		if n > 1 {
			s.RecurringComplaints++
		}
	}

	s.ComplaintsUnresolved = s.TotalNewComplaints
	s.ComplaintsResolved = 0
	return s
}

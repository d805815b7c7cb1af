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

// Package report turns fetched messages into NOC report entries and keeps
// exactly one stored report per user and local day.
package report

import (
	"sort"

	"github.com/google/uuid"

	"github.com/nocreport/reporter/internal/models"
	"github.com/nocreport/reporter/internal/parser"
	"github.com/nocreport/reporter/internal/stats"
)

// Generated is the unsaved outcome of Generate.
type Generated struct {
	Entries    []models.ReportEntry
	Statistics models.ReportStatistics
}

// Generate parses each message into an entry, orders entries by event time
// and aggregates statistics. Entries with equal times keep fetch order.
func Generate(msgs []models.RawMessage) Generated {
	entries := make([]models.ReportEntry, 0, len(msgs))
	for _, m := range msgs {
		p := parser.Parse(m.Subject, m.Body, m.Received)
		entries = append(entries, models.ReportEntry{
			ID:              uuid.NewString(),
			Category:        p.Category,
			DateTime:        p.DateTime,
			ClientVendor:    p.ClientVendor,
			Cause:           p.Cause,
			Downtime:        p.Downtime,
			Type:            p.Type,
			Remarks:         p.Remarks,
			SourceMessageID: m.ID,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].DateTime.Before(entries[j].DateTime)
	})

	return Generated{
		Entries:    entries,
		Statistics: stats.Aggregate(entries),
	}
}

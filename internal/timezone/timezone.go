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

// Package timezone converts between UTC and the fixed GMT+6 local offset used
// for report days. There is no daylight-saving adjustment.
package timezone

import (
	"fmt"
	"time"
)

// Offset is the fixed distance of local time from UTC.
const Offset = 6 * time.Hour

const (
	// Name is recorded on every report.
	Name = "Asia/Dhaka"

	// DateLayout is the calendar date format accepted at the API boundary.
	DateLayout = "2006-01-02"

	displayLayout = "2006-01-02 15:04:05"
	filterLayout  = "2006-01-02T15:04:05.000Z"
)

// Local is the fixed +06:00 zone.
var Local = time.FixedZone("GMT+6", int(Offset/time.Second))

// ToLocal returns t with a local wall clock. The instant is unchanged.
func ToLocal(t time.Time) time.Time {
	return t.In(Local)
}

// ToUTC returns t in UTC.
func ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// StartOfLocalDay returns local midnight of the local day containing t.
func StartOfLocalDay(t time.Time) time.Time {
	l := t.In(Local)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, Local)
}

// DayRange returns the half-open UTC window [localMidnight, localMidnight+24h)
// of the local day containing t.
func DayRange(t time.Time) (start, end time.Time) {
	start = StartOfLocalDay(t)
	return start.UTC(), start.Add(24 * time.Hour).UTC()
}

// ParseDate parses a YYYY-MM-DD calendar date as local midnight.
func ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

// FormatDate renders the local calendar date of t.
func FormatDate(t time.Time) string {
	return t.In(Local).Format(DateLayout)
}

// FormatForDisplay renders t as a local wall-clock timestamp.
func FormatForDisplay(t time.Time) string {
	return t.In(Local).Format(displayLayout)
}

// FormatForRemoteFilter renders t in the sortable UTC form accepted by
// Graph $filter expressions.
func FormatForRemoteFilter(t time.Time) string {
	return t.UTC().Format(filterLayout)
}

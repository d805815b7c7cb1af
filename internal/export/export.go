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

// Package export renders a report as an XLSX workbook or a PDF document.
package export

import (
	"errors"
	"fmt"
	"time"

	"github.com/nocreport/reporter/internal/models"
	"github.com/nocreport/reporter/internal/timezone"
)

// Format is an export file type.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

// ErrUnknownFormat is returned for formats other than xlsx and pdf.
var ErrUnknownFormat = errors.New("unknown export format")

// Data is everything a renderer needs from a report.
type Data struct {
	Date       time.Time
	Entries    []models.ReportEntry
	Statistics models.ReportStatistics
}

// FromReport extracts renderer input from r.
func FromReport(r *models.Report) Data {
	return Data{Date: r.Date, Entries: r.Entries, Statistics: r.Statistics}
}

// ParseFormat accepts "xlsx" or "pdf". Empty defaults to xlsx.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatXLSX:
		return FormatXLSX, nil
	case FormatPDF:
		return FormatPDF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatPDF {
		return "application/pdf"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Filename returns report-YYYY-MM-DD.<ext> for the report's local day.
func Filename(date time.Time, f Format) string {
	return fmt.Sprintf("report-%s.%s", timezone.FormatDate(date), f)
}

// Render produces the file bytes for f.
func Render(f Format, d Data) ([]byte, error) {
	switch f {
	case FormatXLSX:
		return XLSX(d)
	case FormatPDF:
		return PDF(d)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

type metric struct {
	name  string
	value int
}

func summary(d Data) []metric {
	return []metric{
		{"Total Entries", len(d.Entries)},
		{"Total Services", d.Statistics.TotalServices},
		{"New Complaints", d.Statistics.TotalNewComplaints},
		{"Recurring Complaints", d.Statistics.RecurringComplaints},
		{"Unresolved Complaints", d.Statistics.ComplaintsUnresolved},
		{"Resolved Complaints", d.Statistics.ComplaintsResolved},
	}
}

var entryHeader = []string{"Category", "Date/Time", "Client/Vendor", "Cause", "Downtime", "Type", "Remarks"}

func entryRow(e models.ReportEntry) []string {
	return []string{
		string(e.Category),
		timezone.FormatForDisplay(e.DateTime),
		e.ClientVendor,
		e.Cause,
		e.Downtime,
		string(e.Type),
		e.Remarks,
	}
}

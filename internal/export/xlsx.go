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

package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/nocreport/reporter/internal/models"
	"github.com/nocreport/reporter/internal/timezone"
)

const (
	summarySheet = "Summary"
	entriesSheet = "All Entries"

	summaryColor  = "4472C4"
	entriesColor  = "70AD47"
	categoryColor = "FFC000"
)

var entryWidths = []float64{15, 20, 25, 30, 15, 12, 35}

// XLSX renders a workbook with a summary sheet, an all-entries sheet and
// one sheet per non-empty category.
func XLSX(d Data) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetDocProps(&excelize.DocProperties{Creator: "NOC Report Generator", Title: "NOC Daily Report"}); err != nil {
		return nil, fmt.Errorf("set document properties: %w", err)
	}

	// Summary
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	rows := [][]interface{}{
		{"Metric", "Value"},
		{"Report Date", timezone.FormatDate(d.Date)},
	}
	for _, m := range summary(d) {
		rows = append(rows, []interface{}{m.name, m.value})
	}
	if err := writeRows(f, summarySheet, rows); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(summarySheet, "A", "A", 30); err != nil {
		return nil, fmt.Errorf("set column width: %w", err)
	}
	if err := f.SetColWidth(summarySheet, "B", "B", 15); err != nil {
		return nil, fmt.Errorf("set column width: %w", err)
	}
	if err := styleHeader(f, summarySheet, summaryColor); err != nil {
		return nil, err
	}

	// All entries
	if err := entrySheet(f, entriesSheet, d.Entries, entriesColor); err != nil {
		return nil, err
	}

	// Per category
	for _, c := range models.Categories {
		if c == models.CategoryUncategorized {
			continue
		}
		var matched []models.ReportEntry
		for _, e := range d.Entries {
			if e.Category == c {
				matched = append(matched, e)
			}
		}
		if len(matched) == 0 {
			continue
		}
		if err := entrySheet(f, string(c), matched, categoryColor); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func entrySheet(f *excelize.File, name string, entries []models.ReportEntry, color string) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %q: %w", name, err)
	}

	rows := make([][]interface{}, 0, len(entries)+1)
	rows = append(rows, toRow(entryHeader))
	for _, e := range entries {
		rows = append(rows, toRow(entryRow(e)))
	}
	if err := writeRows(f, name, rows); err != nil {
		return err
	}

	for i, w := range entryWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("column name: %w", err)
		}
		if err := f.SetColWidth(name, col, col, w); err != nil {
			return fmt.Errorf("set column width: %w", err)
		}
	}
	return styleHeader(f, name, color)
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func styleHeader(f *excelize.File, sheet, color string) error {
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{color}},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetRowStyle(sheet, 1, 1, style); err != nil {
		return fmt.Errorf("style %s header: %w", sheet, err)
	}
	return nil
}

func toRow(cells []string) []interface{} {
	out := make([]interface{}, len(cells))
	for i, c := range cells {
		out[i] = c
	}
	return out
}

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
	"bytes"
	"fmt"
	"strconv"

	"github.com/go-pdf/fpdf"

	"github.com/nocreport/reporter/internal/timezone"
)

const (
	pdfMargin  = 14.0
	pdfRowH    = 6.0
	pdfBottom  = 15.0
	ellipsis   = "..."
	pdfDateFmt = "January 2, 2006"
)

// Entry table columns; remarks are left to the spreadsheet.
var (
	pdfEntryHeader = entryHeader[:6]
	pdfEntryWidths = []float64{24, 34, 36, 48, 20, 20}
)

// PDF renders a portrait A4 report with a summary table, an entries table
// and a page footer.
func PDF(d Data) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pdfMargin, 15, pdfMargin)
	pdf.SetAutoPageBreak(true, pdfBottom)
	pdf.SetTitle("NOC Daily Report", true)
	pdf.SetCreator("NOC Report Generator", true)
	pdf.AliasNbPages("{nb}")

	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-10)
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, "NOC Daily Report", "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 12)
	pdf.CellFormat(0, 8, timezone.ToLocal(d.Date).Format(pdfDateFmt), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	// Summary
	heading(pdf, "Summary Statistics")
	summaryWidths := []float64{80, 30}
	tableHeader(pdf, []string{"Metric", "Value"}, summaryWidths, 68, 114, 196)
	pdf.SetFont("Helvetica", "", 10)
	for _, m := range summary(d) {
		pdf.CellFormat(summaryWidths[0], pdfRowH, m.name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(summaryWidths[1], pdfRowH, strconv.Itoa(m.value), "1", 1, "L", false, 0, "")
	}
	pdf.Ln(8)

	// Entries
	heading(pdf, "Report Entries")
	tableHeader(pdf, pdfEntryHeader, pdfEntryWidths, 112, 173, 71)

	_, pageH := pdf.GetPageSize()
	pdf.SetFont("Helvetica", "", 8)
	for i, e := range d.Entries {
		if pdf.GetY()+pdfRowH > pageH-pdfBottom {
			pdf.AddPage()
			tableHeader(pdf, pdfEntryHeader, pdfEntryWidths, 112, 173, 71)
			pdf.SetFont("Helvetica", "", 8)
		}

		fill := i%2 == 1
		pdf.SetFillColor(240, 240, 240)
		row := entryRow(e)
		for j, w := range pdfEntryWidths {
			pdf.CellFormat(w, pdfRowH, fit(pdf, tr(row[j]), w-2), "", 0, "L", fill, 0, "")
		}
		pdf.Ln(-1)
	}

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func heading(pdf *fpdf.Fpdf, text string) {
	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 8, text, "", 1, "L", false, 0, "")
	pdf.Ln(1)
}

func tableHeader(pdf *fpdf.Fpdf, cols []string, widths []float64, r, g, b int) {
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(r, g, b)
	pdf.SetTextColor(255, 255, 255)
	for i, c := range cols {
		pdf.CellFormat(widths[i], 7, c, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetTextColor(0, 0, 0)
}

// fit truncates an already translated single-byte string so it renders
// within w millimetres.
func fit(pdf *fpdf.Fpdf, s string, w float64) string {
	if pdf.GetStringWidth(s) <= w {
		return s
	}
	for len(s) > 0 && pdf.GetStringWidth(s+ellipsis) > w {
		s = s[:len(s)-1]
	}
	return s + ellipsis
}

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
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nocreport/reporter/internal/auth"
	"github.com/nocreport/reporter/internal/export"
	"github.com/nocreport/reporter/internal/fetcher"
	"github.com/nocreport/reporter/internal/models"
	"github.com/nocreport/reporter/internal/report"
	"github.com/nocreport/reporter/internal/timezone"
)

// dateRequest selects a local calendar day.
type dateRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
}

// updateRequest is the body of PATCH /api/reports/{id}. Statistics are
// accepted for client compatibility and ignored.
type updateRequest struct {
	Entries    []models.ReportEntry     `json:"entries" validate:"required,unique=ID,dive"`
	Version    *int64                   `json:"version,omitempty"`
	Statistics *models.ReportStatistics `json:"statistics,omitempty"`
}

type folderFailure struct {
	Folder string `json:"folder"`
	Pages  int    `json:"pages"`
	Error  string `json:"error"`
}

type reportSummary struct {
	ID           string                  `json:"id"`
	Date         time.Time               `json:"date"`
	EntriesCount int                     `json:"entriesCount"`
	Statistics   models.ReportStatistics `json:"statistics"`
	Version      int64                   `json:"version"`
}

func identity(r *http.Request) string {
	id, _ := auth.IdentityFrom(r.Context())
	return id.Email
}

func (h *Handler) readDate(w http.ResponseWriter, r *http.Request) (time.Time, error) {
	var req dateRequest
	if err := h.decode(w, r, &req); err != nil {
		return time.Time{}, err
	}
	d, err := timezone.ParseDate(req.Date)
	if err != nil {
		return time.Time{}, invalid("date must be a date in YYYY-MM-DD format")
	}
	return d, nil
}

// fetchDay runs the fetcher for user's local day with progress logged.
func (h *Handler) fetchDay(ctx context.Context, user string, date time.Time) (*fetcher.Result, error) {
	src, err := h.Sources.ForUser(ctx, user)
	if err != nil {
		return nil, err
	}
	return h.Fetcher.FetchForDate(ctx, src, user, date, func(p int) {
		slog.Debug("fetch progress", "user", user, "date", timezone.FormatDate(date), "percent", p)
	})
}

func failures(res *fetcher.Result) []folderFailure {
	out := make([]folderFailure, 0, len(res.Failures))
	for _, f := range res.Failures {
		out = append(out, folderFailure{Folder: f.Folder, Pages: f.Pages, Error: f.Err.Error()})
	}
	return out
}

func (h *Handler) fetchEmails(w http.ResponseWriter, r *http.Request) {
	user := identity(r)
	date, err := h.readDate(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}

	res, err := h.fetchDay(r.Context(), user, date)
	if err != nil {
		fail(w, r, err)
		return
	}

	msgs := res.Messages
	if msgs == nil {
		msgs = []models.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"count":     len(msgs),
		"fromCache": res.FromCache,
		"failures":  failures(res),
		"emails":    msgs,
	})
}

// getEmail returns the caller's cached copy of a message, typically the
// source of a report entry.
func (h *Handler) getEmail(w http.ResponseWriter, r *http.Request) {
	msg, err := h.Emails.Find(r.Context(), identity(r), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "Email not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "email": msg.Raw()})
}

func (h *Handler) generateReport(w http.ResponseWriter, r *http.Request) {
	user := identity(r)
	date, err := h.readDate(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	ctx := r.Context()

	lease, err := h.Locks.Acquire(ctx, user, date)
	if err != nil {
		fail(w, r, err)
		return
	}
	defer lease.Release(context.WithoutCancel(ctx))

	res, err := h.fetchDay(ctx, user, date)
	if err != nil {
		fail(w, r, err)
		return
	}

	saved, err := h.Reports.Persist(ctx, user, date, report.Generate(res.Messages))
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"report": reportSummary{
			ID:           saved.ID,
			Date:         saved.Date,
			EntriesCount: len(saved.Entries),
			Statistics:   saved.Statistics,
			Version:      saved.Version,
		},
		"fromCache": res.FromCache,
		"failures":  failures(res),
	})
}

func (h *Handler) listReports(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", report.DefaultListLimit)
	if err != nil {
		fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		fail(w, r, err)
		return
	}

	reports, err := h.Reports.List(r.Context(), identity(r), limit, offset)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "reports": reports})
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reports.Get(r.Context(), identity(r), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "report": rep})
}

func (h *Handler) updateReport(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := h.decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}

	rep, err := h.Reports.Update(r.Context(), identity(r), r.PathValue("id"), req.Entries, req.Version)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "report": rep})
}

func (h *Handler) exportReport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		fail(w, r, err)
		return
	}

	rep, err := h.Reports.Get(r.Context(), identity(r), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}

	out, err := export.Render(format, export.FromReport(rep))
	if err != nil {
		fail(w, r, fmt.Errorf("export report %s: %w", rep.ID, err))
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.Filename(rep.Date, format)))
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, invalid("%s must be a non-negative integer", key)
	}
	return n, nil
}

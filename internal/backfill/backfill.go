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

// Package backfill regenerates a user's reports over a range of past local
// days, one day at a time, through the same fetch and persist path the API
// uses.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nocreport/reporter/internal/fetcher"
	"github.com/nocreport/reporter/internal/graph"
	"github.com/nocreport/reporter/internal/lock"
	"github.com/nocreport/reporter/internal/models"
	"github.com/nocreport/reporter/internal/report"
	"github.com/nocreport/reporter/internal/timezone"
)

// MaxDays caps a single run.
const MaxDays = 366

// Request defines the scope of a regeneration run. From and To are local
// calendar days, both inclusive.
type Request struct {
	User string
	From time.Time
	To   time.Time
}

// Result summarises a completed run.
type Result struct {
	User      string
	Days      []DayResult
	Generated int
	Failed    int
	Elapsed   time.Duration
}

// DayResult tracks one day of the run.
type DayResult struct {
	Date          string
	ReportID      string
	Entries       int
	FromCache     bool
	FailedFolders int
	Err           error
}

// Sources builds a mail client for a user. Implemented by graph.Sources.
type Sources interface {
	ForUser(ctx context.Context, email string) (*graph.Client, error)
}

// Fetcher fetches one day of mail. Implemented by fetcher.Fetcher.
type Fetcher interface {
	FetchForDate(ctx context.Context, src fetcher.MailSource, userID string, date time.Time, progress fetcher.ProgressFunc) (*fetcher.Result, error)
}

// Persister saves a generated report. Implemented by report.Service.
type Persister interface {
	Persist(ctx context.Context, userID string, date time.Time, g report.Generated) (*models.Report, error)
}

// Locker guards generation. Implemented by lock.Guard.
type Locker interface {
	Acquire(ctx context.Context, userID string, date time.Time) (*lock.Lease, error)
}

// Runner performs report regeneration.
type Runner struct {
	sources Sources
	fetcher Fetcher
	reports Persister
	locks   Locker
}

// RunnerConfig holds dependencies for the runner.
type RunnerConfig struct {
	Sources Sources
	Fetcher Fetcher
	Reports Persister
	Locks   Locker
}

// NewRunner creates a regeneration runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		sources: cfg.Sources,
		fetcher: cfg.Fetcher,
		reports: cfg.Reports,
		locks:   cfg.Locks,
	}
}

// Run regenerates every day in the request. A failing day is recorded and
// the run moves on; only setup failures and cancellation end it early.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	from := timezone.StartOfLocalDay(req.From)
	to := timezone.StartOfLocalDay(req.To)
	if to.Before(from) {
		return nil, fmt.Errorf("range end %s is before start %s", timezone.FormatDate(to), timezone.FormatDate(from))
	}
	if days := int(to.Sub(from).Hours()/24) + 1; days > MaxDays {
		return nil, fmt.Errorf("range of %d days exceeds the %d day limit", days, MaxDays)
	}

	src, err := r.sources.ForUser(ctx, req.User)
	if err != nil {
		return nil, fmt.Errorf("build mail client: %w", err)
	}

	slog.Info("starting report regeneration",
		"user", req.User,
		"from", timezone.FormatDate(from),
		"to", timezone.FormatDate(to),
	)

	result := &Result{User: req.User}
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			result.Elapsed = time.Since(start)
			return result, err
		}

		dr := r.runDay(ctx, src, req.User, day)
		result.Days = append(result.Days, dr)
		if dr.Err != nil {
			result.Failed++
			slog.Error("day regeneration failed",
				"user", req.User,
				"date", dr.Date,
				"error", dr.Err,
			)
			continue
		}
		result.Generated++
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

func (r *Runner) runDay(ctx context.Context, src fetcher.MailSource, user string, day time.Time) DayResult {
	dr := DayResult{Date: timezone.FormatDate(day)}

	lease, err := r.locks.Acquire(ctx, user, day)
	if err != nil {
		dr.Err = err
		return dr
	}
	defer lease.Release(context.WithoutCancel(ctx))

	res, err := r.fetcher.FetchForDate(ctx, src, user, day, nil)
	if err != nil {
		dr.Err = fmt.Errorf("fetch messages: %w", err)
		return dr
	}
	dr.FromCache = res.FromCache
	dr.FailedFolders = len(res.Failures)

	saved, err := r.reports.Persist(ctx, user, day, report.Generate(res.Messages))
	if err != nil {
		dr.Err = fmt.Errorf("persist report: %w", err)
		return dr
	}
	dr.ReportID = saved.ID
	dr.Entries = len(saved.Entries)

	slog.Info("day regenerated",
		"user", user,
		"date", dr.Date,
		"report_id", dr.ReportID,
		"entries", dr.Entries,
		"from_cache", dr.FromCache,
		"failed_folders", dr.FailedFolders,
	)
	return dr
}

// IsBusy reports whether a day was skipped because another generation held it.
func (d DayResult) IsBusy() bool {
	return errors.Is(d.Err, lock.ErrBusy)
}

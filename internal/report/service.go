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

package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nocreport/reporter/internal/models"
	"github.com/nocreport/reporter/internal/stats"
	"github.com/nocreport/reporter/internal/timezone"
)

var (
	ErrNotFound        = errors.New("report not found")
	ErrForbidden       = errors.New("report belongs to another user")
	ErrVersionConflict = errors.New("report was modified concurrently")

	// ErrExists is returned by Store.Create when the user already has a
	// report for that day.
	ErrExists = errors.New("report already exists")
)

// List paging bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// Replacement is the wholesale overwrite applied by Store.Replace.
// A non-nil ExpectedVersion makes the replace conditional on it.
type Replacement struct {
	Entries         []models.ReportEntry
	Statistics      models.ReportStatistics
	ModifiedBy      string
	UpdatedAt       time.Time
	ExpectedVersion *int64
}

// Store persists reports. Implemented by MongoStore.
type Store interface {
	FindByUserAndDate(ctx context.Context, userID string, date time.Time) (*models.Report, error)
	FindByID(ctx context.Context, id string) (*models.Report, error)
	FindByUser(ctx context.Context, userID string, limit, offset int) ([]models.Report, error)
	Create(ctx context.Context, r *models.Report) error
	Replace(ctx context.Context, id string, upd Replacement) (*models.Report, error)
}

// Service applies ownership, upsert and versioning rules on top of a Store.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a report service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Persist saves generated entries as the user's report for the local day
// containing date, creating it on first use and overwriting it afterwards.
func (s *Service) Persist(ctx context.Context, userID string, date time.Time, g Generated) (*models.Report, error) {
	day := timezone.StartOfLocalDay(date).UTC()
	now := s.now().UTC()
	entries := nonNil(g.Entries)

	existing, err := s.store.FindByUserAndDate(ctx, userID, day)
	if err != nil {
		return nil, fmt.Errorf("find report: %w", err)
	}

	if existing == nil {
		r := &models.Report{
			UserID:         userID,
			Date:           day,
			Timezone:       timezone.Name,
			Entries:        entries,
			Statistics:     g.Statistics,
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastModifiedBy: userID,
		}
		err := s.store.Create(ctx, r)
		if err == nil {
			slog.Info("report created",
				"user", userID,
				"date", timezone.FormatDate(day),
				"report_id", r.ID,
				"entries", len(entries),
			)
			return r, nil
		}
		if !errors.Is(err, ErrExists) {
			return nil, fmt.Errorf("create report: %w", err)
		}

		// Lost a race with a concurrent first persist; overwrite theirs.
		existing, err = s.store.FindByUserAndDate(ctx, userID, day)
		if err != nil {
			return nil, fmt.Errorf("find report: %w", err)
		}
		if existing == nil {
			return nil, fmt.Errorf("create report: %w", ErrNotFound)
		}
	}

	r, err := s.store.Replace(ctx, existing.ID, Replacement{
		Entries:    entries,
		Statistics: g.Statistics,
		ModifiedBy: userID,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("replace report: %w", err)
	}

	slog.Info("report updated",
		"user", userID,
		"date", timezone.FormatDate(day),
		"report_id", r.ID,
		"entries", len(entries),
		"version", r.Version,
	)
	return r, nil
}

// Get returns a report owned by actor.
func (s *Service) Get(ctx context.Context, actor, id string) (*models.Report, error) {
	r, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find report: %w", err)
	}
	if r == nil {
		return nil, ErrNotFound
	}
	if r.UserID != actor {
		return nil, ErrForbidden
	}
	return r, nil
}

// List returns actor's reports, newest day first.
func (s *Service) List(ctx context.Context, actor string, limit, offset int) ([]models.Report, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset = max(offset, 0)

	reports, err := s.store.FindByUser(ctx, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	if reports == nil {
		reports = []models.Report{}
	}
	return reports, nil
}

// Update saves an edited entry list. Statistics are always recomputed from
// the entries. With a non-nil expectedVersion the save fails with
// ErrVersionConflict if anyone else saved first.
func (s *Service) Update(ctx context.Context, actor, id string, entries []models.ReportEntry, expectedVersion *int64) (*models.Report, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}

	entries = nonNil(entries)
	r, err := s.store.Replace(ctx, id, Replacement{
		Entries:         entries,
		Statistics:      stats.Aggregate(entries),
		ModifiedBy:      actor,
		UpdatedAt:       s.now().UTC(),
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("replace report: %w", err)
	}

	slog.Info("report edited",
		"user", actor,
		"report_id", id,
		"entries", len(entries),
		"version", r.Version,
	)
	return r, nil
}

func nonNil(entries []models.ReportEntry) []models.ReportEntry {
	if entries == nil {
		return []models.ReportEntry{}
	}
	return entries
}

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

// Package fetcher produces the de-duplicated set of messages a user sent or
// received on one local calendar day. It prefers the email cache and only
// falls back to paging the inbox and sent folders from Graph when the cache
// holds nothing for that day.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nocreport/reporter/internal/cache"
	"github.com/nocreport/reporter/internal/graph"
	"github.com/nocreport/reporter/internal/models"
	"github.com/nocreport/reporter/internal/retry"
	"github.com/nocreport/reporter/internal/timezone"
)

// Defaults match Graph's throttling guidance for per-user mailbox reads.
const (
	DefaultPageSize       = 50
	DefaultMaxPages       = 100
	DefaultPageDelay      = 250 * time.Millisecond
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = time.Second
)

// ErrSourceUnavailable is returned when every folder failed on its first
// page with a non-transient error, so nothing could be read at all.
var ErrSourceUnavailable = errors.New("mail source unavailable")

// MailSource is the subset of the Graph client the fetcher pages through.
// Implemented by graph.Client.
type MailSource interface {
	Query(ctx context.Context, folder string, q graph.Query) (*graph.Page, error)
	Continue(ctx context.Context, nextLink string) (*graph.Page, error)
}

// CacheStore is the email cache the fetcher reads and populates.
// Implemented by cache.Store.
type CacheStore interface {
	FindByDateRange(ctx context.Context, userID string, start, end time.Time) ([]models.CachedMessage, error)
	Insert(ctx context.Context, msg *models.CachedMessage) error
}

// ProgressFunc receives a non-decreasing completion percentage. The last
// call is always 100.
type ProgressFunc func(percent int)

// FolderFailure records a folder whose pagination stopped on an error.
// Messages from pages fetched before the failure are still returned.
type FolderFailure struct {
	Folder string
	Pages  int
	Err    error
}

// Result is the outcome of a fetch for one day.
type Result struct {
	Messages  []models.RawMessage
	FromCache bool
	Failures  []FolderFailure

	// Truncated lists folders that hit the page ceiling.
	Truncated []string
}

// Config holds dependencies and limits for the fetcher.
type Config struct {
	Cache     CacheStore
	Folders   []string
	PageSize  int
	MaxPages  int
	PageDelay time.Duration
	Retry     retry.Policy

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Fetcher orchestrates cache lookup, folder pagination and cache population.
type Fetcher struct {
	cache     CacheStore
	folders   []string
	pageSize  int
	maxPages  int
	pageDelay time.Duration
	retry     retry.Policy
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	inflight singleflight.Group
}

// New creates a fetcher, filling unset limits with the defaults.
func New(cfg Config) *Fetcher {
	f := &Fetcher{
		cache:     cfg.Cache,
		folders:   cfg.Folders,
		pageSize:  cfg.PageSize,
		maxPages:  cfg.MaxPages,
		pageDelay: cfg.PageDelay,
		retry:     cfg.Retry,
		now:       cfg.Now,
		sleep:     cfg.Sleep,
	}

	if len(f.folders) == 0 {
		f.folders = []string{graph.FolderInbox, graph.FolderSent}
	}
	if f.pageSize <= 0 {
		f.pageSize = DefaultPageSize
	}
	if f.maxPages <= 0 {
		f.maxPages = DefaultMaxPages
	}
	if f.pageDelay == 0 {
		f.pageDelay = DefaultPageDelay
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.sleep == nil {
		f.sleep = retry.Sleep
	}
	if f.retry.MaxAttempts == 0 {
		f.retry.MaxAttempts = DefaultRetryAttempts
	}
	if f.retry.BaseDelay == 0 {
		f.retry.BaseDelay = DefaultRetryBaseDelay
	}
	if f.retry.Retryable == nil {
		f.retry.Retryable = graph.IsTransient
	}
	if f.retry.Sleep == nil {
		f.retry.Sleep = f.sleep
	}

	return f
}

// FetchForDate returns the messages of the local day containing date.
// Concurrent calls for the same user and day share one fetch.
func (f *Fetcher) FetchForDate(ctx context.Context, src MailSource, userID string, date time.Time, progress ProgressFunc) (*Result, error) {
	start, end := timezone.DayRange(date)
	tracker := newProgressTracker(len(f.folders), progress)

	key := userID + "|" + start.Format(time.RFC3339)
	v, err, shared := f.inflight.Do(key, func() (interface{}, error) {
		return f.fetch(ctx, src, userID, start, end, tracker)
	})
	tracker.done()

	res, _ := v.(*Result)
	if shared && res != nil {
		res = res.clone()
	}
	return res, err
}

func (f *Fetcher) fetch(ctx context.Context, src MailSource, userID string, start, end time.Time, tracker *progressTracker) (*Result, error) {
	cached, err := f.cache.FindByDateRange(ctx, userID, start, end)
	if err != nil {
		slog.Warn("email cache lookup failed, fetching from mail source",
			"user", userID,
			"error", err,
		)
	} else if len(cached) > 0 {
		slog.Info("serving messages from cache",
			"user", userID,
			"date", timezone.FormatDate(start),
			"messages", len(cached),
		)
		msgs := make([]models.RawMessage, 0, len(cached))
		for i := range cached {
			msgs = append(msgs, cached[i].Raw())
		}
		return &Result{Messages: msgs, FromCache: true}, nil
	}

	q := graph.Query{
		Start:    start,
		End:      end,
		Select:   graph.DefaultSelect,
		PageSize: f.pageSize,
		OrderBy:  "receivedDateTime desc",
	}

	results := make([]folderResult, len(f.folders))
	var g errgroup.Group
	for i, folder := range f.folders {
		g.Go(func() error {
			results[i] = f.fetchFolder(ctx, src, userID, folder, q, func(pages int) {
				tracker.folderPages(i, pages)
			})
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{}
	var all []models.RawMessage
	var fatal []error
	for _, r := range results {
		all = append(all, r.messages...)
		if r.truncated {
			res.Truncated = append(res.Truncated, r.folder)
		}
		if r.err != nil {
			res.Failures = append(res.Failures, FolderFailure{Folder: r.folder, Pages: r.pages, Err: r.err})
			if r.pages == 0 && !graph.IsTransient(r.err) {
				fatal = append(fatal, fmt.Errorf("%s: %w", r.folder, r.err))
			}
		}
	}

	res.Messages = Deduplicate(all)
	f.cacheMessages(ctx, userID, res.Messages)

	slog.Info("fetched messages from mail source",
		"user", userID,
		"date", timezone.FormatDate(start),
		"messages", len(res.Messages),
		"failed_folders", len(res.Failures),
	)

	if len(fatal) == len(f.folders) {
		return res, fmt.Errorf("%w: %w", ErrSourceUnavailable, errors.Join(fatal...))
	}
	return res, nil
}

// folderResult tracks per-folder pagination progress.
type folderResult struct {
	folder    string
	messages  []models.RawMessage
	pages     int
	truncated bool
	err       error
}

// fetchFolder pages through one folder in server order, stopping at the
// page ceiling. On error it keeps whatever was fetched so far.
func (f *Fetcher) fetchFolder(ctx context.Context, src MailSource, userID, folder string, q graph.Query, onPage func(pages int)) folderResult {
	res := folderResult{folder: folder}
	nextLink := ""

	for {
		// Rate limit between pages
		if res.pages > 0 {
			if err := f.sleep(ctx, f.pageDelay); err != nil {
				res.err = err
				return res
			}
		}

		link := nextLink
		page, err := retry.Do(ctx, f.retry, func(ctx context.Context) (*graph.Page, error) {
			if link == "" {
				return src.Query(ctx, folder, q)
			}
			return src.Continue(ctx, link)
		})
		if err != nil {
			slog.Error("folder fetch failed, keeping partial results",
				"user", userID,
				"folder", folder,
				"page", res.pages+1,
				"status", graph.StatusCode(err),
				"error", err,
			)
			res.err = fmt.Errorf("fetch page %d: %w", res.pages+1, err)
			return res
		}

		res.pages++
		res.messages = append(res.messages, page.Items...)
		onPage(res.pages)

		slog.Debug("folder page fetched",
			"user", userID,
			"folder", folder,
			"page", res.pages,
			"messages", len(page.Items),
		)

		nextLink = page.NextLink
		if nextLink == "" {
			return res
		}
		if res.pages >= f.maxPages {
			slog.Warn("reached max page limit",
				"user", userID,
				"folder", folder,
				"max_pages", f.maxPages,
			)
			res.truncated = true
			return res
		}
	}
}

// cacheMessages stores every message, best effort. Duplicates are expected
// and silent; other failures are logged and skipped.
func (f *Fetcher) cacheMessages(ctx context.Context, userID string, msgs []models.RawMessage) {
	now := f.now()
	stored, existing, failed := 0, 0, 0

	for _, m := range msgs {
		err := f.cache.Insert(ctx, models.NewCachedMessage(userID, m, now))
		switch {
		case err == nil:
			stored++
		case errors.Is(err, cache.ErrDuplicateKey):
			existing++
		default:
			failed++
			slog.Warn("failed to cache message",
				"user", userID,
				"message_id", m.ID,
				"error", err,
			)
		}
	}

	slog.Debug("email cache populated",
		"user", userID,
		"stored", stored,
		"existing", existing,
		"failed", failed,
	)
}

// Deduplicate drops repeated message IDs, keeping the first occurrence.
func Deduplicate(msgs []models.RawMessage) []models.RawMessage {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]models.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func (r *Result) clone() *Result {
	c := *r
	c.Messages = append([]models.RawMessage(nil), r.Messages...)
	c.Failures = append([]FolderFailure(nil), r.Failures...)
	c.Truncated = append([]string(nil), r.Truncated...)
	return &c
}

// progressTracker merges per-folder progress into one non-decreasing
// percentage. Folders share 90 points; the final 10 are reported by done.
type progressTracker struct {
	mu        sync.Mutex
	fn        ProgressFunc
	share     int
	perFolder []int
	last      int
}

const progressPerPage = 5

func newProgressTracker(folders int, fn ProgressFunc) *progressTracker {
	share := 90
	if folders > 0 {
		share = 90 / folders
	}
	return &progressTracker{fn: fn, share: share, perFolder: make([]int, folders)}
}

func (t *progressTracker) folderPages(i, pages int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.perFolder[i] = min(t.share, pages*progressPerPage)
	total := 0
	for _, p := range t.perFolder {
		total += p
	}
	t.emit(total)
}

func (t *progressTracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = 100
	if t.fn != nil {
		t.fn(100)
	}
}

func (t *progressTracker) emit(p int) {
	if p <= t.last {
		return
	}
	t.last = p
	if t.fn != nil {
		t.fn(p)
	}
}

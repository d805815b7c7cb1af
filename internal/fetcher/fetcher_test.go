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

package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nocreport/reporter/internal/cache"
	"github.com/nocreport/reporter/internal/graph"
	"github.com/nocreport/reporter/internal/models"
	"github.com/nocreport/reporter/internal/retry"
)

// --- Mocks ---

type step struct {
	page *graph.Page
	err  error
}

// mockSource replays a scripted sequence of results per folder. Continue
// links are encoded as "folder|n".
type mockSource struct {
	mu      sync.Mutex
	scripts map[string][]step
	calls   map[string]int

	// endless makes every page return another continuation link.
	endless bool
}

func newMockSource() *mockSource {
	return &mockSource{scripts: make(map[string][]step), calls: make(map[string]int)}
}

func (m *mockSource) next(folder string) (*graph.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.calls[folder]
	m.calls[folder]++

	if m.endless {
		return &graph.Page{
			Items:    []models.RawMessage{msg(fmt.Sprintf("%s-%d", folder, n), time.Now())},
			NextLink: fmt.Sprintf("%s|%d", folder, n+1),
		}, nil
	}

	script := m.scripts[folder]
	if n >= len(script) {
		return &graph.Page{}, nil
	}
	return script[n].page, script[n].err
}

func (m *mockSource) Query(_ context.Context, folder string, _ graph.Query) (*graph.Page, error) {
	return m.next(folder)
}

func (m *mockSource) Continue(_ context.Context, nextLink string) (*graph.Page, error) {
	for i := 0; i < len(nextLink); i++ {
		if nextLink[i] == '|' {
			return m.next(nextLink[:i])
		}
	}
	return nil, fmt.Errorf("bad link %q", nextLink)
}

func (m *mockSource) callCount(folder string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[folder]
}

type mockCache struct {
	mu        sync.Mutex
	cached    []models.CachedMessage
	inserted  []*models.CachedMessage
	findErr   error
	insertErr func(id string) error
}

func (m *mockCache) FindByDateRange(_ context.Context, userID string, start, end time.Time) ([]models.CachedMessage, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []models.CachedMessage
	for _, c := range m.cached {
		if c.UserID == userID && !c.Received.Before(start) && c.Received.Before(end) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockCache) Insert(_ context.Context, msg *models.CachedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		if err := m.insertErr(msg.MessageID); err != nil {
			return err
		}
	}
	m.inserted = append(m.inserted, msg)
	return nil
}

// --- Helpers ---

var day = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func msg(id string, received time.Time) models.RawMessage {
	return models.RawMessage{ID: id, Subject: "subject " + id, Received: received}
}

func page(next string, ids ...string) step {
	p := &graph.Page{NextLink: next}
	for _, id := range ids {
		p.Items = append(p.Items, msg(id, day))
	}
	return step{page: p}
}

func fail(status int) step {
	kind := graph.KindOther
	switch {
	case status == 429:
		kind = graph.KindRateLimited
	case status >= 500:
		kind = graph.KindServer
	}
	return step{err: &graph.APIError{StatusCode: status, Kind: kind}}
}

// newTestFetcher returns a fetcher that never really sleeps and records
// every requested delay.
func newTestFetcher(c CacheStore, sleeps *[]time.Duration) *Fetcher {
	var mu sync.Mutex
	return New(Config{
		Cache: c,
		Sleep: func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			defer mu.Unlock()
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
			return ctx.Err()
		},
	})
}

func ids(msgs []models.RawMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// --- Tests ---

func TestDeduplicate_FirstOccurrenceWins(t *testing.T) {
	in := []models.RawMessage{
		{ID: "a", Subject: "first"},
		{ID: "b"},
		{ID: "a", Subject: "second"},
		{ID: "c"},
		{ID: "b"},
	}

	out := Deduplicate(in)
	if got := ids(out); fmt.Sprint(got) != "[a b c]" {
		t.Fatalf("expected [a b c], got %v", got)
	}
	if out[0].Subject != "first" {
		t.Errorf("expected first copy kept, got %q", out[0].Subject)
	}
}

func TestFetchForDate_MergesFoldersAndDeduplicates(t *testing.T) {
	src := newMockSource()
	src.scripts[graph.FolderInbox] = []step{page("inbox|1", "m1", "m2"), page("", "m3")}
	src.scripts[graph.FolderSent] = []step{page("", "m2", "s1")}

	c := &mockCache{}
	var sleeps []time.Duration
	f := newTestFetcher(c, &sleeps)

	res, err := f.FetchForDate(context.Background(), src, "user-1", day, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FromCache {
		t.Error("expected a remote fetch")
	}
	if got := ids(res.Messages); fmt.Sprint(got) != "[m1 m2 m3 s1]" {
		t.Errorf("expected [m1 m2 m3 s1], got %v", got)
	}
	if len(res.Failures) != 0 {
		t.Errorf("expected no failures, got %v", res.Failures)
	}

	// One delay between the two inbox pages
	if len(sleeps) != 1 || sleeps[0] != DefaultPageDelay {
		t.Errorf("expected one page delay of %v, got %v", DefaultPageDelay, sleeps)
	}

	if len(c.inserted) != 4 {
		t.Fatalf("expected 4 cached messages, got %d", len(c.inserted))
	}
	for _, cm := range c.inserted {
		if cm.UserID != "user-1" {
			t.Errorf("cached message owned by %q", cm.UserID)
		}
	}
}

func TestFetchForDate_ServesFromCache(t *testing.T) {
	start := time.Date(2024, 3, 9, 18, 0, 0, 0, time.UTC)
	c := &mockCache{cached: []models.CachedMessage{
		{UserID: "user-1", MessageID: "c1", Received: start.Add(time.Hour)},
		{UserID: "user-1", MessageID: "c2", Received: start.Add(2 * time.Hour)},
		{UserID: "user-2", MessageID: "other", Received: start.Add(time.Hour)},
	}}
	src := newMockSource()
	f := newTestFetcher(c, nil)

	res, err := f.FetchForDate(context.Background(), src, "user-1", day, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.FromCache {
		t.Error("expected FromCache")
	}
	if got := ids(res.Messages); fmt.Sprint(got) != "[c1 c2]" {
		t.Errorf("expected [c1 c2], got %v", got)
	}
	if src.callCount(graph.FolderInbox)+src.callCount(graph.FolderSent) != 0 {
		t.Error("mail source should not be called on a cache hit")
	}
	if len(c.inserted) != 0 {
		t.Error("cache hit should not write to the cache")
	}
}

func TestFetchForDate_CacheReadFailureFallsThrough(t *testing.T) {
	src := newMockSource()
	src.scripts[graph.FolderInbox] = []step{page("", "m1")}
	c := &mockCache{findErr: errors.New("connection refused")}
	f := newTestFetcher(c, nil)

	res, err := f.FetchForDate(context.Background(), src, "user-1", day, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FromCache || len(res.Messages) != 1 {
		t.Errorf("expected 1 remote message, got %+v", res)
	}
}

func TestFetchForDate_StopsAtMaxPages(t *testing.T) {
	src := newMockSource()
	src.endless = true
	f := newTestFetcher(&mockCache{}, nil)

	res, err := f.FetchForDate(context.Background(), src, "user-1", day, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, folder := range []string{graph.FolderInbox, graph.FolderSent} {
		if n := src.callCount(folder); n != DefaultMaxPages {
			t.Errorf("%s: expected %d page requests, got %d", folder, DefaultMaxPages, n)
		}
	}
	if len(res.Messages) != 2*DefaultMaxPages {
		t.Errorf("expected %d messages, got %d", 2*DefaultMaxPages, len(res.Messages))
	}
	if len(res.Truncated) != 2 {
		t.Errorf("expected both folders truncated, got %v", res.Truncated)
	}
}

func TestFetchForDate_RetriesRateLimit(t *testing.T) {
	src := newMockSource()
	src.scripts[graph.FolderInbox] = []step{fail(429), page("", "m1")}

	var sleeps []time.Duration
	f := newTestFetcher(&mockCache{}, &sleeps)

	res, err := f.FetchForDate(context.Background(), src, "user-1", day, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ids(res.Messages); fmt.Sprint(got) != "[m1]" {
		t.Errorf("expected [m1], got %v", got)
	}
	if len(res.Failures) != 0 {
		t.Errorf("expected no failures, got %v", res.Failures)
	}
	if len(sleeps) != 1 || sleeps[0] != DefaultRetryBaseDelay {
		t.Errorf("expected one backoff of %v, got %v", DefaultRetryBaseDelay, sleeps)
	}
}

func TestFetchForDate_ExhaustedFolderKeepsOthers(t *testing.T) {
	src := newMockSource()
	src.scripts[graph.FolderInbox] = []step{fail(429), fail(429), fail(429)}
	src.scripts[graph.FolderSent] = []step{page("", "s1", "s2")}

	var sleeps []time.Duration
	f := newTestFetcher(&mockCache{}, &sleeps)

	res, err := f.FetchForDate(context.Background(), src, "user-1", day, nil)
	if err != nil {
		t.Fatalf("transient exhaustion should not be fatal: %v", err)
	}
	if got := ids(res.Messages); fmt.Sprint(got) != "[s1 s2]" {
		t.Errorf("expected sent messages kept, got %v", got)
	}
	if src.callCount(graph.FolderInbox) != 3 {
		t.Errorf("expected 3 inbox attempts, got %d", src.callCount(graph.FolderInbox))
	}
	if len(res.Failures) != 1 || res.Failures[0].Folder != graph.FolderInbox {
		t.Fatalf("expected one inbox failure, got %+v", res.Failures)
	}
	if !errors.Is(res.Failures[0].Err, retry.ErrExhausted) {
		t.Errorf("expected exhausted error, got %v", res.Failures[0].Err)
	}

	// Backoff 1s then 2s
	want := []time.Duration{time.Second, 2 * time.Second}
	if fmt.Sprint(sleeps) != fmt.Sprint(want) {
		t.Errorf("expected backoff %v, got %v", want, sleeps)
	}
}

func TestFetchForDate_PartialFolderKeepsFetchedPages(t *testing.T) {
	src := newMockSource()
	src.scripts[graph.FolderInbox] = []step{page("inbox|1", "m1"), fail(404)}

	f := newTestFetcher(&mockCache{}, nil)
	res, err := f.FetchForDate(context.Background(), src, "user-1", day, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ids(res.Messages); fmt.Sprint(got) != "[m1]" {
		t.Errorf("expected [m1], got %v", got)
	}
	if len(res.Failures) != 1 || res.Failures[0].Pages != 1 {
		t.Errorf("expected inbox failure after 1 page, got %+v", res.Failures)
	}
	if src.callCount(graph.FolderInbox) != 2 {
		t.Errorf("404 should not be retried, got %d calls", src.callCount(graph.FolderInbox))
	}
}

func TestFetchForDate_AllFoldersRejected(t *testing.T) {
	src := newMockSource()
	src.scripts[graph.FolderInbox] = []step{fail(401)}
	src.scripts[graph.FolderSent] = []step{fail(403)}

	f := newTestFetcher(&mockCache{}, nil)
	res, err := f.FetchForDate(context.Background(), src, "user-1", day, nil)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if graph.StatusCode(err) != 401 {
		t.Errorf("expected the 401 to be reachable, got %d", graph.StatusCode(err))
	}
	if res == nil || len(res.Failures) != 2 {
		t.Errorf("expected both failures recorded, got %+v", res)
	}
}

func TestFetchForDate_CacheInsertFailureDoesNotAbort(t *testing.T) {
	src := newMockSource()
	src.scripts[graph.FolderInbox] = []step{page("", "m1", "dup", "broken", "m2")}

	c := &mockCache{insertErr: func(id string) error {
		switch id {
		case "dup":
			return cache.ErrDuplicateKey
		case "broken":
			return errors.New("write timeout")
		}
		return nil
	}}
	f := newTestFetcher(c, nil)

	res, err := f.FetchForDate(context.Background(), src, "user-1", day, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Messages) != 4 {
		t.Errorf("expected 4 messages, got %d", len(res.Messages))
	}
	if len(c.inserted) != 2 {
		t.Errorf("expected 2 successful inserts, got %d", len(c.inserted))
	}
}

func TestFetchForDate_ProgressIsMonotonic(t *testing.T) {
	src := newMockSource()
	src.scripts[graph.FolderInbox] = []step{page("inbox|1", "a"), page("inbox|2", "b"), page("", "c")}
	src.scripts[graph.FolderSent] = []step{page("sentitems|1", "x"), page("", "y")}

	var mu sync.Mutex
	var reports []int
	f := newTestFetcher(&mockCache{}, nil)

	_, err := f.FetchForDate(context.Background(), src, "user-1", day, func(p int) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(reports) == 0 || reports[len(reports)-1] != 100 {
		t.Fatalf("expected final progress 100, got %v", reports)
	}
	for i := 1; i < len(reports); i++ {
		if reports[i] < reports[i-1] {
			t.Errorf("progress went backwards: %v", reports)
		}
	}
}

func TestFetchForDate_Cancelled(t *testing.T) {
	src := newMockSource()
	src.scripts[graph.FolderInbox] = []step{page("inbox|1", "m1"), page("", "m2")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher(&mockCache{}, nil)
	res, err := f.FetchForDate(ctx, src, "user-1", day, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// First page lands, the page delay observes cancellation
	if got := ids(res.Messages); fmt.Sprint(got) != "[m1]" {
		t.Errorf("expected [m1], got %v", got)
	}
	if len(res.Failures) != 1 || !errors.Is(res.Failures[0].Err, context.Canceled) {
		t.Errorf("expected cancellation failure, got %+v", res.Failures)
	}
}

// gatedSource holds the first inbox query until release is closed.
type gatedSource struct {
	*mockSource
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSource) Query(ctx context.Context, folder string, q graph.Query) (*graph.Page, error) {
	if folder == graph.FolderInbox {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.mockSource.Query(ctx, folder, q)
}

func TestFetchForDate_CoalescesConcurrentCalls(t *testing.T) {
	base := newMockSource()
	base.scripts[graph.FolderInbox] = []step{page("", "a", "b")}
	src := &gatedSource{mockSource: base, entered: make(chan struct{}), release: make(chan struct{})}

	f := newTestFetcher(&mockCache{}, nil)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	last := make([]int, 2)
	var mu sync.Mutex

	call := func(i int) {
		defer wg.Done()
		results[i], errs[i] = f.FetchForDate(context.Background(), src, "user-1", day, func(p int) {
			mu.Lock()
			defer mu.Unlock()
			last[i] = p
		})
	}

	wg.Add(2)
	go call(0)
	<-src.entered
	go call(1)

	// Give the second caller time to join the in-flight fetch
	time.Sleep(50 * time.Millisecond)
	close(src.release)
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, errs[i])
		}
	}
	if n := base.callCount(graph.FolderInbox); n != 1 {
		t.Errorf("expected one inbox query, got %d", n)
	}
	if a, b := fmt.Sprint(ids(results[0].Messages)), fmt.Sprint(ids(results[1].Messages)); a != "[a b]" || b != "[a b]" {
		t.Errorf("expected both callers to get [a b], got %s and %s", a, b)
	}
	if results[0] == results[1] {
		t.Error("expected each caller to get its own result")
	}
	if last[0] != 100 || last[1] != 100 {
		t.Errorf("expected both progress sinks to end at 100, got %v", last)
	}
}

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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/nocreport/reporter/internal/auth"
	"github.com/nocreport/reporter/internal/fetcher"
	"github.com/nocreport/reporter/internal/graph"
	"github.com/nocreport/reporter/internal/lock"
	"github.com/nocreport/reporter/internal/models"
	"github.com/nocreport/reporter/internal/report"
	"github.com/nocreport/reporter/internal/users"
)

// --- Mocks ---

type mockOAuth struct {
	graphClient *http.Client
}

func (m *mockOAuth) AuthCodeURL(state string) string {
	return "https://login.example.com/authorize?state=" + state
}

func (m *mockOAuth) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	if code != "good-code" {
		return nil, errors.New("invalid_grant")
	}
	return &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", Expiry: time.Now().Add(time.Hour)}, nil
}

func (m *mockOAuth) TokenClient(context.Context, *oauth2.Token) *http.Client {
	return m.graphClient
}

type mockUsers struct {
	mu    sync.Mutex
	saved []users.User
}

func (m *mockUsers) Upsert(_ context.Context, u users.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, u)
	return nil
}

type mockSources struct{ err error }

func (m *mockSources) ForUser(context.Context, string) (*graph.Client, error) {
	if m.err != nil {
		return nil, m.err
	}
	return graph.NewClient(http.DefaultClient, "http://graph.invalid", nil), nil
}

type mockFetcher struct {
	result *fetcher.Result
	err    error
	dates  []time.Time
}

func (m *mockFetcher) FetchForDate(_ context.Context, _ fetcher.MailSource, _ string, date time.Time, progress fetcher.ProgressFunc) (*fetcher.Result, error) {
	m.dates = append(m.dates, date)
	if progress != nil {
		progress(100)
	}
	return m.result, m.err
}

type mockReports struct {
	reports map[string]*models.Report
	update  error
}

func (m *mockReports) Persist(_ context.Context, userID string, date time.Time, g report.Generated) (*models.Report, error) {
	r := &models.Report{ID: "rep-new", UserID: userID, Date: date, Entries: g.Entries, Statistics: g.Statistics, Version: 1}
	m.reports[r.ID] = r
	return r, nil
}

func (m *mockReports) Get(_ context.Context, actor, id string) (*models.Report, error) {
	r, ok := m.reports[id]
	if !ok {
		return nil, report.ErrNotFound
	}
	if r.UserID != actor {
		return nil, report.ErrForbidden
	}
	return r, nil
}

func (m *mockReports) List(_ context.Context, actor string, limit, offset int) ([]models.Report, error) {
	var out []models.Report
	for _, r := range m.reports {
		if r.UserID == actor {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *mockReports) Update(ctx context.Context, actor, id string, entries []models.ReportEntry, v *int64) (*models.Report, error) {
	r, err := m.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if m.update != nil {
		return nil, m.update
	}
	r.Entries = entries
	r.Version++
	return r, nil
}

type mockLocker struct{ busy bool }

func (m *mockLocker) Acquire(context.Context, string, time.Time) (*lock.Lease, error) {
	if m.busy {
		return nil, lock.ErrBusy
	}
	return &lock.Lease{}, nil
}

type mockEmails struct {
	messages []models.CachedMessage
	err      error
}

func (m *mockEmails) Find(_ context.Context, userID, messageID string) (*models.CachedMessage, error) {
	if m.err != nil {
		return nil, m.err
	}
	for i := range m.messages {
		if m.messages[i].UserID == userID && m.messages[i].MessageID == messageID {
			return &m.messages[i], nil
		}
	}
	return nil, nil
}

// --- Helpers ---

const testUser = "ops@example.com"

type fixture struct {
	handler  http.Handler
	sessions *auth.Sessions
	fetcher  *mockFetcher
	emails   *mockEmails
	reports  *mockReports
	locker   *mockLocker
	users    *mockUsers
	oauth    *mockOAuth
	health   map[string]HealthCheck
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sessions: auth.NewSessions("test-secret", time.Hour),
		fetcher: &mockFetcher{result: &fetcher.Result{Messages: []models.RawMessage{
			{ID: "m1", Subject: "Planned maintenance on backhaul", Received: time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)},
			{ID: "m2", Subject: "Complaint from client: Acme", Received: time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC)},
		}}},
		emails: &mockEmails{messages: []models.CachedMessage{
			{UserID: testUser, MessageID: "m1", Subject: "Planned maintenance on backhaul", From: "NOC", Received: time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)},
			{UserID: "someone@example.com", MessageID: "m9", Subject: "Not yours"},
		}},
		reports: &mockReports{reports: map[string]*models.Report{
			"rep-1": {ID: "rep-1", UserID: testUser, Date: time.Date(2024, 3, 9, 18, 0, 0, 0, time.UTC), Version: 3, Entries: []models.ReportEntry{
				{ID: "e1", Category: models.CategoryBackhaul, DateTime: time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC), ClientVendor: "Summit", Cause: "Fiber cut", Downtime: "1 hour", Type: models.TypeComplain, SourceMessageID: "m1"},
			}},
			"rep-other": {ID: "rep-other", UserID: "someone@example.com"},
		}},
		locker: &mockLocker{},
		users:  &mockUsers{},
		oauth:  &mockOAuth{},
		health: map[string]HealthCheck{},
	}

	f.handler = NewHandler(Deps{
		Sessions: f.sessions,
		OAuth:    f.oauth,
		Users:    f.users,
		Sources:  &mockSources{},
		Fetcher:  f.fetcher,
		Emails:   f.emails,
		Reports:  f.reports,
		Locks:    f.locker,
		Health:   f.health,
	}).Routes()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	token, _, err := f.sessions.Issue(auth.Identity{Email: testUser})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: token})

	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["error"] == nil || body["error"] == "" {
		t.Errorf("expected an error message, got %v", body)
	}
}

// --- Tests ---

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	f.health["mongo"] = func(context.Context) error { return errors.New("down") }
	rr = f.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["status"] != "unhealthy" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestAPI_RequiresSession(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/reports", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	expectError(t, rr, http.StatusUnauthorized)
}

func TestFetchEmails(t *testing.T) {
	f := newFixture(t)
	f.fetcher.result.Failures = []fetcher.FolderFailure{{Folder: "sentitems", Err: errors.New("HTTP 429")}}

	rr := f.do(t, http.MethodPost, "/api/emails/fetch", `{"date":"2024-03-10"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	body := decodeBody(t, rr)
	if body["success"] != true || body["count"] != float64(2) {
		t.Errorf("unexpected body %v", body)
	}
	if fails, _ := body["failures"].([]interface{}); len(fails) != 1 {
		t.Errorf("expected 1 folder failure, got %v", body["failures"])
	}

	want := time.Date(2024, 3, 9, 18, 0, 0, 0, time.UTC)
	if len(f.fetcher.dates) != 1 || !f.fetcher.dates[0].Equal(want) {
		t.Errorf("expected local midnight %v, got %v", want, f.fetcher.dates)
	}
}

func TestGetEmail(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/emails/m1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	email, _ := decodeBody(t, rr)["email"].(map[string]interface{})
	if email["id"] != "m1" || email["subject"] != "Planned maintenance on backhaul" {
		t.Errorf("unexpected email %v", email)
	}

	// Another user's message is invisible
	expectError(t, f.do(t, http.MethodGet, "/api/emails/m9", ""), http.StatusNotFound)
	expectError(t, f.do(t, http.MethodGet, "/api/emails/missing", ""), http.StatusNotFound)

	f.emails.err = errors.New("mongo down")
	expectError(t, f.do(t, http.MethodGet, "/api/emails/m1", ""), http.StatusInternalServerError)
}

func TestFetchEmails_BadInput(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"malformed json", `{"date":`},
		{"missing date", `{}`},
		{"wrong format", `{"date":"10/03/2024"}`},
		{"impossible date", `{"date":"2024-02-31"}`},
		{"unknown field", `{"date":"2024-03-10","user":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/api/emails/fetch", tt.body)
			expectError(t, rr, http.StatusBadRequest)
		})
	}
}

func TestFetchEmails_SourceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"denied", fmt.Errorf("%w: %w", fetcher.ErrSourceUnavailable, &graph.APIError{StatusCode: 401}), http.StatusUnauthorized},
		{"upstream down", fmt.Errorf("%w: %w", fetcher.ErrSourceUnavailable, &graph.APIError{StatusCode: 400}), http.StatusBadGateway},
		{"no credentials", auth.ErrUnauthenticated, http.StatusUnauthorized},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.fetcher.err = tt.err

			rr := f.do(t, http.MethodPost, "/api/emails/fetch", `{"date":"2024-03-10"}`)
			expectError(t, rr, tt.status)
			if strings.Contains(rr.Body.String(), "boom") {
				t.Error("internal error text leaked to client")
			}
		})
	}
}

func TestGenerateReport(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/reports/generate", `{"date":"2024-03-10"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	body := decodeBody(t, rr)
	rep, _ := body["report"].(map[string]interface{})
	if rep["id"] != "rep-new" || rep["entriesCount"] != float64(2) {
		t.Errorf("unexpected report summary %v", rep)
	}
	stats, _ := rep["statistics"].(map[string]interface{})
	if stats["totalServices"] != float64(1) || stats["totalNewComplaints"] != float64(1) {
		t.Errorf("unexpected statistics %v", stats)
	}
}

func TestGenerateReport_Busy(t *testing.T) {
	f := newFixture(t)
	f.locker.busy = true

	rr := f.do(t, http.MethodPost, "/api/reports/generate", `{"date":"2024-03-10"}`)
	expectError(t, rr, http.StatusConflict)
	if len(f.fetcher.dates) != 0 {
		t.Error("fetch should not run while generation is locked")
	}
}

func TestGetReport(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		path   string
		status int
	}{
		{"/api/reports/rep-1", http.StatusOK},
		{"/api/reports/rep-other", http.StatusForbidden},
		{"/api/reports/missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := f.do(t, http.MethodGet, tt.path, "")
			if tt.status != http.StatusOK {
				expectError(t, rr, tt.status)
				return
			}
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			rep, _ := decodeBody(t, rr)["report"].(map[string]interface{})
			if rep["id"] != "rep-1" {
				t.Errorf("unexpected report %v", rep)
			}
		})
	}
}

func TestListReports(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/reports?limit=10&offset=0", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if reports, _ := decodeBody(t, rr)["reports"].([]interface{}); len(reports) != 1 {
		t.Errorf("expected only the caller's report, got %d", len(reports))
	}

	expectError(t, f.do(t, http.MethodGet, "/api/reports?limit=abc", ""), http.StatusBadRequest)
}

func entryJSON(mutate func(e map[string]interface{})) string {
	e := map[string]interface{}{
		"id":              "e1",
		"category":        "ISP Client",
		"dateTime":        "2024-03-10T03:00:00Z",
		"clientVendor":    "Acme",
		"cause":           "Fiber cut",
		"downtime":        "2 hours",
		"type":            "Complain",
		"remarks":         "",
		"sourceMessageId": "m1",
		"isManuallyAdded": false,
		"isEdited":        true,
	}
	if mutate != nil {
		mutate(e)
	}
	b, _ := json.Marshal(map[string]interface{}{"entries": []interface{}{e}})
	return string(b)
}

// duplicateEntriesJSON sends the same entry twice.
func duplicateEntriesJSON() string {
	var one map[string][]interface{}
	_ = json.Unmarshal([]byte(entryJSON(nil)), &one)
	b, _ := json.Marshal(map[string]interface{}{"entries": []interface{}{one["entries"][0], one["entries"][0]}})
	return string(b)
}

func TestUpdateReport(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPatch, "/api/reports/rep-1", entryJSON(nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := f.reports.reports["rep-1"].Entries[0].ClientVendor; got != "Acme" {
		t.Errorf("entries not saved, got client %q", got)
	}
}

func TestUpdateReport_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"bad category", entryJSON(func(e map[string]interface{}) { e["category"] = "Core" }), "category"},
		{"bad type", entryJSON(func(e map[string]interface{}) { e["type"] = "Incident" }), "type"},
		{"missing cause", entryJSON(func(e map[string]interface{}) { e["cause"] = "" }), "cause"},
		{"manual with source", entryJSON(func(e map[string]interface{}) { e["isManuallyAdded"] = true }), "sourceMessageId"},
		{"derived without source", entryJSON(func(e map[string]interface{}) { delete(e, "sourceMessageId") }), "sourceMessageId"},
		{"missing entries", `{"version":1}`, "entries"},
		{"duplicate entry ids", duplicateEntriesJSON(), "duplicate ids"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPatch, "/api/reports/rep-1", tt.body)
			expectError(t, rr, http.StatusBadRequest)
			if !strings.Contains(rr.Body.String(), tt.reason) {
				t.Errorf("expected message mentioning %q, got %s", tt.reason, rr.Body.String())
			}
		})
	}
}

func TestUpdateReport_Conflict(t *testing.T) {
	f := newFixture(t)
	f.reports.update = report.ErrVersionConflict

	body := strings.Replace(entryJSON(nil), `{"entries"`, `{"version":2,"entries"`, 1)
	rr := f.do(t, http.MethodPatch, "/api/reports/rep-1", body)
	expectError(t, rr, http.StatusConflict)
}

func TestExportReport(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/reports/rep-1/export?format=xlsx", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("unexpected content type %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "report-2024-03-10.xlsx") {
		t.Errorf("unexpected disposition %q", cd)
	}
	if !bytes.HasPrefix(rr.Body.Bytes(), []byte("PK")) {
		t.Error("expected xlsx bytes")
	}

	rr = f.do(t, http.MethodGet, "/api/reports/rep-1/export?format=pdf", "")
	if rr.Code != http.StatusOK || !bytes.HasPrefix(rr.Body.Bytes(), []byte("%PDF")) {
		t.Errorf("expected pdf, got %d", rr.Code)
	}

	expectError(t, f.do(t, http.MethodGet, "/api/reports/rep-1/export?format=csv", ""), http.StatusBadRequest)
	expectError(t, f.do(t, http.MethodGet, "/api/reports/rep-other/export?format=pdf", ""), http.StatusForbidden)
}

func TestSignInAndCallback(t *testing.T) {
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"id":                "ms-123",
			"displayName":       "NOC Operator",
			"userPrincipalName": testUser,
		})
	}))
	defer graphServer.Close()

	f := newFixture(t)
	f.oauth.graphClient = graphServer.Client()
	f.handler = NewHandler(Deps{
		Sessions:     f.sessions,
		OAuth:        f.oauth,
		Users:        f.users,
		GraphBaseURL: graphServer.URL,
	}).Routes()

	// Sign-in sets the state cookie and redirects
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/signin", nil))
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	var state *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == stateCookie {
			state = c
		}
	}
	if state == nil || !strings.Contains(rr.Header().Get("Location"), "state="+state.Value) {
		t.Fatalf("state cookie and redirect disagree: %v", rr.Header())
	}

	// Mismatched state is rejected
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=good-code&state=forged", nil)
	req.AddCookie(state)
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	expectError(t, rr, http.StatusBadRequest)

	// Valid callback stores the user and issues a session
	req = httptest.NewRequest(http.MethodGet, "/auth/callback?code=good-code&state="+state.Value, nil)
	req.AddCookie(state)
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rr.Code, rr.Body.String())
	}

	if len(f.users.saved) != 1 || f.users.saved[0].Email != testUser || f.users.saved[0].RefreshToken != "refresh" {
		t.Fatalf("unexpected saved users %+v", f.users.saved)
	}

	var session string
	for _, c := range rr.Result().Cookies() {
		if c.Name == auth.SessionCookie {
			session = c.Value
		}
	}
	id, err := f.sessions.Verify(session)
	if err != nil || id.Email != testUser || id.Name != "NOC Operator" {
		t.Errorf("unexpected session identity %+v, %v", id, err)
	}
}

func TestSignOut(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/auth/signout", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	for _, c := range rr.Result().Cookies() {
		if c.Name == auth.SessionCookie && c.MaxAge >= 0 {
			t.Errorf("expected session cookie cleared, got %+v", c)
		}
	}
}

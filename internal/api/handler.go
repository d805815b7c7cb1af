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

// Package api serves the report HTTP surface: Microsoft sign-in, fetching
// a day's mail, generating and editing reports, and exporting them.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"

	"github.com/nocreport/reporter/internal/auth"
	"github.com/nocreport/reporter/internal/fetcher"
	"github.com/nocreport/reporter/internal/graph"
	"github.com/nocreport/reporter/internal/lock"
	"github.com/nocreport/reporter/internal/models"
	"github.com/nocreport/reporter/internal/report"
	"github.com/nocreport/reporter/internal/users"
)

// OAuth is the Microsoft sign-in flow. Implemented by auth.Provider.
type OAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	TokenClient(ctx context.Context, tok *oauth2.Token) *http.Client
}

// UserStore records signed-in users. Implemented by users.Store.
type UserStore interface {
	Upsert(ctx context.Context, u users.User) error
}

// MailSources builds a Graph client for a user. Implemented by graph.Sources.
type MailSources interface {
	ForUser(ctx context.Context, email string) (*graph.Client, error)
}

// Fetcher fetches a day's messages. Implemented by fetcher.Fetcher.
type Fetcher interface {
	FetchForDate(ctx context.Context, src fetcher.MailSource, userID string, date time.Time, progress fetcher.ProgressFunc) (*fetcher.Result, error)
}

// EmailCache looks up a user's cached message. Implemented by cache.Store.
type EmailCache interface {
	Find(ctx context.Context, userID, messageID string) (*models.CachedMessage, error)
}

// Reports is the report service. Implemented by report.Service.
type Reports interface {
	Persist(ctx context.Context, userID string, date time.Time, g report.Generated) (*models.Report, error)
	Get(ctx context.Context, actor, id string) (*models.Report, error)
	List(ctx context.Context, actor string, limit, offset int) ([]models.Report, error)
	Update(ctx context.Context, actor, id string, entries []models.ReportEntry, expectedVersion *int64) (*models.Report, error)
}

// Locker guards report generation. Implemented by lock.Guard.
type Locker interface {
	Acquire(ctx context.Context, userID string, date time.Time) (*lock.Lease, error)
}

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

// Deps wires the handler to its collaborators.
type Deps struct {
	Sessions     *auth.Sessions
	OAuth        OAuth
	Users        UserStore
	Sources      MailSources
	Fetcher      Fetcher
	Emails       EmailCache
	Reports      Reports
	Locks        Locker
	GraphBaseURL string
	Health       map[string]HealthCheck

	// SecureCookies marks cookies Secure; set when served over HTTPS.
	SecureCookies bool
}

// Handler serves all routes.
type Handler struct {
	Deps
	validate *validator.Validate
}

// NewHandler creates the HTTP handler.
func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d, validate: newValidator()}
}

// Routes returns the router. Everything under /api/ requires a session.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("GET /auth/signin", h.signIn)
	mux.HandleFunc("GET /auth/callback", h.callback)
	mux.HandleFunc("POST /auth/signout", h.signOut)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/emails/fetch", h.fetchEmails)
	api.HandleFunc("GET /api/emails/{id}", h.getEmail)
	api.HandleFunc("POST /api/reports/generate", h.generateReport)
	api.HandleFunc("GET /api/reports", h.listReports)
	api.HandleFunc("GET /api/reports/{id}", h.getReport)
	api.HandleFunc("PATCH /api/reports/{id}", h.updateReport)
	api.HandleFunc("GET /api/reports/{id}/export", h.exportReport)
	mux.Handle("/api/", h.Sessions.Middleware(api))

	return logRequests(mux)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.Health {
		if err := check(ctx); err != nil {
			slog.Warn("health check failed", "dependency", name, "error", err)
			failed[name] = "unhealthy"
		}
	}

	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"checks": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Serve starts the HTTP server and shuts it down gracefully when ctx is
// cancelled. ready closes once the listener is bound; stopped closes once
// in-flight requests have drained.
func Serve(ctx context.Context, port int, handler http.Handler) (ready, stopped <-chan struct{}, err error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Fetch and generate may page through a large mailbox
		WriteTimeout: 5 * time.Minute,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	stoppedCh := make(chan struct{})

	go func() {
		defer close(stoppedCh)
		<-ctx.Done()
		slog.Info("http server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("http server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return readyCh, stoppedCh, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if r.URL.Path == "/health" {
			return
		}
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

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
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nocreport/reporter/internal/auth"
	"github.com/nocreport/reporter/internal/graph"
	"github.com/nocreport/reporter/internal/users"
)

const (
	stateCookie = "noc_oauth_state"
	stateTTL    = 10 * time.Minute
)

// signIn redirects to Microsoft with a one-time state bound to a cookie.
func (h *Handler) signIn(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   int(stateTTL / time.Second),
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.OAuth.AuthCodeURL(state), http.StatusFound)
}

// callback completes sign-in: verifies state, exchanges the code, reads
// the profile, stores the user and issues a session cookie.
func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		slog.Warn("sign-in rejected by identity provider",
			"error", e,
			"description", q.Get("error_description"),
		)
		writeError(w, http.StatusUnauthorized, "Sign-in was not completed")
		return
	}

	c, err := r.Cookie(stateCookie)
	if err != nil || q.Get("state") == "" || subtle.ConstantTimeCompare([]byte(c.Value), []byte(q.Get("state"))) != 1 {
		writeError(w, http.StatusBadRequest, "Invalid sign-in state")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/auth", MaxAge: -1})

	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "Missing authorization code")
		return
	}

	ctx := r.Context()
	tok, err := h.OAuth.Exchange(ctx, code)
	if err != nil {
		slog.Warn("authorization code exchange failed", "error", err)
		writeError(w, http.StatusUnauthorized, "Sign-in failed")
		return
	}

	profile, err := graph.NewClient(h.OAuth.TokenClient(ctx, tok), h.GraphBaseURL, nil).Me(ctx)
	if err != nil {
		slog.Warn("failed to read signed-in profile", "error", err)
		writeError(w, http.StatusUnauthorized, "Sign-in failed")
		return
	}
	email := profile.Email()
	if email == "" {
		writeError(w, http.StatusBadRequest, "Account has no email address")
		return
	}

	err = h.Users.Upsert(ctx, users.User{
		Email:        email,
		MicrosoftID:  profile.ID,
		Name:         profile.DisplayName,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenExpiry:  tok.Expiry,
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	session, exp, err := h.Sessions.Issue(auth.Identity{Email: email, Name: profile.DisplayName})
	if err != nil {
		fail(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    session,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	slog.Info("user signed in", "user", email)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) signOut(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

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

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/nocreport/reporter/internal/users"
)

// DefaultScopes grants profile access, mail read and a refresh token.
var DefaultScopes = []string{"openid", "profile", "email", "offline_access", "User.Read", "Mail.Read"}

// OAuthConfig holds the Microsoft app registration.
type OAuthConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// Endpoint overrides the Azure AD endpoint derived from TenantID.
	Endpoint *oauth2.Endpoint
}

// TokenStore loads and persists a user's OAuth tokens.
// Implemented by users.Store.
type TokenStore interface {
	Get(ctx context.Context, email string) (*users.User, error)
	UpdateTokens(ctx context.Context, email, accessToken, refreshToken string, expiry time.Time) error
}

// Provider wraps the Microsoft OAuth2 flow.
type Provider struct {
	oauth  *oauth2.Config
	tokens TokenStore
}

// NewProvider creates a provider for the configured tenant. An empty
// tenant signs in against "common".
func NewProvider(cfg OAuthConfig, tokens TokenStore) *Provider {
	tenant := cfg.TenantID
	if tenant == "" {
		tenant = "common"
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		tokens: tokens,
	}
}

// AuthCodeURL returns the Microsoft consent URL for state.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// Exchange trades an authorization code for tokens.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok, nil
}

// TokenClient returns a client authorised with tok, without persistence.
// Used during sign-in before the user row exists.
func (p *Provider) TokenClient(ctx context.Context, tok *oauth2.Token) *http.Client {
	return oauth2.NewClient(ctx, p.oauth.TokenSource(ctx, tok))
}

// HTTPClient returns a Graph-ready client for email using stored tokens.
// Refreshed tokens are written back to the store.
func (p *Provider) HTTPClient(ctx context.Context, email string) (*http.Client, error) {
	u, err := p.tokens.Get(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	if u == nil || (u.AccessToken == "" && u.RefreshToken == "") {
		return nil, fmt.Errorf("%w: no stored credentials for %s", ErrUnauthenticated, email)
	}

	tok := &oauth2.Token{
		AccessToken:  u.AccessToken,
		RefreshToken: u.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       u.TokenExpiry,
	}

	src := &persistingSource{
		ctx:    ctx,
		email:  email,
		base:   p.oauth.TokenSource(ctx, tok),
		store:  p.tokens,
		latest: tok.AccessToken,
	}
	return oauth2.NewClient(ctx, src), nil
}

// persistingSource saves every newly minted access token.
type persistingSource struct {
	ctx   context.Context
	email string
	base  oauth2.TokenSource
	store TokenStore

	mu     sync.Mutex
	latest string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: refresh token: %v", ErrUnauthenticated, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.latest {
		return tok, nil
	}
	s.latest = tok.AccessToken

	if err := s.store.UpdateTokens(s.ctx, s.email, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		slog.Warn("failed to persist refreshed token",
			"user", s.email,
			"error", err,
		)
	} else {
		slog.Debug("persisted refreshed token", "user", s.email)
	}
	return tok, nil
}

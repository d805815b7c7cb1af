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

// Package graph is a thin Microsoft Graph mail client: filtered, paginated
// folder queries and continuation over @odata.nextLink, using an already
// authorised HTTP client.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nocreport/reporter/internal/models"
	"github.com/nocreport/reporter/internal/timezone"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Well-known folder names.
const (
	FolderInbox = "inbox"
	FolderSent  = "sentitems"
)

// DefaultSelect is the field selection used for report generation.
const DefaultSelect = "id,subject,body,bodyPreview,from,receivedDateTime,sentDateTime,hasAttachments"

// Query bounds a folder listing to received-at within [Start, End).
type Query struct {
	Start    time.Time
	End      time.Time
	Select   string
	PageSize int
	OrderBy  string
}

// Filter renders the $filter expression for the query window.
func (q Query) Filter() string {
	return fmt.Sprintf("receivedDateTime ge %s and receivedDateTime lt %s",
		timezone.FormatForRemoteFilter(q.Start),
		timezone.FormatForRemoteFilter(q.End),
	)
}

// Page is one page of a listing. NextLink is empty on the last page.
type Page struct {
	Items    []models.RawMessage
	NextLink string
}

// Client issues mail queries against Graph on behalf of one signed-in user.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker
}

// NewClient creates a Graph mail client. httpClient must attach the user's
// bearer token. breaker may be nil.
func NewClient(httpClient *http.Client, baseURL string, breaker *gobreaker.CircuitBreaker) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		breaker:    breaker,
	}
}

// NewBreaker returns a circuit breaker for one mailbox. Only transient
// failures count toward tripping it.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("graph circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// Query fetches the first page of a folder listing.
func (c *Client) Query(ctx context.Context, folder string, q Query) (*Page, error) {
	params := url.Values{}
	params.Set("$filter", q.Filter())
	if q.Select != "" {
		params.Set("$select", q.Select)
	}
	if q.PageSize > 0 {
		params.Set("$top", strconv.Itoa(q.PageSize))
	}
	if q.OrderBy != "" {
		params.Set("$orderby", q.OrderBy)
	}

	listURL := fmt.Sprintf("%s/me/mailFolders/%s/messages?%s", c.baseURL, url.PathEscape(folder), params.Encode())
	return c.fetchPage(ctx, listURL)
}

// Continue fetches the page behind a continuation link.
func (c *Client) Continue(ctx context.Context, nextLink string) (*Page, error) {
	return c.fetchPage(ctx, nextLink)
}

func (c *Client) fetchPage(ctx context.Context, pageURL string) (*Page, error) {
	if c.breaker == nil {
		return c.doFetchPage(ctx, pageURL)
	}

	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doFetchPage(ctx, pageURL)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &APIError{StatusCode: http.StatusServiceUnavailable, Kind: KindServer, Body: err.Error()}
		}
		return nil, err
	}
	return v.(*Page), nil
}

func (c *Client) doFetchPage(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "outlook.body-content-type=\"text\"")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, newAPIError(resp.StatusCode, string(body))
	}

	page, err := decodePage(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}
	return page, nil
}

// Profile is the subset of /me used to identify a signed-in user.
type Profile struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// Email returns the mailbox address, falling back to the UPN.
func (p Profile) Email() string {
	if p.Mail != "" {
		return p.Mail
	}
	return p.UserPrincipalName
}

// Me returns the profile of the user the client is authorised as.
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	meURL := c.baseURL + "/me?$select=id,displayName,mail,userPrincipalName"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, newAPIError(resp.StatusCode, string(body))
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

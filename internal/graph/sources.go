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

package graph

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/sony/gobreaker"
)

// HTTPClientProvider returns an authorised HTTP client for a user.
// Implemented by auth.Provider.
type HTTPClientProvider interface {
	HTTPClient(ctx context.Context, email string) (*http.Client, error)
}

// Sources builds per-user clients. Graph throttles each mailbox on its own,
// so every user gets a separate circuit breaker.
type Sources struct {
	clients HTTPClientProvider
	baseURL string

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewSources creates a client factory.
func NewSources(clients HTTPClientProvider, baseURL string) *Sources {
	return &Sources{
		clients:  clients,
		baseURL:  baseURL,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// ForUser returns a mail client acting as email.
func (s *Sources) ForUser(ctx context.Context, email string) (*Client, error) {
	hc, err := s.clients.HTTPClient(ctx, email)
	if err != nil {
		return nil, err
	}
	return NewClient(hc, s.baseURL, s.breaker(email)), nil
}

func (s *Sources) breaker(email string) *gobreaker.CircuitBreaker {
	key := strings.ToLower(email)

	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	if !ok {
		cb = NewBreaker("graph:" + key)
		s.breakers[key] = cb
	}
	return cb
}

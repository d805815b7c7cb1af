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

// Package users persists signed-in users and their Microsoft OAuth tokens in
// Postgres. Tokens are sealed with AES-GCM before they reach the database.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// User is a signed-in account. Email is the identity used for report
// ownership.
type User struct {
	Email        string
	MicrosoftID  string
	Name         string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store provides user persistence in Postgres.
type Store struct {
	pool   *pgxpool.Pool
	cipher *Cipher
}

// NewStore creates a user store backed by the given Postgres pool.
// It ensures the users table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool, cipher *Cipher) (*Store, error) {
	s := &Store{pool: pool, cipher: cipher}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure users schema: %w", err)
	}
	slog.Info("user store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			email          TEXT PRIMARY KEY,
			microsoft_id   TEXT NOT NULL UNIQUE,
			name           TEXT DEFAULT '',
			access_token   TEXT DEFAULT '',
			refresh_token  TEXT DEFAULT '',
			token_expiry   TIMESTAMPTZ,
			last_login     TIMESTAMPTZ,
			created_at     TIMESTAMPTZ DEFAULT NOW(),
			updated_at     TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// Upsert records a sign-in, keyed on email.
func (s *Store) Upsert(ctx context.Context, u User) error {
	access, refresh, err := s.seal(u.AccessToken, u.RefreshToken)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO users
			(email, microsoft_id, name, access_token, refresh_token, token_expiry, last_login)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (email) DO UPDATE SET
			microsoft_id  = EXCLUDED.microsoft_id,
			name          = EXCLUDED.name,
			access_token  = EXCLUDED.access_token,
			refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN users.refresh_token
			                     ELSE EXCLUDED.refresh_token END,
			token_expiry  = EXCLUDED.token_expiry,
			last_login    = NOW(),
			updated_at    = NOW()
	`, u.Email, u.MicrosoftID, u.Name, access, refresh, u.TokenExpiry)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// Get retrieves a user by email, or nil if unknown.
func (s *Store) Get(ctx context.Context, email string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT email, microsoft_id, name, access_token, refresh_token,
		       token_expiry, last_login, created_at, updated_at
		FROM users
		WHERE email = $1
	`, email)

	var u User
	var expiry *time.Time
	err := row.Scan(
		&u.Email, &u.MicrosoftID, &u.Name, &u.AccessToken, &u.RefreshToken,
		&expiry, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if expiry != nil {
		u.TokenExpiry = *expiry
	}

	if u.AccessToken, err = s.open(u.AccessToken); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if u.RefreshToken, err = s.open(u.RefreshToken); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return &u, nil
}

// UpdateTokens stores a refreshed token set. An empty refresh token keeps
// the stored one.
func (s *Store) UpdateTokens(ctx context.Context, email, accessToken, refreshToken string, expiry time.Time) error {
	access, refresh, err := s.seal(accessToken, refreshToken)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE users
		SET access_token  = $1,
		    refresh_token = CASE WHEN $2::text = '' THEN refresh_token ELSE $2::text END,
		    token_expiry  = $3,
		    updated_at    = NOW()
		WHERE email = $4
	`, access, refresh, expiry, email)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) seal(access, refresh string) (string, string, error) {
	a, err := s.cipher.Seal(access)
	if err != nil {
		return "", "", fmt.Errorf("encrypt access token: %w", err)
	}
	r, err := s.cipher.Seal(refresh)
	if err != nil {
		return "", "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	return a, r, nil
}

func (s *Store) open(v string) (string, error) {
	return s.cipher.Open(v)
}

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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "config.yaml"

// MicrosoftConfig holds the Entra ID app registration used for sign-in.
type MicrosoftConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// FetchConfig bounds mailbox pagination and retry.
type FetchConfig struct {
	PageSize       int
	MaxPages       int
	PageDelay      time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// Config holds all configuration for the report service.
type Config struct {
	Port    int
	BaseURL string

	Microsoft    MicrosoftConfig
	GraphBaseURL string

	// Storage
	MongoURI      string
	MongoDatabase string
	PostgresURL   string

	// Redis is optional; without it generation runs unguarded.
	RedisURL string

	SessionSecret string
	SessionTTL    time.Duration
	EncryptionKey string

	Fetch FetchConfig

	LogLevel string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Server struct {
		Port    int    `yaml:"port"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"server"`
	Microsoft struct {
		TenantID     string `yaml:"tenant_id"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectURL  string `yaml:"redirect_url"`
	} `yaml:"microsoft"`
	Graph struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"graph"`
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"mongo"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Session struct {
		Secret string `yaml:"secret"`
		TTL    string `yaml:"ttl"`
	} `yaml:"session"`
	EncryptionKey string `yaml:"encryption_key"`
	Fetch         struct {
		PageSize       int    `yaml:"page_size"`
		MaxPages       int    `yaml:"max_pages"`
		PageDelay      string `yaml:"page_delay"`
		RetryAttempts  int    `yaml:"retry_attempts"`
		RetryBaseDelay string `yaml:"retry_base_delay"`
	} `yaml:"fetch"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables. A missing file at the default path is not an
// error; every setting can come from the environment.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", defaultConfigPath)

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && configPath == defaultConfigPath:
		// env only
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	port := raw.Server.Port
	if port == 0 {
		port = envOrDefaultInt("PORT", 8080)
	}
	baseURL := strings.TrimRight(firstNonEmpty(raw.Server.BaseURL, envOrDefault("BASE_URL", fmt.Sprintf("http://localhost:%d", port))), "/")

	cfg := &Config{
		Port:    port,
		BaseURL: baseURL,
		Microsoft: MicrosoftConfig{
			TenantID:     firstNonEmpty(raw.Microsoft.TenantID, envOrDefault("MICROSOFT_TENANT_ID", "common")),
			ClientID:     firstNonEmpty(raw.Microsoft.ClientID, os.Getenv("MICROSOFT_CLIENT_ID")),
			ClientSecret: firstNonEmpty(raw.Microsoft.ClientSecret, os.Getenv("MICROSOFT_CLIENT_SECRET")),
			RedirectURL:  firstNonEmpty(raw.Microsoft.RedirectURL, os.Getenv("MICROSOFT_REDIRECT_URL"), baseURL+"/auth/callback"),
		},
		GraphBaseURL:  firstNonEmpty(raw.Graph.BaseURL, envOrDefault("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0")),
		MongoURI:      firstNonEmpty(raw.Mongo.URI, os.Getenv("MONGODB_URI")),
		MongoDatabase: firstNonEmpty(raw.Mongo.Database, envOrDefault("MONGODB_DATABASE", "noc_reports")),
		PostgresURL:   firstNonEmpty(raw.Postgres.URL, os.Getenv("DATABASE_URL")),
		RedisURL:      firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		SessionSecret: firstNonEmpty(raw.Session.Secret, os.Getenv("SESSION_SECRET")),
		SessionTTL:    durationOr(raw.Session.TTL, envOrDefaultDuration("SESSION_TTL", 24*time.Hour)),
		EncryptionKey: firstNonEmpty(raw.EncryptionKey, os.Getenv("ENCRYPTION_KEY")),
		Fetch: FetchConfig{
			PageSize:       intOr(raw.Fetch.PageSize, envOrDefaultInt("FETCH_PAGE_SIZE", 50)),
			MaxPages:       intOr(raw.Fetch.MaxPages, envOrDefaultInt("FETCH_MAX_PAGES", 100)),
			PageDelay:      durationOr(raw.Fetch.PageDelay, envOrDefaultDuration("FETCH_PAGE_DELAY", 250*time.Millisecond)),
			RetryAttempts:  intOr(raw.Fetch.RetryAttempts, envOrDefaultInt("FETCH_RETRY_ATTEMPTS", 3)),
			RetryBaseDelay: durationOr(raw.Fetch.RetryBaseDelay, envOrDefaultDuration("FETCH_RETRY_BASE_DELAY", time.Second)),
		},
		LogLevel: firstNonEmpty(raw.LogLevel, envOrDefault("LOG_LEVEL", "info")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"microsoft.client_id", c.Microsoft.ClientID},
		{"microsoft.client_secret", c.Microsoft.ClientSecret},
		{"mongo.uri", c.MongoURI},
		{"postgres.url", c.PostgresURL},
		{"session.secret", c.SessionSecret},
		{"encryption_key", c.EncryptionKey},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Fetch.PageSize < 1 || c.Fetch.PageSize > 1000 {
		return fmt.Errorf("fetch.page_size must be between 1 and 1000, got %d", c.Fetch.PageSize)
	}
	if c.Fetch.MaxPages < 1 {
		return fmt.Errorf("fetch.max_pages must be positive, got %d", c.Fetch.MaxPages)
	}
	if c.Fetch.RetryAttempts < 1 {
		return fmt.Errorf("fetch.retry_attempts must be positive, got %d", c.Fetch.RetryAttempts)
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func durationOr(v string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
		return d
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
